package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Agent-Economy/internal/chain"
	xerrors "Agent-Economy/internal/errors"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/internal/observability/alerting"
)

type stubStates struct {
	statuses map[string]string
}

func (s stubStates) Status(taskID string) (string, bool) {
	status, ok := s.statuses[taskID]
	return status, ok
}

type failingChain struct{}

func (failingChain) Transfer(ctx context.Context, from, to string, amountHBAR float64) (string, error) {
	return "", errors.New("网络不可达")
}
func (failingChain) Balance(ctx context.Context, account string) (float64, error) { return 0, nil }
func (failingChain) Simulated() bool                                              { return false }
func (failingChain) Close()                                                       {}

type capturingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *capturingAlerts) Notify(ctx context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type memoryArchive struct {
	mu      sync.Mutex
	records []Record
}

func (a *memoryArchive) SaveSettlement(ctx context.Context, record Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func completedResult(taskID string, cost float64) ledger.ResultPayload {
	return ledger.ResultPayload{
		TaskID:     taskID,
		WorkerID:   "worker-1",
		TaskType:   "summarize",
		Status:     "completed",
		Output:     "ok",
		CostHBAR:   cost,
		DurationMS: 12,
	}
}

func TestSettleCapsAmountAtBudget(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	archive := &memoryArchive{}
	engine := New(log, chain.NewMockClient(), DefaultPolicy(), nil, WithArchive(archive))

	// 预算 0.1，低于 summarize 的固定费率 0.4，应按预算封顶。
	engine.mu.Lock()
	engine.budgets["task-1"] = 0.1
	engine.mu.Unlock()
	engine.Settle(context.Background(), completedResult("task-1", 0.08))

	records := engine.Records(0)
	if len(records) != 1 {
		t.Fatalf("期望 1 条记录，实际 %d", len(records))
	}
	record := records[0]
	if record.Status != "settled" {
		t.Fatalf("期望 settled，实际 %s", record.Status)
	}
	if record.AmountHBAR != 0.1 {
		t.Fatalf("金额应按预算封顶为 0.1，实际 %v", record.AmountHBAR)
	}
	if record.TxID == "" {
		t.Fatal("成功结算应携带交易 ID")
	}
	if !record.Simulated {
		t.Fatal("模拟链路的记录应标记 simulated")
	}
	if engine.TotalSettledHBAR() != 0.1 {
		t.Fatalf("累计结算金额不符: %v", engine.TotalSettledHBAR())
	}

	// PAYMENT 消息与归档旁路。
	payments, err := log.Read(context.Background(), ledger.TopicPayments, 0)
	if err != nil {
		t.Fatalf("读取支付主题失败: %v", err)
	}
	if len(payments) != 1 || payments[0].Type != ledger.TypePayment {
		t.Fatalf("期望 1 条 PAYMENT，实际 %d", len(payments))
	}
	if len(archive.records) != 1 {
		t.Fatalf("归档记录数不符: %d", len(archive.records))
	}
}

func TestSettleIsIdempotentPerTask(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	engine := New(log, chain.NewMockClient(), DefaultPolicy(), nil)

	engine.mu.Lock()
	engine.budgets["task-2"] = 1
	engine.mu.Unlock()
	result := completedResult("task-2", 0.8)
	engine.Settle(context.Background(), result)
	engine.Settle(context.Background(), result)
	engine.Settle(context.Background(), result)

	if got := len(engine.Records(0)); got != 1 {
		t.Fatalf("重复结果应只产生 1 条记录，实际 %d", got)
	}
	payments, err := log.Read(context.Background(), ledger.TopicPayments, 0)
	if err != nil {
		t.Fatalf("读取支付主题失败: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("重复结果应只产生 1 条 PAYMENT，实际 %d", len(payments))
	}
}

func TestSettleSkipsNonCompletedBrokerState(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	states := stubStates{statuses: map[string]string{"task-3": "expired"}}
	engine := New(log, chain.NewMockClient(), DefaultPolicy(), states)

	engine.Settle(context.Background(), completedResult("task-3", 0.5))

	if got := len(engine.Records(0)); got != 0 {
		t.Fatalf("过期任务不应结算，实际 %d 条记录", got)
	}
	payments, err := log.Read(context.Background(), ledger.TopicPayments, 0)
	if err != nil {
		t.Fatalf("读取支付主题失败: %v", err)
	}
	if len(payments) != 0 {
		t.Fatal("过期任务不应产生 PAYMENT")
	}
}

func TestSettleProceedsWhenBrokerLagsBehindResult(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	// 结算侧先于经纪方看到结果：任务在经纪方视角仍是 executing。
	states := stubStates{statuses: map[string]string{"task-7": "executing"}}
	engine := New(log, chain.NewMockClient(), DefaultPolicy(), states)

	engine.mu.Lock()
	engine.budgets["task-7"] = 1
	engine.mu.Unlock()
	engine.Settle(context.Background(), completedResult("task-7", 0.8))

	records := engine.Records(0)
	if len(records) != 1 {
		t.Fatalf("经纪方滞后不应丢掉结算，实际 %d 条记录", len(records))
	}
	if records[0].Status != "settled" {
		t.Fatalf("期望 settled，实际 %s", records[0].Status)
	}
	payments, err := log.Read(context.Background(), ledger.TopicPayments, 0)
	if err != nil {
		t.Fatalf("读取支付主题失败: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("期望 1 条 PAYMENT，实际 %d", len(payments))
	}
}

func TestSettleFailureIsFinal(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	alerts := &capturingAlerts{}
	engine := New(log, failingChain{}, DefaultPolicy(), nil, WithAlerts(alerts))

	engine.mu.Lock()
	engine.budgets["task-4"] = 1
	engine.mu.Unlock()
	result := completedResult("task-4", 0.8)
	engine.Settle(context.Background(), result)
	// 失败后重放同一结果不应触发重试。
	engine.Settle(context.Background(), result)

	records := engine.Records(0)
	if len(records) != 1 {
		t.Fatalf("期望 1 条失败记录，实际 %d", len(records))
	}
	if records[0].Status != "failed" || records[0].TxID != "" {
		t.Fatalf("失败记录形态不符: %+v", records[0])
	}
	if engine.TotalSettledHBAR() != 0 {
		t.Fatal("失败结算不应计入累计金额")
	}

	payments, err := log.Read(context.Background(), ledger.TopicPayments, 0)
	if err != nil {
		t.Fatalf("读取支付主题失败: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("失败结算应写出恰好 1 条 PAYMENT，实际 %d", len(payments))
	}
	var p ledger.PaymentPayload
	if err := payments[0].DecodePayload(&p); err != nil {
		t.Fatalf("解析 PAYMENT 失败: %v", err)
	}
	if p.Status != "failed" {
		t.Fatalf("PAYMENT 状态应为 failed，实际 %s", p.Status)
	}

	// 失败结算触发恰好一次告警。
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 1 {
		t.Fatalf("期望 1 条告警，实际 %d", len(alerts.events))
	}
	event := alerts.events[0]
	if event.Code != xerrors.CodeSettlementFailure || event.TaskID != "task-4" {
		t.Fatalf("告警事件形态不符: %+v", event)
	}
}

func TestRunSettlesFromLedger(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	engine := New(log, chain.NewMockClient(), DefaultPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	_, err := log.Append(context.Background(), ledger.TopicTasks, "broker", ledger.TypeAssign, ledger.AssignPayload{
		TaskID:     "task-5",
		WorkerID:   "worker-1",
		TaskType:   "tldr",
		Payload:    "text",
		BudgetHBAR: 0.5,
	})
	if err != nil {
		t.Fatalf("写入指派失败: %v", err)
	}
	result := completedResult("task-5", 0.4)
	result.TaskType = "tldr"
	_, err = log.Append(context.Background(), ledger.TopicTasks, "worker-1", ledger.TypeResult, result)
	if err != nil {
		t.Fatalf("写入结果失败: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records := engine.Records(0)
		if len(records) == 1 {
			if records[0].AmountHBAR != 0.2 {
				t.Fatalf("tldr 固定费率应为 0.2，实际 %v", records[0].AmountHBAR)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("结算引擎未处理账本上的结果")
}
