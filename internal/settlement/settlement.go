package settlement

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"Agent-Economy/internal/chain"
	xerrors "Agent-Economy/internal/errors"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/internal/observability/alerting"
	"Agent-Economy/internal/observability/metrics"
	"Agent-Economy/pkg/logger"
)

// Record 是一笔结算的最终凭据。每个任务 ID 至多产生一条记录。
type Record struct {
	TaskID     string  `json:"task_id"`
	WorkerID   string  `json:"worker_id"`
	AmountHBAR float64 `json:"amount_hbar"`
	TxID       string  `json:"tx_id,omitempty"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	Timestamp  int64   `json:"timestamp"`
	Simulated  bool    `json:"simulated"`
}

// TaskStates 暴露任务当前状态，供结算引擎识别迟到或已失败的结果。
type TaskStates interface {
	Status(taskID string) (string, bool)
}

// Archive 是结算记录的持久化旁路。写入失败只记日志，不影响结算本身。
type Archive interface {
	SaveSettlement(ctx context.Context, record Record) error
}

const defaultTreasury = "treasury"

// Engine 跟踪任务主题，对每个成功完成的任务执行一次转账并把 PAYMENT
// 消息写回支付主题。转账失败不会自动重试，失败记录同样占住任务 ID，
// 保证每个任务至多结算一次。
type Engine struct {
	log      ledger.Log
	client   chain.Client
	policy   Policy
	states   TaskStates
	archive  Archive
	alerts   alerting.Dispatcher
	treasury string
	id       string
	clock    func() time.Time

	mu      sync.Mutex
	budgets map[string]float64
	records map[string]Record
	total   float64
}

// Option 定义可选配置。
type Option func(*Engine)

// WithTreasury 覆盖出账账户。
func WithTreasury(account string) Option {
	return func(e *Engine) {
		if account != "" {
			e.treasury = account
		}
	}
}

// WithArchive 配置结算记录的持久化旁路。
func WithArchive(archive Archive) Option {
	return func(e *Engine) {
		e.archive = archive
	}
}

// WithAlerts 配置结算失败时的告警出口。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = dispatcher
	}
}

// WithID 指定结算引擎写入日志时使用的发送者 ID。
func WithID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.id = id
		}
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New 创建结算引擎。states 可以为 nil，此时不做终态校验。
func New(log ledger.Log, client chain.Client, policy Policy, states TaskStates, opts ...Option) *Engine {
	e := &Engine{
		log:      log,
		client:   client,
		policy:   policy,
		states:   states,
		treasury: defaultTreasury,
		id:       "settlement",
		clock:    time.Now,
		budgets:  make(map[string]float64),
		records:  make(map[string]Record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 跟踪任务主题：ASSIGN 用于记住各任务的预算，completed RESULT
// 触发结算。上下文取消后返回。
func (e *Engine) Run(ctx context.Context) error {
	msgs, cancel, err := e.log.Subscribe(ctx, ledger.TopicTasks, 1)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			switch msg.Type {
			case ledger.TypeAssign:
				var assign ledger.AssignPayload
				if err := msg.DecodePayload(&assign); err == nil {
					e.mu.Lock()
					e.budgets[assign.TaskID] = assign.BudgetHBAR
					e.mu.Unlock()
				}
			case ledger.TypeResult:
				var result ledger.ResultPayload
				if err := msg.DecodePayload(&result); err == nil {
					e.Settle(ctx, result)
				}
			}
		}
	}
}

// Settle 对一条结果执行结算。失败的执行、迟到的结果与重复的结果都
// 会被跳过；每个任务 ID 至多转账一次。
func (e *Engine) Settle(ctx context.Context, result ledger.ResultPayload) {
	if result.Status != "completed" {
		return
	}
	if e.states != nil {
		// 只有经纪方已判定过期或失败的任务才不付款。经纪方与结算引擎
		// 各自订阅任务主题，结算侧可能先于经纪方看到结果，此时任务还
		// 停留在 assigned/executing，照常结算。
		if status, ok := e.states.Status(result.TaskID); ok && (status == "expired" || status == "failed") {
			logger.L().Debug("跳过终态不符的结算",
				slog.String("task_id", result.TaskID),
				slog.String("status", status),
			)
			return
		}
	}

	e.mu.Lock()
	if _, done := e.records[result.TaskID]; done {
		e.mu.Unlock()
		return
	}
	budget := e.budgets[result.TaskID]
	// 预占任务 ID，防止并发重复结算。
	e.records[result.TaskID] = Record{TaskID: result.TaskID, Status: "pending"}
	e.mu.Unlock()

	amount := e.policy.Price(result.TaskType, result.DurationMS, budget)
	if budget > 0 && amount > budget {
		amount = budget
	}
	amount = round4(amount)

	record := Record{
		TaskID:     result.TaskID,
		WorkerID:   result.WorkerID,
		AmountHBAR: amount,
		DurationMS: result.DurationMS,
		Timestamp:  e.clock().UnixMilli(),
		Simulated:  e.client.Simulated(),
	}

	txID, err := e.client.Transfer(ctx, e.treasury, result.WorkerID, amount)
	if err != nil {
		record.Status = "failed"
		record.Error = err.Error()
		wrapped := xerrors.Wrap(xerrors.CodeSettlementFailure, err, "转账失败",
			xerrors.WithMetadata("task_id", result.TaskID))
		logger.L().Error("结算失败，等待人工处理",
			slog.String("task_id", result.TaskID),
			slog.String("worker_id", result.WorkerID),
			slog.Float64("amount_hbar", amount),
			slog.Any("error", wrapped),
		)
		if e.alerts != nil {
			event := alerting.FromError(wrapped, result.TaskID)
			event.WorkerID = result.WorkerID
			event.AmountHBAR = amount
			if err := e.alerts.Notify(ctx, event); err != nil {
				logger.L().Warn("发送结算告警失败",
					slog.String("task_id", result.TaskID),
					slog.Any("error", err),
				)
			}
		}
	} else {
		record.Status = "settled"
		record.TxID = txID
	}

	e.mu.Lock()
	e.records[result.TaskID] = record
	delete(e.budgets, result.TaskID)
	if record.Status == "settled" {
		e.total += amount
	}
	e.mu.Unlock()
	metrics.ObserveSettlement(record.Status, record.AmountHBAR)

	if _, err := e.log.Append(ctx, ledger.TopicPayments, e.id, ledger.TypePayment, ledger.PaymentPayload{
		TaskID:     record.TaskID,
		WorkerID:   record.WorkerID,
		AmountHBAR: record.AmountHBAR,
		TxID:       record.TxID,
		Status:     record.Status,
		Simulated:  record.Simulated,
	}); err != nil {
		logger.L().Error("写入支付消息失败",
			slog.String("task_id", record.TaskID),
			slog.Any("error", err),
		)
	}
	if record.Status == "settled" {
		logger.Audit().Info("任务已结算",
			slog.String("task_id", record.TaskID),
			slog.String("worker_id", record.WorkerID),
			slog.Float64("amount_hbar", record.AmountHBAR),
			slog.String("tx_id", record.TxID),
			slog.Bool("simulated", record.Simulated),
		)
	}

	if e.archive != nil {
		if err := e.archive.SaveSettlement(ctx, record); err != nil {
			logger.L().Warn("归档结算记录失败",
				slog.String("task_id", record.TaskID),
				slog.Any("error", err),
			)
		}
	}
}

// Records 返回最近的结算记录，按时间倒序。
func (e *Engine) Records(limit int) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.records))
	for _, record := range e.records {
		if record.Status == "pending" {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].TaskID < out[j].TaskID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TotalSettledHBAR 返回累计成功结算的金额。
func (e *Engine) TotalSettledHBAR() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}
