package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"Agent-Economy/internal/directory"
	"Agent-Economy/internal/executor"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/internal/registry"
)

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return nil, errors.New("模型超载")
}

func startWorker(t *testing.T, log ledger.Log, id string, exec executor.Executor) *Worker {
	t.Helper()
	pub := registry.NewPublisher(log, registry.Identity{
		ID:     id,
		Kind:   directory.KindWorker,
		Name:   id,
		Skills: []string{"summarize"},
	})
	w := New(log, pub, exec)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	awaitRegister(t, log, id)
	return w
}

// awaitRegister 等到 worker 的 REGISTER 消息可见。Run 先订阅再注册，
// 注册一旦可见，后续写入的指派必然被消费。
func awaitRegister(t *testing.T, log ledger.Log, workerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := log.Read(context.Background(), ledger.TopicRegistry, 0)
		if err != nil {
			t.Fatalf("读取注册主题失败: %v", err)
		}
		for _, msg := range msgs {
			if msg.Type == ledger.TypeRegister && msg.Sender == workerID {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %s 的注册消息未出现", workerID)
}

func assign(t *testing.T, log ledger.Log, workerID, taskID string) {
	t.Helper()
	_, err := log.Append(context.Background(), ledger.TopicTasks, "broker", ledger.TypeAssign, ledger.AssignPayload{
		TaskID:     taskID,
		WorkerID:   workerID,
		TaskType:   "summarize",
		Payload:    "long article",
		BudgetHBAR: 1,
	})
	if err != nil {
		t.Fatalf("写入指派失败: %v", err)
	}
}

func awaitResult(t *testing.T, log ledger.Log, taskID string) ledger.ResultPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := log.Read(context.Background(), ledger.TopicTasks, 0)
		if err != nil {
			t.Fatalf("读取任务主题失败: %v", err)
		}
		for _, msg := range msgs {
			if msg.Type != ledger.TypeResult {
				continue
			}
			var result ledger.ResultPayload
			if err := msg.DecodePayload(&result); err != nil {
				t.Fatalf("解析结果失败: %v", err)
			}
			if result.TaskID == taskID {
				return result
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("任务 %s 的结果未出现", taskID)
	return ledger.ResultPayload{}
}

func TestWorkerExecutesAssignment(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	startWorker(t, log, "worker-abc", executor.NewCannedExecutor(executor.DefaultProfiles()))

	assign(t, log, "worker-abc", "task-1")
	result := awaitResult(t, log, "task-1")

	if result.Status != "completed" {
		t.Fatalf("期望 completed，实际 %s", result.Status)
	}
	if !strings.Contains(result.Output, "long article") {
		t.Fatalf("输出内容不符: %q", result.Output)
	}
	if result.CostHBAR != executor.WorkerCost(1) {
		t.Fatalf("费用不符: %v", result.CostHBAR)
	}

	// 执行前后应分别发布 busy 与 idle 心跳，完成后计数心跳携带收入。
	beats, err := log.Read(context.Background(), ledger.TopicRegistry, 0)
	if err != nil {
		t.Fatalf("读取注册主题失败: %v", err)
	}
	sawBusy, sawIdleWithEarnings := false, false
	for _, msg := range beats {
		if msg.Type != ledger.TypeHeartbeat {
			continue
		}
		var hb ledger.HeartbeatPayload
		if err := msg.DecodePayload(&hb); err != nil {
			continue
		}
		if hb.Status == string(directory.StatusBusy) && hb.CurrentTask == "task-1" {
			sawBusy = true
		}
		if hb.Status == string(directory.StatusIdle) && hb.TasksCompleted == 1 && hb.EarningsHBAR > 0 {
			sawIdleWithEarnings = true
		}
	}
	if !sawBusy {
		t.Fatal("未观察到携带任务 ID 的 busy 心跳")
	}
	if !sawIdleWithEarnings {
		t.Fatal("未观察到带完成计数的 idle 心跳")
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	startWorker(t, log, "worker-def", failingExecutor{})

	assign(t, log, "worker-def", "task-2")
	result := awaitResult(t, log, "task-2")

	if result.Status != "failed" {
		t.Fatalf("执行错误应转换为 failed 结果，实际 %s", result.Status)
	}
	if !strings.Contains(result.Error, "模型超载") {
		t.Fatalf("错误信息不符: %q", result.Error)
	}
}

func TestWorkerHandlesAssignmentRightAfterRegister(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	pub := registry.NewPublisher(log, registry.Identity{
		ID:     "worker-fast",
		Kind:   directory.KindWorker,
		Name:   "worker-fast",
		Skills: []string{"summarize"},
	})
	w := New(log, pub, executor.NewCannedExecutor(executor.DefaultProfiles()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// 注册一可见立刻写指派：指派不能落在注册与订阅之间的空窗里。
	awaitRegister(t, log, "worker-fast")
	assign(t, log, "worker-fast", "task-fast")

	result := awaitResult(t, log, "task-fast")
	if result.Status != "completed" {
		t.Fatalf("紧随注册的指派应被执行，实际 %s", result.Status)
	}
}

func TestWorkerIgnoresOtherAssignments(t *testing.T) {
	log := ledger.NewMemoryLog()
	defer log.Close()
	startWorker(t, log, "worker-ghi", executor.NewCannedExecutor(executor.DefaultProfiles()))

	assign(t, log, "worker-other", "task-3")
	assign(t, log, "worker-ghi", "task-4")
	result := awaitResult(t, log, "task-4")
	if result.WorkerID != "worker-ghi" {
		t.Fatalf("结果应来自 worker-ghi，实际 %s", result.WorkerID)
	}

	msgs, err := log.Read(context.Background(), ledger.TopicTasks, 0)
	if err != nil {
		t.Fatalf("读取任务主题失败: %v", err)
	}
	for _, msg := range msgs {
		if msg.Type != ledger.TypeResult {
			continue
		}
		var r ledger.ResultPayload
		_ = msg.DecodePayload(&r)
		if r.TaskID == "task-3" {
			t.Fatal("不应处理指派给其他 worker 的任务")
		}
	}
}
