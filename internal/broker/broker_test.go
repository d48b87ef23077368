package broker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"Agent-Economy/internal/directory"
	xerrors "Agent-Economy/internal/errors"
	"Agent-Economy/internal/executor"
	"Agent-Economy/internal/ledger"
)

func newTestBroker(t *testing.T, opts ...Option) (*Broker, ledger.Log, *directory.Directory, context.Context) {
	t.Helper()
	log := ledger.NewMemoryLog()
	dir := directory.New()
	b := New(log, dir, executor.DefaultProfiles(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = log.Close() })
	go func() { _ = b.Run(ctx) }()
	return b, log, dir, ctx
}

func registerWorker(t *testing.T, log ledger.Log, dir *directory.Directory, id string, skills ...string) {
	t.Helper()
	msg, err := log.Append(context.Background(), ledger.TopicRegistry, id, ledger.TypeRegister, ledger.RegisterPayload{
		AgentID: id,
		Kind:    string(directory.KindWorker),
		Name:    id,
		Skills:  skills,
		Status:  string(directory.StatusIdle),
	})
	if err != nil {
		t.Fatalf("注册 worker 失败: %v", err)
	}
	dir.Apply(msg)
}

// respond 模拟 worker：跟踪任务主题，对每条 ASSIGN 写回结果。
func respond(ctx context.Context, t *testing.T, log ledger.Log, status string, delay time.Duration) {
	t.Helper()
	ch, cancel, err := log.Subscribe(ctx, ledger.TopicTasks, 1)
	if err != nil {
		t.Fatalf("订阅任务主题失败: %v", err)
	}
	go func() {
		defer cancel()
		for msg := range ch {
			if msg.Type != ledger.TypeAssign {
				continue
			}
			var assign ledger.AssignPayload
			if err := msg.DecodePayload(&assign); err != nil {
				continue
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			result := ledger.ResultPayload{
				TaskID:     assign.TaskID,
				WorkerID:   assign.WorkerID,
				TaskType:   assign.TaskType,
				Status:     status,
				CostHBAR:   executor.WorkerCost(assign.BudgetHBAR),
				DurationMS: 5,
			}
			if status == "failed" {
				result.Error = "boom"
			} else {
				result.Output = "done: " + assign.Payload
			}
			_, _ = log.Append(ctx, ledger.TopicTasks, assign.WorkerID, ledger.TypeResult, result)
		}
	}()
}

func TestSubmitCompletes(t *testing.T) {
	b, log, dir, ctx := newTestBroker(t)
	registerWorker(t, log, dir, "worker-aaa", "summarize", "tldr")
	respond(ctx, t, log, "completed", 0)

	task, err := b.Submit(context.Background(), SubmitRequest{
		Type:       "summarize",
		Payload:    "long text",
		BudgetHBAR: 0.5,
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("期望 completed，实际 %s", task.Status)
	}
	if task.WorkerID != "worker-aaa" {
		t.Fatalf("期望指派给 worker-aaa，实际 %s", task.WorkerID)
	}
	if !strings.Contains(task.Result, "long text") {
		t.Fatalf("结果内容不符: %q", task.Result)
	}
	if task.CostHBAR != executor.WorkerCost(0.5) {
		t.Fatalf("费用不符: %v", task.CostHBAR)
	}

	// 审计轨迹：TASK_REQUEST 与恰好一条 ASSIGN。
	msgs, err := log.Read(context.Background(), ledger.TopicTasks, 0)
	if err != nil {
		t.Fatalf("读取任务主题失败: %v", err)
	}
	assigns := 0
	for _, msg := range msgs {
		if msg.Type == ledger.TypeAssign {
			assigns++
		}
	}
	if assigns != 1 {
		t.Fatalf("期望 1 条 ASSIGN，实际 %d", assigns)
	}
}

func TestSubmitFailedResult(t *testing.T) {
	b, log, dir, ctx := newTestBroker(t)
	registerWorker(t, log, dir, "worker-bbb", "review")
	respond(ctx, t, log, "failed", 0)

	task, err := b.Submit(context.Background(), SubmitRequest{
		Type:       "review",
		Payload:    "code",
		BudgetHBAR: 1,
	})
	if err != nil {
		t.Fatalf("执行失败不应同步返回错误: %v", err)
	}
	if task.Status != StatusFailed {
		t.Fatalf("期望 failed，实际 %s", task.Status)
	}
	if task.Error == "" {
		t.Fatal("失败任务应携带错误信息")
	}
}

func TestSubmitValidation(t *testing.T) {
	b, _, _, _ := newTestBroker(t)

	if _, err := b.Submit(context.Background(), SubmitRequest{Type: "summarize", BudgetHBAR: 0}); xerrors.CodeOf(err) != xerrors.CodeInvalidRequest {
		t.Fatalf("零预算应返回 INVALID_REQUEST，实际 %v", err)
	}
	if _, err := b.Submit(context.Background(), SubmitRequest{Type: "teleport", BudgetHBAR: 1}); xerrors.CodeOf(err) != xerrors.CodeInvalidRequest {
		t.Fatalf("未知类型应返回 INVALID_REQUEST，实际 %v", err)
	}
}

func TestSubmitNoCapableWorker(t *testing.T) {
	b, _, _, _ := newTestBroker(t)

	task, err := b.Submit(context.Background(), SubmitRequest{
		Type:       "summarize",
		Payload:    "text",
		BudgetHBAR: 1,
	})
	if xerrors.CodeOf(err) != xerrors.CodeNoCapableWorker {
		t.Fatalf("期望 NO_CAPABLE_WORKER，实际 %v", err)
	}
	if task == nil || task.Status != StatusFailed {
		t.Fatalf("匹配失败的任务应记为 failed: %+v", task)
	}
}

func TestSubmitTimeoutIgnoresLateResult(t *testing.T) {
	b, log, dir, _ := newTestBroker(t, WithAssignTimeout(60*time.Millisecond))
	registerWorker(t, log, dir, "worker-ccc", "analyze")

	task, err := b.Submit(context.Background(), SubmitRequest{
		Type:       "analyze",
		Payload:    "dataset",
		BudgetHBAR: 2,
	})
	if xerrors.CodeOf(err) != xerrors.CodeAssignmentTimeout {
		t.Fatalf("期望 ASSIGNMENT_TIMEOUT，实际 %v", err)
	}
	if task.Status != StatusExpired {
		t.Fatalf("超时任务应为 expired，实际 %s", task.Status)
	}

	// 迟到的结果不得改写终态。
	_, err = log.Append(context.Background(), ledger.TopicTasks, "worker-ccc", ledger.TypeResult, ledger.ResultPayload{
		TaskID:   task.ID,
		WorkerID: "worker-ccc",
		TaskType: "analyze",
		Status:   "completed",
		Output:   "too late",
	})
	if err != nil {
		t.Fatalf("写入迟到结果失败: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if status, ok := b.Status(task.ID); ok && status != string(StatusExpired) {
			t.Fatalf("迟到结果改写了终态: %s", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 超时后 worker 预约应已释放，可再次被指派。
	task2, err := b.Submit(context.Background(), SubmitRequest{
		Type:       "analyze",
		Payload:    "again",
		BudgetHBAR: 2,
	})
	if xerrors.CodeOf(err) != xerrors.CodeAssignmentTimeout {
		t.Fatalf("第二次提交应再次超时而非匹配失败: %v", err)
	}
	if task2.WorkerID != "worker-ccc" {
		t.Fatalf("第二次提交应复用已释放的 worker，实际 %q", task2.WorkerID)
	}
}

func TestSubmitErrorMatchesTerminalState(t *testing.T) {
	// 结果与超时几乎同时到达：返回的错误必须与任务终态一致，不得出现
	// 任务已 completed 却报超时的组合。
	b, log, dir, ctx := newTestBroker(t, WithAssignTimeout(time.Millisecond))
	registerWorker(t, log, dir, "worker-eee", "summarize")
	respond(ctx, t, log, "completed", 0)

	for i := 0; i < 30; i++ {
		task, err := b.Submit(context.Background(), SubmitRequest{
			Type:       "summarize",
			Payload:    "text",
			BudgetHBAR: 1,
		})
		if task == nil {
			t.Fatalf("第 %d 次提交未返回任务: %v", i, err)
		}
		switch {
		case err == nil:
			if task.Status != StatusCompleted {
				t.Fatalf("第 %d 次提交无错误但任务状态为 %s", i, task.Status)
			}
		case xerrors.CodeOf(err) == xerrors.CodeAssignmentTimeout:
			if task.Status != StatusExpired {
				t.Fatalf("第 %d 次提交报超时但任务状态为 %s", i, task.Status)
			}
		default:
			t.Fatalf("第 %d 次提交返回意外错误: %v", i, err)
		}
	}
}

func TestConcurrentSubmitsAssignEachWorkerOnce(t *testing.T) {
	b, log, dir, _ := newTestBroker(t, WithAssignTimeout(80*time.Millisecond))
	registerWorker(t, log, dir, "worker-1", "summarize")
	registerWorker(t, log, dir, "worker-2", "summarize")

	const submits = 5
	var wg sync.WaitGroup
	errs := make([]error, submits)
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Submit(context.Background(), SubmitRequest{
				Type:       "summarize",
				Payload:    "text",
				BudgetHBAR: 1,
			})
		}(i)
	}
	wg.Wait()

	timeouts, noWorker := 0, 0
	for _, err := range errs {
		switch xerrors.CodeOf(err) {
		case xerrors.CodeAssignmentTimeout:
			timeouts++
		case xerrors.CodeNoCapableWorker:
			noWorker++
		default:
			t.Fatalf("意外的提交结果: %v", err)
		}
	}
	if timeouts != 2 || noWorker != 3 {
		t.Fatalf("期望 2 个超时与 3 个匹配失败，实际 %d/%d", timeouts, noWorker)
	}

	// 每个任务至多一条 ASSIGN，且两个 worker 各被指派一次。
	msgs, err := log.Read(context.Background(), ledger.TopicTasks, 0)
	if err != nil {
		t.Fatalf("读取任务主题失败: %v", err)
	}
	perTask := make(map[string]int)
	workers := make(map[string]int)
	for _, msg := range msgs {
		if msg.Type != ledger.TypeAssign {
			continue
		}
		var assign ledger.AssignPayload
		if err := msg.DecodePayload(&assign); err != nil {
			t.Fatalf("解析 ASSIGN 失败: %v", err)
		}
		perTask[assign.TaskID]++
		workers[assign.WorkerID]++
	}
	for id, n := range perTask {
		if n != 1 {
			t.Fatalf("任务 %s 有 %d 条 ASSIGN", id, n)
		}
	}
	if len(workers) != 2 || workers["worker-1"] != 1 || workers["worker-2"] != 1 {
		t.Fatalf("worker 指派分布不符: %v", workers)
	}
}

func TestHeartbeatAdvancesToExecuting(t *testing.T) {
	b, log, dir, _ := newTestBroker(t, WithAssignTimeout(200*time.Millisecond))
	registerWorker(t, log, dir, "worker-ddd", "stats")

	done := make(chan *Task, 1)
	go func() {
		task, _ := b.Submit(context.Background(), SubmitRequest{
			Type:       "stats",
			Payload:    "numbers",
			BudgetHBAR: 1,
		})
		done <- task
	}()

	// 等待指派出现后发布忙碌心跳。
	var taskID string
	deadline := time.Now().Add(time.Second)
	for taskID == "" && time.Now().Before(deadline) {
		msgs, err := log.Read(context.Background(), ledger.TopicTasks, 0)
		if err != nil {
			t.Fatalf("读取任务主题失败: %v", err)
		}
		for _, msg := range msgs {
			if msg.Type == ledger.TypeAssign {
				var assign ledger.AssignPayload
				_ = msg.DecodePayload(&assign)
				taskID = assign.TaskID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if taskID == "" {
		t.Fatal("未观察到 ASSIGN 消息")
	}

	if _, err := log.Append(context.Background(), ledger.TopicRegistry, "worker-ddd", ledger.TypeHeartbeat, ledger.HeartbeatPayload{
		AgentID:     "worker-ddd",
		Status:      string(directory.StatusBusy),
		CurrentTask: taskID,
	}); err != nil {
		t.Fatalf("写入心跳失败: %v", err)
	}

	executing := false
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if status, ok := b.Status(taskID); ok && status == string(StatusExecuting) {
			executing = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !executing {
		t.Fatal("忙碌心跳未把任务推进到 executing")
	}
	<-done
}
