package worker

import (
	"context"
	"log/slog"

	"Agent-Economy/internal/directory"
	xerrors "Agent-Economy/internal/errors"
	"Agent-Economy/internal/executor"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/internal/registry"
	"Agent-Economy/pkg/logger"
)

// Worker 消费任务主题上点名自己的 ASSIGN 消息，串行执行并回报 RESULT。
// 无论执行成败都必须写出一条结果消息，失败会被转换为 failed RESULT
// 而不是被吞掉。
type Worker struct {
	log  ledger.Log
	pub  *registry.Publisher
	exec executor.Executor
}

// New 创建 worker。
func New(log ledger.Log, pub *registry.Publisher, exec executor.Executor) *Worker {
	return &Worker{log: log, pub: pub, exec: exec}
}

// ID 返回 worker 的智能体 ID。
func (w *Worker) ID() string {
	return w.pub.Identity().ID
}

// Run 从当前日志末尾开始跟踪任务主题，逐条处理指派，直到上下文取消。
// 从末尾而非序号 1 开始订阅，避免重启后重放历史指派；订阅建立后才对外
// 注册，注册可见后立刻发出的指派不会落在订阅空窗里。
func (w *Worker) Run(ctx context.Context) error {
	fromSeq, err := w.tail(ctx)
	if err != nil {
		return err
	}
	msgs, cancel, err := w.log.Subscribe(ctx, ledger.TopicTasks, fromSeq)
	if err != nil {
		return err
	}
	defer cancel()

	pubErr := make(chan error, 1)
	go func() { pubErr <- w.pub.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pubErr:
			return err
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.Type != ledger.TypeAssign {
				continue
			}
			var assign ledger.AssignPayload
			if err := msg.DecodePayload(&assign); err != nil {
				logger.L().Warn("指派消息负载无法解析",
					slog.String("worker_id", w.ID()),
					slog.Any("error", err),
				)
				continue
			}
			if assign.WorkerID != w.ID() {
				continue
			}
			w.handle(ctx, assign)
		}
	}
}

func (w *Worker) tail(ctx context.Context) (uint64, error) {
	history, err := w.log.Read(ctx, ledger.TopicTasks, 0)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "读取任务主题末尾失败")
	}
	if len(history) == 0 {
		return 1, nil
	}
	return history[len(history)-1].Sequence + 1, nil
}

// handle 执行一条指派并写回结果。执行期间状态为 busy，心跳携带任务 ID。
func (w *Worker) handle(ctx context.Context, assign ledger.AssignPayload) {
	if err := w.pub.SetStatus(ctx, directory.StatusBusy, assign.TaskID); err != nil {
		logger.L().Warn("发布 busy 状态失败",
			slog.String("worker_id", w.ID()),
			slog.Any("error", err),
		)
	}

	result := ledger.ResultPayload{
		TaskID:   assign.TaskID,
		WorkerID: w.ID(),
		TaskType: assign.TaskType,
	}
	out, err := w.exec.Execute(ctx, executor.Request{
		TaskID:     assign.TaskID,
		TaskType:   assign.TaskType,
		Payload:    assign.Payload,
		BudgetHBAR: assign.BudgetHBAR,
	})
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		logger.L().Warn("任务执行失败",
			slog.String("worker_id", w.ID()),
			slog.String("task_id", assign.TaskID),
			slog.Any("error", err),
		)
	} else {
		result.Status = "completed"
		result.Output = out.Output
		result.CostHBAR = out.CostHBAR
		result.DurationMS = out.DurationMS
	}

	if _, err := w.log.Append(ctx, ledger.TopicTasks, w.ID(), ledger.TypeResult, result); err != nil {
		logger.L().Error("写入任务结果失败",
			slog.String("worker_id", w.ID()),
			slog.String("task_id", assign.TaskID),
			slog.Any("error", err),
		)
	}

	if result.Status == "completed" {
		if err := w.pub.RecordCompletion(ctx, result.CostHBAR); err != nil {
			logger.L().Warn("发布完成计数失败",
				slog.String("worker_id", w.ID()),
				slog.Any("error", err),
			)
		}
	}
	if err := w.pub.SetStatus(ctx, directory.StatusIdle, ""); err != nil {
		logger.L().Warn("发布 idle 状态失败",
			slog.String("worker_id", w.ID()),
			slog.Any("error", err),
		)
	}
}
