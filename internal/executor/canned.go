package executor

import (
	"context"
	"fmt"
	"time"

	xerrors "Agent-Economy/internal/errors"
)

// CannedExecutor 在未配置推理后端时使用，产出确定性的占位结果。
// 也用于测试中模拟延迟与失败。
type CannedExecutor struct {
	profiles Profiles
	latency  time.Duration
	clock    func() time.Time
}

// CannedOption 定义可选配置。
type CannedOption func(*CannedExecutor)

// WithLatency 为每次执行注入固定延迟。
func WithLatency(latency time.Duration) CannedOption {
	return func(e *CannedExecutor) {
		e.latency = latency
	}
}

// WithCannedClock 注入时钟。
func WithCannedClock(clock func() time.Time) CannedOption {
	return func(e *CannedExecutor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewCannedExecutor 创建占位执行器。
func NewCannedExecutor(profiles Profiles, opts ...CannedOption) *CannedExecutor {
	e := &CannedExecutor{profiles: profiles, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 返回占位输出，费用按 80/20 分成。
func (e *CannedExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := e.clock()
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, ctx.Err(), "执行被取消")
		}
	}
	preview := req.Payload
	if len([]rune(preview)) > 60 {
		preview = string([]rune(preview)[:60]) + "..."
	}
	duration := e.clock().Sub(start).Milliseconds()
	if duration <= 0 {
		duration = 1
	}
	return &Result{
		Output:     fmt.Sprintf("[simulated:%s] %s", req.TaskType, preview),
		CostHBAR:   WorkerCost(req.BudgetHBAR),
		DurationMS: duration,
	}, nil
}

var _ Executor = (*CannedExecutor)(nil)
