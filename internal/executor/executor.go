package executor

import (
	"context"
	"math"
)

// Request 描述一次交给执行器的任务。
type Request struct {
	TaskID     string
	TaskType   string
	Payload    string
	BudgetHBAR float64
}

// Result 是执行器产出的结果。Cost 是 worker 实际报告的费用，
// 结算引擎仍会按预算与计价策略封顶。
type Result struct {
	Output     string
	CostHBAR   float64
	DurationMS int64
}

// Executor 是不透明的任务执行协作方。实现方必须在出错时返回 error，
// 由 worker 将其转换为 failed RESULT，绝不静默丢弃。
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// WorkerCost 按 80/20 分成计算 worker 报告的费用：worker 得八成，
// 余下部分留给经纪方。
func WorkerCost(budgetHBAR float64) float64 {
	return math.Round(budgetHBAR*0.8*10000) / 10000
}
