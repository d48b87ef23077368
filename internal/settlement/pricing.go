package settlement

import "math"

// Policy 决定一次成功执行应支付给 worker 的金额。结算引擎始终用任务
// 预算对结果封顶，策略只需给出理论价格。
type Policy interface {
	Price(taskType string, durationMS int64, budgetHBAR float64) float64
}

// FixedPolicy 按任务类型查固定费率，未配置的类型退回预算的八成。
type FixedPolicy struct {
	Fees map[string]float64
}

// DefaultPolicy 返回内置费率表。
func DefaultPolicy() FixedPolicy {
	return FixedPolicy{
		Fees: map[string]float64{
			"summarize":     0.4,
			"tldr":          0.2,
			"abstract":      0.5,
			"review":        0.8,
			"lint":          0.3,
			"security-scan": 1.0,
			"analyze":       0.6,
			"stats":         0.4,
			"chart":         0.5,
		},
	}
}

// Price 实现 Policy。
func (p FixedPolicy) Price(taskType string, durationMS int64, budgetHBAR float64) float64 {
	if fee, ok := p.Fees[taskType]; ok && fee > 0 {
		return fee
	}
	return round4(budgetHBAR * 0.8)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
