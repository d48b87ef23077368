package chain

import "context"

// Client 是结算引擎依赖的转账协作方。实现方负责把 HBAR 计价的金额
// 落到具体的账本上；Transfer 返回可追溯的交易 ID。
type Client interface {
	// Transfer 从 from 向 to 转账指定金额，返回交易 ID。
	Transfer(ctx context.Context, from, to string, amountHBAR float64) (string, error)
	// Balance 查询账户余额。
	Balance(ctx context.Context, account string) (float64, error)
	// Simulated 表示交易是否为模拟交易，会透传到 PAYMENT 消息与结算记录。
	Simulated() bool
	// Close 释放底层连接。
	Close()
}
