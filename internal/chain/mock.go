package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "Agent-Economy/internal/errors"
)

const (
	defaultOperator    = "0.0.5483526"
	defaultMockBalance = 10.0
)

// MockClient 在没有真实链路时提供确定性的模拟结算。交易 ID 的形态
// 与真实网络一致（操作员账户 + 时间戳），便于前端与日志展示。
type MockClient struct {
	operator string
	clock    func() time.Time

	mu       sync.Mutex
	balances map[string]float64
	closed   bool
}

// MockOption 定义可选配置。
type MockOption func(*MockClient)

// WithOperator 覆盖模拟操作员账户。
func WithOperator(operator string) MockOption {
	return func(c *MockClient) {
		if operator != "" {
			c.operator = operator
		}
	}
}

// WithMockClock 注入时钟。
func WithMockClock(clock func() time.Time) MockOption {
	return func(c *MockClient) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewMockClient 创建模拟结算客户端。
func NewMockClient(opts ...MockOption) *MockClient {
	c := &MockClient{
		operator: defaultOperator,
		clock:    time.Now,
		balances: make(map[string]float64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Transfer 调整内存余额并返回合成交易 ID。
func (c *MockClient) Transfer(ctx context.Context, from, to string, amountHBAR float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amountHBAR <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidRequest, "转账金额必须大于 0")
	}
	if from == "" || to == "" {
		return "", xerrors.New(xerrors.CodeInvalidRequest, "转账双方账户不能为空")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", xerrors.New(xerrors.CodeSettlementFailure, "模拟结算客户端已关闭")
	}
	c.ensureAccount(from)
	c.ensureAccount(to)
	if c.balances[from] < amountHBAR {
		return "", xerrors.New(xerrors.CodeSettlementFailure, "余额不足",
			xerrors.WithMetadata("account", from))
	}
	c.balances[from] -= amountHBAR
	c.balances[to] += amountHBAR

	now := c.clock()
	return fmt.Sprintf("%s@%d.%09d", c.operator, now.Unix(), now.Nanosecond()), nil
}

// Balance 返回账户余额，未知账户按初始额度呈现。
func (c *MockClient) Balance(ctx context.Context, account string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureAccount(account)
	return c.balances[account], nil
}

// Simulated 恒为 true。
func (c *MockClient) Simulated() bool { return true }

// Close 关闭客户端。
func (c *MockClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *MockClient) ensureAccount(account string) {
	if _, ok := c.balances[account]; !ok {
		c.balances[account] = defaultMockBalance
	}
}

var _ Client = (*MockClient)(nil)
