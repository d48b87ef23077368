package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"Agent-Economy/internal/directory"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/pkg/logger"
)

// defaultHeartbeatInterval 与目录侧 90 秒过期窗口对应：三个周期。
const defaultHeartbeatInterval = 30 * time.Second

// Identity 描述一个智能体广播给目录的固定身份。
type Identity struct {
	ID     string
	Kind   directory.Kind
	Name   string
	Skills []string
}

// NewAgentID 生成带角色前缀的智能体 ID。
func NewAgentID(kind directory.Kind) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString()[:6])
}

// Publisher 周期性地把智能体的能力与状态写入注册主题。
// 每个智能体持有一个 Publisher，目录由这些消息折叠而成。
type Publisher struct {
	log      ledger.Log
	identity Identity
	interval time.Duration

	mu             sync.Mutex
	status         directory.Status
	currentTask    string
	tasksCompleted int
	earningsHBAR   float64
}

// Option 定义可选配置。
type Option func(*Publisher)

// WithInterval 覆盖心跳周期。
func WithInterval(interval time.Duration) Option {
	return func(p *Publisher) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// NewPublisher 创建注册发布器。
func NewPublisher(log ledger.Log, identity Identity, opts ...Option) *Publisher {
	p := &Publisher{
		log:      log,
		identity: identity,
		interval: defaultHeartbeatInterval,
		status:   directory.StatusIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Identity 返回发布器绑定的身份。
func (p *Publisher) Identity() Identity {
	return p.identity
}

// Announce 发布 REGISTER 消息。
func (p *Publisher) Announce(ctx context.Context) error {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	_, err := p.log.Append(ctx, ledger.TopicRegistry, p.identity.ID, ledger.TypeRegister, ledger.RegisterPayload{
		AgentID: p.identity.ID,
		Kind:    string(p.identity.Kind),
		Name:    p.identity.Name,
		Skills:  p.identity.Skills,
		Status:  string(status),
	})
	return err
}

// Heartbeat 发布一次当前状态。
func (p *Publisher) Heartbeat(ctx context.Context) error {
	p.mu.Lock()
	payload := ledger.HeartbeatPayload{
		AgentID:        p.identity.ID,
		Status:         string(p.status),
		CurrentTask:    p.currentTask,
		TasksCompleted: p.tasksCompleted,
		EarningsHBAR:   p.earningsHBAR,
	}
	p.mu.Unlock()
	_, err := p.log.Append(ctx, ledger.TopicRegistry, p.identity.ID, ledger.TypeHeartbeat, payload)
	return err
}

// SetStatus 更新状态并立即发布心跳，使目录的 busy 标志可信。
func (p *Publisher) SetStatus(ctx context.Context, status directory.Status, currentTask string) error {
	p.mu.Lock()
	p.status = status
	p.currentTask = currentTask
	p.mu.Unlock()
	return p.Heartbeat(ctx)
}

// RecordCompletion 累加完成计数与收入并发布心跳。
func (p *Publisher) RecordCompletion(ctx context.Context, earnedHBAR float64) error {
	p.mu.Lock()
	p.tasksCompleted++
	p.earningsHBAR += earnedHBAR
	p.mu.Unlock()
	return p.Heartbeat(ctx)
}

// Run 先 Announce，然后按周期发布心跳，直到上下文取消。
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.Announce(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Heartbeat(ctx); err != nil {
				logger.L().Warn("心跳发布失败",
					slog.String("agent_id", p.identity.ID),
					slog.Any("error", err),
				)
			}
		}
	}
}
