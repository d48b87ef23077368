package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"Agent-Economy/internal/ledger"
)

// Status 表示智能体的运行状态。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Kind 表示智能体的固定角色。
type Kind string

const (
	KindRegistry   Kind = "registry"
	KindBroker     Kind = "broker"
	KindWorker     Kind = "worker"
	KindSettlement Kind = "settlement"
)

// defaultBalanceHBAR 是新注册智能体的初始余额。
const defaultBalanceHBAR = 10.0

// defaultStaleness 是心跳过期窗口：三个 30 秒心跳周期。
const defaultStaleness = 90 * time.Second

// Agent 是从 REGISTER/HEARTBEAT 记录折叠出的智能体视图。
// 智能体永不删除，心跳超时后在读取时按 offline 呈现。
type Agent struct {
	ID              string   `json:"agent_id"`
	Kind            Kind     `json:"kind"`
	Name            string   `json:"name"`
	Skills          []string `json:"skills"`
	BalanceHBAR     float64  `json:"hbar_balance"`
	TasksCompleted  int      `json:"tasks_completed"`
	EarningsHBAR    float64  `json:"earnings_hbar"`
	Status          Status   `json:"status"`
	CurrentTask     string   `json:"current_task,omitempty"`
	RegisteredAt    int64    `json:"registered_at"`
	LastHeartbeatAt int64    `json:"last_heartbeat_at"`
}

// HasSkill 判断智能体是否具备指定技能。
func (a *Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

// Directory 是注册主题的派生只读视图。写入只来自消息折叠，
// 过期判定在读取时惰性计算，不依赖后台定时器。
type Directory struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	clock     func() time.Time
	staleness time.Duration
}

// Option 定义可选配置。
type Option func(*Directory)

// WithClock 注入时钟，便于测试过期判定。
func WithClock(clock func() time.Time) Option {
	return func(d *Directory) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithStaleness 覆盖心跳过期窗口。
func WithStaleness(window time.Duration) Option {
	return func(d *Directory) {
		if window > 0 {
			d.staleness = window
		}
	}
}

// New 创建空目录。
func New(opts ...Option) *Directory {
	d := &Directory{
		agents:    make(map[string]*Agent),
		clock:     time.Now,
		staleness: defaultStaleness,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Apply 将一条注册主题消息折叠进目录。非 REGISTER/HEARTBEAT 消息被忽略。
func (d *Directory) Apply(msg *ledger.Message) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case ledger.TypeRegister:
		var p ledger.RegisterPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		d.applyRegister(p, msg.PublishedAt)
	case ledger.TypeHeartbeat:
		var p ledger.HeartbeatPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		d.applyHeartbeat(p, msg.PublishedAt)
	}
}

func (d *Directory) applyRegister(p ledger.RegisterPayload, at int64) {
	if p.AgentID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[p.AgentID]
	if !ok {
		agent = &Agent{
			ID:           p.AgentID,
			BalanceHBAR:  defaultBalanceHBAR,
			Status:       StatusIdle,
			RegisteredAt: at,
		}
		d.agents[p.AgentID] = agent
	}
	agent.Kind = Kind(p.Kind)
	agent.Name = p.Name
	agent.Skills = append([]string(nil), p.Skills...)
	if p.Status != "" {
		agent.Status = Status(p.Status)
	}
	agent.LastHeartbeatAt = at
}

func (d *Directory) applyHeartbeat(p ledger.HeartbeatPayload, at int64) {
	if p.AgentID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[p.AgentID]
	if !ok {
		// 心跳早于注册到达时先建立占位条目。
		agent = &Agent{
			ID:           p.AgentID,
			BalanceHBAR:  defaultBalanceHBAR,
			Status:       StatusIdle,
			RegisteredAt: at,
		}
		d.agents[p.AgentID] = agent
	}
	if p.Status != "" {
		agent.Status = Status(p.Status)
	}
	agent.CurrentTask = p.CurrentTask
	if p.TasksCompleted > agent.TasksCompleted {
		agent.TasksCompleted = p.TasksCompleted
	}
	if p.EarningsHBAR > agent.EarningsHBAR {
		agent.EarningsHBAR = p.EarningsHBAR
	}
	agent.LastHeartbeatAt = at
}

// Follow 订阅注册主题并持续折叠，直到上下文取消。
func (d *Directory) Follow(ctx context.Context, log ledger.Log) error {
	ch, cancel, err := log.Subscribe(ctx, ledger.TopicRegistry, 1)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			d.Apply(&msg)
		}
	}
}

// effectiveStatus 在读取时惰性判定过期：超过窗口未心跳的智能体
// 按 offline 呈现，但存储状态不被改写。
func (d *Directory) effectiveStatus(agent *Agent) Status {
	if agent.Status == StatusOffline {
		return StatusOffline
	}
	if d.staleness > 0 && agent.LastHeartbeatAt > 0 {
		if d.clock().UnixMilli()-agent.LastHeartbeatAt > d.staleness.Milliseconds() {
			return StatusOffline
		}
	}
	return agent.Status
}

func (d *Directory) snapshotAgent(agent *Agent) Agent {
	clone := *agent
	clone.Skills = append([]string(nil), agent.Skills...)
	clone.Status = d.effectiveStatus(agent)
	return clone
}

// Find 返回具备指定技能的 worker，按已完成任务数升序、注册时间升序、
// ID 升序排列，保证匹配结果确定。excludeBusy 为 true 时仅返回 idle。
func (d *Directory) Find(skill string, excludeBusy bool) []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Agent
	for _, agent := range d.agents {
		if agent.Kind != KindWorker {
			continue
		}
		status := d.effectiveStatus(agent)
		if status == StatusOffline {
			continue
		}
		if excludeBusy && status != StatusIdle {
			continue
		}
		if skill != "" && !agent.HasSkill(skill) {
			continue
		}
		out = append(out, d.snapshotAgent(agent))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TasksCompleted != out[j].TasksCompleted {
			return out[i].TasksCompleted < out[j].TasksCompleted
		}
		if out[i].RegisteredAt != out[j].RegisteredAt {
			return out[i].RegisteredAt < out[j].RegisteredAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get 返回指定智能体的只读副本。
func (d *Directory) Get(id string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[id]
	if !ok {
		return Agent{}, false
	}
	return d.snapshotAgent(agent), true
}

// List 返回所有智能体，按注册时间排序。
func (d *Directory) List() []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		out = append(out, d.snapshotAgent(agent))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt != out[j].RegisteredAt {
			return out[i].RegisteredAt < out[j].RegisteredAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCount 返回未过期的智能体数量。
func (d *Directory) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, agent := range d.agents {
		if d.effectiveStatus(agent) != StatusOffline {
			count++
		}
	}
	return count
}

// Size 返回所有智能体数量，含离线。
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}
