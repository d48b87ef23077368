package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"Agent-Economy/internal/directory"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/internal/settlement"
)

const (
	recentMessageCap = 200
	snapshotMessages = 20
	snapshotPayments = 10
)

// Stats 汇总经济体的核心指标。TasksCompleted 由成功的 RESULT 消息
// 推导，TotalSettledHBAR 由结算引擎累计。
type Stats struct {
	TasksCompleted   int      `json:"tasks_completed"`
	TotalSettledHBAR float64  `json:"total_hbar_settled"`
	ActiveAgents     int      `json:"active_agents"`
	TotalAgents      int      `json:"total_agents"`
	Topics           []string `json:"topics"`
}

// EconomySnapshot 是经济体某一时刻的聚合视图：全部智能体、最近的
// 消息与结算记录，以及总体统计。
type EconomySnapshot struct {
	Agents      []directory.Agent   `json:"agents"`
	Messages    []ledger.Message    `json:"messages"`
	Settlements []settlement.Record `json:"settlements"`
	Stats       Stats               `json:"stats"`
	Timestamp   int64               `json:"timestamp"`
}

// Aggregator 跟踪全部主题，维护最近消息窗口，并在经济体发生值得
// 关注的事件（注册、指派、结果、支付）时向订阅者推送最新快照。
type Aggregator struct {
	log    ledger.Log
	dir    *directory.Directory
	engine *settlement.Engine
	clock  func() time.Time

	mu        sync.Mutex
	recent    []ledger.Message
	completed int
	subs      map[int]chan EconomySnapshot
	nextSub   int
}

// Option 定义可选配置。
type Option func(*Aggregator)

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// New 创建聚合器。
func New(log ledger.Log, dir *directory.Directory, engine *settlement.Engine, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:    log,
		dir:    dir,
		engine: engine,
		clock:  time.Now,
		subs:   make(map[int]chan EconomySnapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Run 订阅全部默认主题并持续聚合，直到上下文取消。
func (a *Aggregator) Run(ctx context.Context) error {
	merged := make(chan ledger.Message, 64)
	var wg sync.WaitGroup
	for _, topic := range ledger.DefaultTopics() {
		ch, cancel, err := a.log.Subscribe(ctx, topic, 1)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for msg := range ch {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-merged:
			if !ok {
				return nil
			}
			a.ingest(msg)
		}
	}
}

func (a *Aggregator) ingest(msg ledger.Message) {
	a.mu.Lock()
	a.recent = append(a.recent, msg)
	if len(a.recent) > recentMessageCap {
		a.recent = a.recent[len(a.recent)-recentMessageCap:]
	}
	if msg.Type == ledger.TypeResult {
		var result ledger.ResultPayload
		if err := msg.DecodePayload(&result); err == nil && result.Status == "completed" {
			a.completed++
		}
	}
	notify := false
	switch msg.Type {
	case ledger.TypeRegister, ledger.TypeAssign, ledger.TypeResult, ledger.TypePayment:
		notify = true
	}
	a.mu.Unlock()

	if notify {
		a.publish()
	}
}

func (a *Aggregator) publish() {
	snap := a.Snapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		// 慢订阅者只会丢中间帧，不会阻塞聚合循环。
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe 注册一个快照订阅，返回接收通道与取消函数。
func (a *Aggregator) Subscribe() (<-chan EconomySnapshot, func()) {
	ch := make(chan EconomySnapshot, 8)
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Snapshot 构建当前时刻的聚合视图。
func (a *Aggregator) Snapshot() EconomySnapshot {
	a.mu.Lock()
	recent := append([]ledger.Message(nil), a.recent...)
	completed := a.completed
	a.mu.Unlock()

	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].PublishedAt < recent[j].PublishedAt
	})
	if len(recent) > snapshotMessages {
		recent = recent[len(recent)-snapshotMessages:]
	}

	agents := a.dir.List()
	var settled float64
	var records []settlement.Record
	if a.engine != nil {
		settled = a.engine.TotalSettledHBAR()
		records = a.engine.Records(snapshotPayments)
	}

	return EconomySnapshot{
		Agents:      agents,
		Messages:    recent,
		Settlements: records,
		Stats: Stats{
			TasksCompleted:   completed,
			TotalSettledHBAR: settled,
			ActiveAgents:     a.dir.ActiveCount(),
			TotalAgents:      len(agents),
			Topics:           a.log.Topics(),
		},
		Timestamp: a.clock().UnixMilli(),
	}
}
