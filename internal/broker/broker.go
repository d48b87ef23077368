package broker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Agent-Economy/internal/directory"
	xerrors "Agent-Economy/internal/errors"
	"Agent-Economy/internal/executor"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/pkg/logger"
)

// defaultAssignTimeout 是等待 worker 回报结果的硬性边界。
const defaultAssignTimeout = 30 * time.Second

// TaskStatus 表示任务生命周期中的状态，只允许向前迁移。
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusExpired   TaskStatus = "expired"
)

// IsTerminal 判断状态是否为终态。
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Task 描述一个被经纪方接受的任务。终态后不再变更。
type Task struct {
	ID          string     `json:"task_id"`
	Type        string     `json:"task_type"`
	Payload     string     `json:"payload"`
	BudgetHBAR  float64    `json:"budget_hbar"`
	Requester   string     `json:"requester"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CostHBAR    float64    `json:"cost_hbar,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
}

// SubmitRequest 是 submit 的入参。
type SubmitRequest struct {
	Type       string  `json:"task_type"`
	Payload    string  `json:"payload"`
	BudgetHBAR float64 `json:"budget_hbar"`
	Requester  string  `json:"requester,omitempty"`
}

// Broker 将任务请求匹配到空闲的具备技能的 worker，并驱动指派握手。
// 任务 ID 由 Broker 生成且每个任务至多写出一条 ASSIGN，指派一旦发出
// 便不再重试，从而保证至多一次指派。
type Broker struct {
	log      ledger.Log
	dir      *directory.Directory
	profiles executor.Profiles
	timeout  time.Duration
	clock    func() time.Time
	id       string

	mu       sync.Mutex
	tasks    map[string]*Task
	pending  map[string]chan Task
	reserved map[string]string // worker id -> task id
}

// Option 定义可选配置。
type Option func(*Broker)

// WithAssignTimeout 覆盖等待结果的超时时间。
func WithAssignTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithClock 注入时钟。
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithID 指定经纪方写入日志时使用的发送者 ID。
func WithID(id string) Option {
	return func(b *Broker) {
		if id != "" {
			b.id = id
		}
	}
}

// New 创建经纪方。
func New(log ledger.Log, dir *directory.Directory, profiles executor.Profiles, opts ...Option) *Broker {
	b := &Broker{
		log:      log,
		dir:      dir,
		profiles: profiles,
		timeout:  defaultAssignTimeout,
		clock:    time.Now,
		id:       "broker",
		tasks:    make(map[string]*Task),
		pending:  make(map[string]chan Task),
		reserved: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Run 启动派发循环：跟踪任务主题上的 RESULT 与注册主题上的忙碌心跳，
// 推进任务状态并唤醒等待中的提交方。
func (b *Broker) Run(ctx context.Context) error {
	results, cancelResults, err := b.log.Subscribe(ctx, ledger.TopicTasks, 1)
	if err != nil {
		return err
	}
	defer cancelResults()
	beats, cancelBeats, err := b.log.Subscribe(ctx, ledger.TopicRegistry, 1)
	if err != nil {
		return err
	}
	defer cancelBeats()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-results:
			if !ok {
				return nil
			}
			if msg.Type == ledger.TypeResult {
				b.handleResult(&msg)
			}
		case msg, ok := <-beats:
			if !ok {
				return nil
			}
			if msg.Type == ledger.TypeHeartbeat {
				b.handleHeartbeat(&msg)
			}
		}
	}
}

// Submit 接受一个任务请求并阻塞至终态或超时。匹配与指派错误同步返回；
// 执行失败只体现在任务状态里。
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	req.Type = strings.TrimSpace(req.Type)
	if req.BudgetHBAR <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "任务预算必须大于 0")
	}
	if req.Type == "" || !b.profiles.Known(req.Type) {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "未知的任务类型: "+req.Type)
	}
	if req.Requester == "" {
		req.Requester = "user"
	}

	task := &Task{
		ID:         uuid.NewString()[:13],
		Type:       req.Type,
		Payload:    req.Payload,
		BudgetHBAR: req.BudgetHBAR,
		Requester:  req.Requester,
		Status:     StatusPending,
		CreatedAt:  b.clock().UnixMilli(),
	}

	preview := req.Payload
	if len([]rune(preview)) > 100 {
		preview = string([]rune(preview)[:100])
	}
	if _, err := b.log.Append(ctx, ledger.TopicTasks, b.id, ledger.TypeTaskRequest, ledger.TaskRequestPayload{
		TaskID:         task.ID,
		TaskType:       task.Type,
		PayloadPreview: preview,
		BudgetHBAR:     task.BudgetHBAR,
		Requester:      task.Requester,
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "写入任务请求失败")
	}

	resultCh, workerID, err := b.match(task)
	if err != nil {
		return b.snapshot(task.ID), err
	}

	if _, err := b.log.Append(ctx, ledger.TopicTasks, b.id, ledger.TypeAssign, ledger.AssignPayload{
		TaskID:     task.ID,
		WorkerID:   workerID,
		TaskType:   task.Type,
		Payload:    task.Payload,
		BudgetHBAR: task.BudgetHBAR,
	}); err != nil {
		b.expire(task.ID)
		return b.snapshot(task.ID), xerrors.Wrap(xerrors.CodeLedgerFailure, err, "写入指派消息失败")
	}
	logger.Audit().Info("任务已指派",
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.String("worker_id", workerID),
		slog.Float64("budget_hbar", task.BudgetHBAR),
	)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case final := <-resultCh:
		return &final, nil
	case <-timer.C:
		if final, ok := b.expireOrAwait(task.ID, resultCh); ok {
			return &final, nil
		}
		return b.snapshot(task.ID), xerrors.New(xerrors.CodeAssignmentTimeout, "worker 未在时限内回报结果",
			xerrors.WithMetadata("task_id", task.ID))
	case <-ctx.Done():
		if final, ok := b.expireOrAwait(task.ID, resultCh); ok {
			return &final, nil
		}
		return b.snapshot(task.ID), xerrors.Wrap(xerrors.CodeAssignmentTimeout, ctx.Err(), "等待结果时上下文被取消")
	}
}

// expireOrAwait 在超时或取消路径上与结果处理串行化。expire 与
// handleResult 持同一把锁：若任务此刻已是结果写入的终态，说明
// handleResult 赢得竞争且必然向带缓冲的 resultCh 投递恰好一个值，
// 此时收下结果而不是误报超时；否则任务被标记过期。
func (b *Broker) expireOrAwait(taskID string, resultCh chan Task) (Task, bool) {
	b.expire(taskID)
	snap := b.snapshot(taskID)
	if snap != nil && snap.Status != StatusExpired {
		return <-resultCh, true
	}
	return Task{}, false
}

// match 在锁内完成候选查询、预约与任务登记，保证并发提交不会把
// 同一个 worker 指派给两个任务。
func (b *Broker) match(task *Task) (chan Task, string, error) {
	skill := b.profiles.Resolve(task.Type)
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.dir.Find(skill, true)
	workerID := ""
	for _, candidate := range candidates {
		if _, taken := b.reserved[candidate.ID]; !taken {
			workerID = candidate.ID
			break
		}
	}
	if workerID == "" {
		task.Status = StatusFailed
		task.Error = "没有可用的 worker 能处理任务类型: " + task.Type
		task.CompletedAt = b.clock().UnixMilli()
		b.tasks[task.ID] = task
		return nil, "", xerrors.New(xerrors.CodeNoCapableWorker, task.Error,
			xerrors.WithMetadata("task_type", task.Type))
	}

	task.WorkerID = workerID
	task.Status = StatusAssigned
	b.tasks[task.ID] = task
	b.reserved[workerID] = task.ID

	ch := make(chan Task, 1)
	b.pending[task.ID] = ch
	return ch, workerID, nil
}

func (b *Broker) handleResult(msg *ledger.Message) {
	var p ledger.ResultPayload
	if err := msg.DecodePayload(&p); err != nil {
		return
	}

	b.mu.Lock()
	task, ok := b.tasks[p.TaskID]
	if !ok || task.Status.IsTerminal() {
		b.mu.Unlock()
		// 迟到的结果：任务已进入终态，按过期丢弃。
		logger.L().Debug("忽略迟到的任务结果", slog.String("task_id", p.TaskID))
		return
	}
	if p.Status == "completed" {
		task.Status = StatusCompleted
		task.Result = p.Output
	} else {
		task.Status = StatusFailed
		task.Error = p.Error
	}
	task.CostHBAR = p.CostHBAR
	task.DurationMS = p.DurationMS
	task.CompletedAt = b.clock().UnixMilli()
	delete(b.reserved, task.WorkerID)

	ch := b.pending[task.ID]
	delete(b.pending, task.ID)
	final := *task
	b.mu.Unlock()

	if ch != nil {
		ch <- final
	}
}

// handleHeartbeat 通过心跳携带的任务 ID 把 assigned 推进到 executing。
func (b *Broker) handleHeartbeat(msg *ledger.Message) {
	var p ledger.HeartbeatPayload
	if err := msg.DecodePayload(&p); err != nil {
		return
	}
	if p.Status != string(directory.StatusBusy) || p.CurrentTask == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[p.CurrentTask]
	if ok && task.Status == StatusAssigned && task.WorkerID == p.AgentID {
		task.Status = StatusExecuting
	}
}

// expire 把未终结的任务标记为过期并释放其 worker 预约。
func (b *Broker) expire(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return
	}
	task.Status = StatusExpired
	task.CompletedAt = b.clock().UnixMilli()
	if task.WorkerID != "" {
		delete(b.reserved, task.WorkerID)
	}
	delete(b.pending, taskID)
}

func (b *Broker) snapshot(taskID string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[taskID]
	if !ok {
		return nil
	}
	clone := *task
	return &clone
}

// Get 返回任务副本。
func (b *Broker) Get(taskID string) (*Task, bool) {
	task := b.snapshot(taskID)
	if task == nil {
		return nil, false
	}
	return task, true
}

// Status 返回任务当前状态，供结算引擎识别迟到结果。
func (b *Broker) Status(taskID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[taskID]
	if !ok {
		return "", false
	}
	return string(task.Status), true
}

// List 返回最近创建的任务，按创建时间倒序。
func (b *Broker) List(limit int) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, 0, len(b.tasks))
	for _, task := range b.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
