package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Agent-Economy/internal/errors"
)

// MemoryLog 在进程内实现有序主题日志。互斥范围是单个主题：
// 不同主题的追加互不阻塞，读操作只在获取当前长度时短暂持锁。
type MemoryLog struct {
	mu     sync.RWMutex
	topics map[string]*topicStream
	clock  func() time.Time
	closed bool
}

type topicStream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	messages []Message
	closed   bool
}

// MemoryLogOption 定义可选配置。
type MemoryLogOption func(*MemoryLog)

// WithClock 注入时钟，便于测试时获得确定的时间戳。
func WithClock(clock func() time.Time) MemoryLogOption {
	return func(l *MemoryLog) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewMemoryLog 创建内存日志并预建默认主题。
func NewMemoryLog(opts ...MemoryLogOption) *MemoryLog {
	l := &MemoryLog{
		topics: make(map[string]*topicStream),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	for _, topic := range DefaultTopics() {
		l.stream(topic)
	}
	return l
}

func (l *MemoryLog) stream(topic string) *topicStream {
	l.mu.RLock()
	ts, ok := l.topics[topic]
	l.mu.RUnlock()
	if ok {
		return ts
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts, ok = l.topics[topic]; ok {
		return ts
	}
	ts = &topicStream{}
	ts.cond = sync.NewCond(&ts.mu)
	l.topics[topic] = ts
	return ts
}

// Append 为主题追加一条消息并分配下一个序号。
func (l *MemoryLog) Append(_ context.Context, topic, sender string, typ MessageType, payload any) (*Message, error) {
	if topic == "" {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "主题不能为空")
	}
	if !IsValidType(typ) {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "不支持的消息类型: "+string(typ))
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "序列化消息负载失败")
		}
		raw = encoded
	}

	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "日志已关闭")
	}

	ts := l.stream(topic)
	ts.mu.Lock()
	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Sender:      sender,
		Type:        typ,
		Payload:     raw,
		Sequence:    uint64(len(ts.messages)) + 1,
		PublishedAt: l.clock().UnixMilli(),
	}
	ts.messages = append(ts.messages, msg)
	ts.cond.Broadcast()
	ts.mu.Unlock()
	return &msg, nil
}

// Read 返回序号不小于 fromSeq 的消息副本。fromSeq 为 0 时等价于 1。
func (l *MemoryLog) Read(_ context.Context, topic string, fromSeq uint64) ([]Message, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	ts := l.stream(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if fromSeq > uint64(len(ts.messages)) {
		return nil, nil
	}
	out := make([]Message, len(ts.messages[fromSeq-1:]))
	copy(out, ts.messages[fromSeq-1:])
	return out, nil
}

// Subscribe 返回一个先回放历史、再持续推送新消息的通道。
// 取消函数（或上下文取消）会关闭通道并释放资源。
func (l *MemoryLog) Subscribe(ctx context.Context, topic string, fromSeq uint64) (<-chan Message, func(), error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	ts := l.stream(topic)
	ch := make(chan Message, 16)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			ts.mu.Lock()
			ts.cond.Broadcast()
			ts.mu.Unlock()
		})
	}

	// 上下文取消时唤醒等待中的消费协程。
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()

	go func() {
		defer close(ch)
		cursor := fromSeq
		for {
			ts.mu.Lock()
			for uint64(len(ts.messages)) < cursor && !ts.closed && !stopped(stop) {
				ts.cond.Wait()
			}
			if ts.closed || stopped(stop) {
				ts.mu.Unlock()
				return
			}
			batch := make([]Message, len(ts.messages[cursor-1:]))
			copy(batch, ts.messages[cursor-1:])
			cursor += uint64(len(batch))
			ts.mu.Unlock()

			for _, msg := range batch {
				select {
				case ch <- msg:
				case <-stop:
					return
				}
			}
		}
	}()
	return ch, cancel, nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Topics 返回当前已知的主题名，按字典序排列。
func (l *MemoryLog) Topics() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.topics))
	for name := range l.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 关闭日志并唤醒所有订阅者。
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	streams := make([]*topicStream, 0, len(l.topics))
	for _, ts := range l.topics {
		streams = append(streams, ts)
	}
	l.mu.Unlock()

	for _, ts := range streams {
		ts.mu.Lock()
		ts.closed = true
		ts.cond.Broadcast()
		ts.mu.Unlock()
	}
	return nil
}

// ensure interface compliance at compile time
var _ Log = (*MemoryLog)(nil)
