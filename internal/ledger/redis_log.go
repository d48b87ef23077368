package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLogConfig 描述 Redis 日志后端的连接参数。
type RedisLogConfig struct {
	Address      string
	Password     string
	DB           int
	KeyPrefix    string
	PollInterval time.Duration
}

// RedisLog 将每个主题映射为一个 Redis list。消息在 list 中的位置即其
// 序号，RPUSH 的原子性保证了单主题内严格递增且无空洞；订阅端以轮询
// 方式跟进游标。
type RedisLog struct {
	client *redis.Client
	prefix string
	poll   time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRedisLog 创建 Redis 日志实例并验证连接。
func NewRedisLog(cfg RedisLogConfig) (*RedisLog, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "economy:ledger"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisLog{client: client, prefix: prefix, poll: poll}, nil
}

func (l *RedisLog) topicKey(topic string) string {
	return l.prefix + ":log:" + topic
}

func (l *RedisLog) topicsKey() string {
	return l.prefix + ":topics"
}

// Append 将消息推入主题 list，RPUSH 返回的新长度即为序号。
func (l *RedisLog) Append(ctx context.Context, topic, sender string, typ MessageType, payload any) (*Message, error) {
	if topic == "" {
		return nil, errors.New("主题不能为空")
	}
	if !IsValidType(typ) {
		return nil, fmt.Errorf("不支持的消息类型: %s", typ)
	}
	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Sender:      sender,
		Type:        typ,
		PublishedAt: time.Now().UnixMilli(),
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化消息负载失败: %w", err)
		}
		msg.Payload = encoded
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("序列化消息失败: %w", err)
	}
	seq, err := l.client.RPush(ctx, l.topicKey(topic), data).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 追加消息失败: %w", err)
	}
	if err := l.client.SAdd(ctx, l.topicsKey(), topic).Err(); err != nil {
		return nil, fmt.Errorf("Redis 登记主题失败: %w", err)
	}
	msg.Sequence = uint64(seq)
	return &msg, nil
}

// Read 返回序号不小于 fromSeq 的消息。序号由 list 下标推导。
func (l *RedisLog) Read(ctx context.Context, topic string, fromSeq uint64) ([]Message, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	values, err := l.client.LRange(ctx, l.topicKey(topic), int64(fromSeq-1), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取消息失败: %w", err)
	}
	out := make([]Message, 0, len(values))
	for i, value := range values {
		var msg Message
		if err := json.Unmarshal([]byte(value), &msg); err != nil {
			continue
		}
		msg.Sequence = fromSeq + uint64(i)
		out = append(out, msg)
	}
	return out, nil
}

// Subscribe 以轮询方式跟进主题游标。
func (l *RedisLog) Subscribe(ctx context.Context, topic string, fromSeq uint64) (<-chan Message, func(), error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	ch := make(chan Message, 16)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(l.poll)
		defer ticker.Stop()
		cursor := fromSeq
		for {
			batch, err := l.Read(ctx, topic, cursor)
			if err == nil {
				for _, msg := range batch {
					select {
					case ch <- msg:
						cursor = msg.Sequence + 1
					case <-stop:
						return
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, cancel, nil
}

// Topics 返回已登记的主题名。
func (l *RedisLog) Topics() []string {
	names, err := l.client.SMembers(context.Background(), l.topicsKey()).Result()
	if err != nil {
		return nil
	}
	sort.Strings(names)
	return names
}

// Close 关闭 Redis 连接。
func (l *RedisLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.client.Close()
}

var _ Log = (*RedisLog)(nil)
