package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// 经济体默认使用的三个主题。
const (
	TopicRegistry = "registry"
	TopicTasks    = "tasks"
	TopicPayments = "payments"
)

// DefaultTopics 返回经济体启动时需要确保存在的主题集合。
func DefaultTopics() []string {
	return []string{TopicRegistry, TopicTasks, TopicPayments}
}

// MessageType 表示消息的封闭类型集合。
type MessageType string

const (
	TypeRegister    MessageType = "REGISTER"
	TypeTaskRequest MessageType = "TASK_REQUEST"
	TypeAssign      MessageType = "ASSIGN"
	TypeResult      MessageType = "RESULT"
	TypePayment     MessageType = "PAYMENT"
	TypeHeartbeat   MessageType = "HEARTBEAT"
)

// IsValidType 检查消息类型是否属于封闭集合。
func IsValidType(typ MessageType) bool {
	switch typ {
	case TypeRegister, TypeTaskRequest, TypeAssign, TypeResult, TypePayment, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// Message 是主题日志中的一条不可变记录。Sequence 从 1 开始，
// 在单个主题内严格递增且无空洞。
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Sender      string          `json:"sender"`
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    uint64          `json:"sequence"`
	PublishedAt int64           `json:"published_at"`
}

// DecodePayload 将消息负载解析到指定的结构体。
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("消息 %s 没有负载", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("解析消息 %s 负载失败: %w", m.ID, err)
	}
	return nil
}

// Log 抽象了按主题排序的追加日志。Append 在单个主题内串行执行并分配
// 下一个序号；Read 返回所有序号不小于 fromSeq 的已落账消息；Subscribe
// 先回放历史再持续推送新消息，取消函数用于释放订阅。
type Log interface {
	Append(ctx context.Context, topic, sender string, typ MessageType, payload any) (*Message, error)
	Read(ctx context.Context, topic string, fromSeq uint64) ([]Message, error)
	Subscribe(ctx context.Context, topic string, fromSeq uint64) (<-chan Message, func(), error)
	Topics() []string
	Close() error
}

// RegisterPayload 是 REGISTER 消息的负载。
type RegisterPayload struct {
	AgentID string   `json:"agent_id"`
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Skills  []string `json:"skills,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// HeartbeatPayload 是 HEARTBEAT 消息的负载。CurrentTask 在 worker
// 处于 busy 状态时携带当前任务 ID，用于跨主题的因果关联。
type HeartbeatPayload struct {
	AgentID        string  `json:"agent_id"`
	Status         string  `json:"status"`
	CurrentTask    string  `json:"current_task,omitempty"`
	TasksCompleted int     `json:"tasks_completed"`
	EarningsHBAR   float64 `json:"earnings_hbar"`
}

// TaskRequestPayload 是 TASK_REQUEST 消息的负载。
type TaskRequestPayload struct {
	TaskID         string  `json:"task_id"`
	TaskType       string  `json:"task_type"`
	PayloadPreview string  `json:"payload_preview,omitempty"`
	BudgetHBAR     float64 `json:"budget_hbar"`
	Requester      string  `json:"requester"`
}

// AssignPayload 是 ASSIGN 消息的负载。每个任务 ID 至多出现一次。
type AssignPayload struct {
	TaskID     string  `json:"task_id"`
	WorkerID   string  `json:"worker_id"`
	TaskType   string  `json:"task_type"`
	Payload    string  `json:"payload"`
	BudgetHBAR float64 `json:"budget_hbar"`
}

// ResultPayload 是 RESULT 消息的负载。Status 只能是 completed 或 failed。
type ResultPayload struct {
	TaskID     string  `json:"task_id"`
	WorkerID   string  `json:"worker_id"`
	TaskType   string  `json:"task_type"`
	Status     string  `json:"status"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	CostHBAR   float64 `json:"cost_hbar"`
	DurationMS int64   `json:"duration_ms"`
}

// PaymentPayload 是 PAYMENT 消息的负载。Status 为 failed 时表示转账
// 未成功，结算引擎不会自动重试。
type PaymentPayload struct {
	TaskID     string  `json:"task_id"`
	WorkerID   string  `json:"worker_id"`
	AmountHBAR float64 `json:"amount_hbar"`
	TxID       string  `json:"tx_id,omitempty"`
	Status     string  `json:"status"`
	Simulated  bool    `json:"simulated"`
}
