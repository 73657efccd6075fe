package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// 领域事件类型，作为 RabbitMQ 路由键使用。
const (
	TaskCreated        = "task.created"
	TaskBidPlaced      = "task.bid_placed"
	TaskAssigned       = "task.assigned"
	TaskCompleted      = "task.completed"
	TaskVerified       = "task.verified"
	TaskCancelled      = "task.cancelled"
	AgentRegistered    = "agent.registered"
	AgentVerified      = "agent.verified"
	CommunityCreated   = "community.created"
	CommunityChanged   = "community.membership_changed"
	TreasuryDeposited  = "treasury.deposited"
	TreasuryTaskFunded = "treasury.task_funded"
	AnomalyRecorded    = "reconcile.anomaly_recorded"
	GateChanged        = "signal.gate_changed"
)

// Event 是投递给通知桥接等外部协作方的领域事件。
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Subject    string            `json:"subject"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New 构造事件并分配唯一 ID。
func New(eventType, subject string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		Attributes: attrs,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher 负责投递领域事件。投递失败不影响已经提交的状态。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 丢弃所有事件，用于未配置消息队列的部署。
type Nop struct{}

// Publish 实现 Publisher 接口。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (Nop) Close() error { return nil }
