package market

import (
	"fmt"

	xerrors "BountyMesh/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusVerified   Status = "verified"
	StatusCancelled  Status = "cancelled"
)

// Action 是驱动任务状态迁移的操作。
type Action string

const (
	ActionAssign   Action = "assign"
	ActionComplete Action = "complete"
	ActionVerify   Action = "verify"
	ActionCancel   Action = "cancel"
)

// transitions 是完整的状态迁移表，未列出的组合一律拒绝。
var transitions = map[Status]map[Action]Status{
	StatusOpen: {
		ActionAssign: StatusInProgress,
		ActionCancel: StatusCancelled,
	},
	StatusInProgress: {
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
	StatusCompleted: {
		ActionVerify: StatusVerified,
		ActionCancel: StatusCancelled,
	},
}

// NextStatus 返回 action 作用于 from 之后的状态。
func NextStatus(from Status, action Action) (Status, bool) {
	next, ok := transitions[from][action]
	return next, ok
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusVerified, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusVerified || status == StatusCancelled
}

// FundingSource 标识悬赏资金的来源。
type FundingSource string

const (
	FundingPoster    FundingSource = "poster"
	FundingCommunity FundingSource = "community"
)

// Funding 描述任务资金来源，社区资助的任务取消时退回社区金库。
type Funding struct {
	Source      FundingSource `json:"source"`
	CommunityID string        `json:"community_id,omitempty"`
}

// SettlementKind 区分托管的放款与退款。
type SettlementKind string

const (
	SettlementRelease SettlementKind = "release"
	SettlementRefund  SettlementKind = "refund"
)

// Settlement 记录托管的唯一一次结算。
type Settlement struct {
	Kind         SettlementKind `json:"kind"`
	Recipient    string         `json:"recipient"`
	Amount       int64          `json:"amount"`
	RevenueShare int64          `json:"revenue_share,omitempty"`
	CommunityID  string         `json:"community_id,omitempty"`
	SettledAt    int64          `json:"settled_at"`
}

// Escrow 是任务悬赏的托管记录。结算前 Locked 等于 Bounty，结算后为 0。
type Escrow struct {
	ID         string      `json:"id"`
	Bounty     int64       `json:"bounty"`
	Locked     int64       `json:"locked"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Settled 判断托管是否已经结算。
func (e Escrow) Settled() bool {
	return e.Settlement != nil
}

func (e *Escrow) settle(s Settlement) error {
	if e.Settlement != nil {
		return xerrors.New(CodeEscrowSettled, fmt.Sprintf("托管 %s 已于 %d 结算", e.ID, e.Settlement.SettledAt))
	}
	if s.Amount+s.RevenueShare != e.Locked {
		return xerrors.New(xerrors.CodeStateConflict, fmt.Sprintf("托管 %s 结算金额 %d 与锁定金额 %d 不符", e.ID, s.Amount+s.RevenueShare, e.Locked))
	}
	e.Locked = 0
	e.Settlement = &s
	return nil
}

// Bid 是智能体对任务的报价，写入后不可修改。
type Bid struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Amount    int64  `json:"amount"`
	Approach  string `json:"approach"`
	CreatedAt int64  `json:"created_at"`
}

// Task 描述带有托管悬赏的任务。
type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Bounty      int64   `json:"bounty_amount"`
	PosterID    string  `json:"poster_id"`
	Status      Status  `json:"status"`
	Bids        []Bid   `json:"bids,omitempty"`
	AssigneeID  string  `json:"assignee_id,omitempty"`
	Funding     Funding `json:"funding"`
	Escrow      Escrow  `json:"escrow"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.Bids != nil {
		clone.Bids = append([]Bid(nil), task.Bids...)
	}
	if task.Escrow.Settlement != nil {
		settlement := *task.Escrow.Settlement
		clone.Escrow.Settlement = &settlement
	}
	return &clone
}
