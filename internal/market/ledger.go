package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/events"
	"BountyMesh/internal/observability/alerting"
	"BountyMesh/pkg/logger"
)

// Ledger 托管任务悬赏并驱动任务状态机。每个操作都是一次存储事务。
type Ledger struct {
	store Store
	settings
}

// NewLedger 创建托管账本。
func NewLedger(store Store, opts ...Option) *Ledger {
	return &Ledger{store: store, settings: newSettings(opts)}
}

// CreateTaskRequest 描述发布任务所需的参数。
type CreateTaskRequest struct {
	Title       string
	Description string
	Bounty      int64
	PosterID    string
}

// CreateTask 发布任务并锁定全部悬赏。
func (l *Ledger) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	if err := l.validateTask(req.Title, req.Bounty); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PosterID) == "" {
		return nil, validationError("发布者不能为空")
	}

	var created *Task
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		task := l.newTask(req, Funding{Source: FundingPoster})
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		created = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("escrow_locked",
		slog.String("task_id", created.ID),
		slog.String("escrow_id", created.Escrow.ID),
		slog.String("poster_id", created.PosterID),
		slog.Int64("amount", created.Escrow.Locked),
	)
	l.publish(ctx, []events.Event{taskEvent(events.TaskCreated, created)})
	return created, nil
}

// PlaceBid 为开放中的任务追加报价。
func (l *Ledger) PlaceBid(ctx context.Context, taskID, agentID string, amount int64, approach string) (*Bid, error) {
	var placed *Bid
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != StatusOpen {
			return xerrors.New(CodeInvalidTransition, fmt.Sprintf("任务 %s 处于 %s 状态，不再接受报价", task.ID, task.Status))
		}
		if amount <= 0 {
			return validationError("报价金额必须大于 0")
		}
		if _, err := tx.Agent(ctx, agentID); err != nil {
			return err
		}
		now := l.timestamp()
		bid := Bid{
			ID:        l.newID(),
			TaskID:    task.ID,
			AgentID:   agentID,
			Amount:    amount,
			Approach:  strings.TrimSpace(approach),
			CreatedAt: now,
		}
		task.Bids = append(task.Bids, bid)
		task.UpdatedAt = now
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		placed = &bid
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, []events.Event{events.New(events.TaskBidPlaced, placed.TaskID, map[string]string{
		"bid_id":   placed.ID,
		"agent_id": placed.AgentID,
		"amount":   strconv.FormatInt(placed.Amount, 10),
	})})
	return placed, nil
}

// AssignAgent 指派智能体并将任务推进到 in_progress。
func (l *Ledger) AssignAgent(ctx context.Context, taskID, agentID string) (*Task, error) {
	var assigned *Task
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if err := l.transition(task, ActionAssign); err != nil {
			return err
		}
		if _, err := tx.Agent(ctx, agentID); err != nil {
			return err
		}
		task.AssigneeID = agentID
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		assigned = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, []events.Event{taskEvent(events.TaskAssigned, assigned)})
	return assigned, nil
}

// CompleteTask 标记任务完成，不移动资金。
func (l *Ledger) CompleteTask(ctx context.Context, taskID string) (*Task, error) {
	var completed *Task
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if err := l.transition(task, ActionComplete); err != nil {
			return err
		}
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		completed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, []events.Event{taskEvent(events.TaskCompleted, completed)})
	return completed, nil
}

// VerifyTask 验收任务并向执行者全额放款。开启社区分成且执行者是活跃社区的正式成员时，
// 按社区分成比例将一部分悬赏计入社区金库。
func (l *Ledger) VerifyTask(ctx context.Context, taskID string) (*Task, error) {
	var verified *Task
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if err := l.transition(task, ActionVerify); err != nil {
			return err
		}
		agent, err := tx.Agent(ctx, task.AssigneeID)
		if err != nil {
			return err
		}

		var community *Community
		var member *Member
		if agent.CommunityID != "" {
			c, err := tx.Community(ctx, agent.CommunityID)
			if err != nil && !errors.Is(err, ErrCommunityNotFound) {
				return err
			}
			if c != nil && c.IsActive {
				if m, ok := c.Member(agent.ID); ok && m.Role.Active() {
					community, member = c, m
				}
			}
		}

		locked := task.Escrow.Locked
		var share int64
		if community != nil && l.revenueShare {
			share = community.RevenueShare(locked)
		}
		payout := locked - share
		now := l.timestamp()

		settlement := Settlement{
			Kind:         SettlementRelease,
			Recipient:    agent.ID,
			Amount:       payout,
			RevenueShare: share,
			SettledAt:    now,
		}
		if community != nil {
			settlement.CommunityID = community.ID
		}
		if err := task.Escrow.settle(settlement); err != nil {
			return err
		}

		agent.TotalEarned += payout
		agent.TasksCompleted++
		agent.addReputation(l.reputationDelta)
		agent.UpdatedAt = now
		if err := tx.PutAgent(ctx, agent); err != nil {
			return err
		}

		if community != nil {
			community.TreasuryBalance += share
			member.Earnings += payout
			member.TasksCompleted++
			community.UpdatedAt = now
			if err := tx.PutCommunity(ctx, community); err != nil {
				return err
			}
		}

		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		verified = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := verified.Escrow.Settlement
	logger.Audit().Info("escrow_released",
		slog.String("task_id", verified.ID),
		slog.String("escrow_id", verified.Escrow.ID),
		slog.String("recipient", s.Recipient),
		slog.Int64("amount", s.Amount),
		slog.Int64("revenue_share", s.RevenueShare),
		slog.String("community_id", s.CommunityID),
	)
	event := taskEvent(events.TaskVerified, verified)
	event.Attributes["payout"] = strconv.FormatInt(s.Amount, 10)
	event.Attributes["revenue_share"] = strconv.FormatInt(s.RevenueShare, 10)
	l.publish(ctx, []events.Event{event})
	return verified, nil
}

// CancelTask 取消任务并全额退款给发布者，社区资助的任务退回社区金库。
func (l *Ledger) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var cancelled *Task
	var previous Status
	err := l.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		previous = task.Status
		if err := l.transition(task, ActionCancel); err != nil {
			return err
		}
		now := task.UpdatedAt
		settlement := Settlement{
			Kind:      SettlementRefund,
			Recipient: task.PosterID,
			Amount:    task.Escrow.Locked,
			SettledAt: now,
		}
		if task.Funding.Source == FundingCommunity {
			community, err := tx.Community(ctx, task.Funding.CommunityID)
			if err != nil {
				return err
			}
			community.TreasuryBalance += task.Escrow.Locked
			community.UpdatedAt = now
			if err := tx.PutCommunity(ctx, community); err != nil {
				return err
			}
			settlement.Recipient = community.ID
			settlement.CommunityID = community.ID
		}
		if err := task.Escrow.settle(settlement); err != nil {
			return err
		}
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		cancelled = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := cancelled.Escrow.Settlement
	logger.Audit().Info("escrow_refunded",
		slog.String("task_id", cancelled.ID),
		slog.String("escrow_id", cancelled.Escrow.ID),
		slog.String("recipient", s.Recipient),
		slog.Int64("amount", s.Amount),
		slog.String("previous_status", string(previous)),
	)
	event := taskEvent(events.TaskCancelled, cancelled)
	event.Attributes["previous_status"] = string(previous)
	if previous == StatusCompleted {
		// 已完成的工作被取消，执行者拿不到报酬，需要人工关注。
		logger.Audit().Warn("cancel_after_completion",
			slog.String("task_id", cancelled.ID),
			slog.String("assignee_id", cancelled.AssigneeID),
			slog.Int64("amount", s.Amount),
		)
		l.alert(ctx, alerting.Event{
			Code:     xerrors.CodeStateConflict,
			Message:  "已完成的任务被取消，悬赏退回发布方",
			Severity: xerrors.SeverityWarning,
			Subject:  cancelled.ID,
			Metadata: map[string]string{
				"assignee_id": cancelled.AssigneeID,
				"recipient":   s.Recipient,
				"amount":      strconv.FormatInt(s.Amount, 10),
			},
		})
	}
	l.publish(ctx, []events.Event{event})
	return cancelled, nil
}

// GetTask 返回任务。
func (l *Ledger) GetTask(ctx context.Context, id string) (*Task, error) {
	return l.store.GetTask(ctx, id)
}

// ListTasks 按过滤条件返回任务。
func (l *Ledger) ListTasks(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return l.store.ListTasks(ctx, BuildListOptions(opts...))
}

func (l *Ledger) validateTask(title string, bounty int64) error {
	if strings.TrimSpace(title) == "" {
		return validationError("任务标题不能为空")
	}
	if bounty <= 0 {
		return validationError("悬赏金额必须大于 0")
	}
	if bounty > l.maxBounty {
		return validationError(fmt.Sprintf("悬赏金额超过上限 %d", l.maxBounty))
	}
	return nil
}

func (l *Ledger) newTask(req CreateTaskRequest, funding Funding) *Task {
	now := l.timestamp()
	return &Task{
		ID:          l.newID(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Bounty:      req.Bounty,
		PosterID:    req.PosterID,
		Status:      StatusOpen,
		Funding:     funding,
		Escrow: Escrow{
			ID:     l.newID(),
			Bounty: req.Bounty,
			Locked: req.Bounty,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (l *Ledger) transition(task *Task, action Action) error {
	next, ok := NextStatus(task.Status, action)
	if !ok {
		return xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("任务 %s 处于 %s 状态，不允许执行 %s", task.ID, task.Status, action),
			xerrors.WithMetadata("task_id", task.ID),
			xerrors.WithMetadata("status", string(task.Status)),
		)
	}
	task.Status = next
	task.UpdatedAt = l.timestamp()
	return nil
}

func taskEvent(eventType string, task *Task) events.Event {
	attrs := map[string]string{
		"status": string(task.Status),
		"bounty": strconv.FormatInt(task.Bounty, 10),
	}
	if task.AssigneeID != "" {
		attrs["assignee_id"] = task.AssigneeID
	}
	if task.Funding.CommunityID != "" {
		attrs["community_id"] = task.Funding.CommunityID
	}
	return events.New(eventType, task.ID, attrs)
}
