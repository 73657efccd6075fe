package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/events"
	"BountyMesh/pkg/logger"
)

// Treasury 管理社区及其共享金库。资助任务与扣款在同一事务中完成。
type Treasury struct {
	store  Store
	ledger *Ledger
	settings
}

// NewTreasury 创建社区金库服务，任务创建规则沿用 ledger 的配置。
func NewTreasury(store Store, ledger *Ledger, opts ...Option) *Treasury {
	return &Treasury{store: store, ledger: ledger, settings: newSettings(opts)}
}

// CreateCommunity 创建社区并将创建者登记为管理员。
func (t *Treasury) CreateCommunity(ctx context.Context, name, adminID string, revenueShareBps int) (*Community, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("社区名称不能为空")
	}

	var created *Community
	err := t.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		admin, err := tx.Agent(ctx, adminID)
		if err != nil {
			return err
		}
		if admin.CommunityID != "" {
			return conflictError(fmt.Sprintf("智能体 %s 已属于社区 %s", admin.ID, admin.CommunityID))
		}
		now := t.timestamp()
		community := &Community{
			ID:      t.newID(),
			Name:    name,
			AdminID: admin.ID,
			Members: []Member{{
				AgentID:  admin.ID,
				Role:     RoleAdmin,
				JoinedAt: now,
			}},
			RevenueShareBps: ClampBps(revenueShareBps),
			IsActive:        true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		admin.CommunityID = community.ID
		admin.UpdatedAt = now
		if err := tx.PutAgent(ctx, admin); err != nil {
			return err
		}
		if err := tx.PutCommunity(ctx, community); err != nil {
			return err
		}
		created = community
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, []events.Event{events.New(events.CommunityCreated, created.ID, map[string]string{
		"admin_id":          created.AdminID,
		"revenue_share_bps": strconv.Itoa(created.RevenueShareBps),
	})})
	return created, nil
}

// JoinCommunity 提交入会申请，成员以 pending 身份加入。
func (t *Treasury) JoinCommunity(ctx context.Context, communityID, agentID string) (*Community, error) {
	return t.changeMembership(ctx, communityID, "join", func(ctx context.Context, tx Tx, community *Community) error {
		if !community.IsActive {
			return conflictError(fmt.Sprintf("社区 %s 已停用", community.ID))
		}
		agent, err := tx.Agent(ctx, agentID)
		if err != nil {
			return err
		}
		if _, ok := community.Member(agent.ID); ok {
			return conflictError(fmt.Sprintf("智能体 %s 已是社区成员", agent.ID))
		}
		if agent.CommunityID != "" {
			return conflictError(fmt.Sprintf("智能体 %s 已属于社区 %s", agent.ID, agent.CommunityID))
		}
		community.Members = append(community.Members, Member{
			AgentID:  agent.ID,
			Role:     RolePending,
			JoinedAt: t.timestamp(),
		})
		return nil
	})
}

// ApproveMember 由管理员批准 pending 成员并授予角色。
func (t *Treasury) ApproveMember(ctx context.Context, communityID, agentID string, role Role, requestingAdminID string) (*Community, error) {
	if role != RoleMember && role != RoleContributor {
		return nil, validationError(fmt.Sprintf("不支持授予角色 %q", role))
	}
	return t.changeMembership(ctx, communityID, "approve", func(ctx context.Context, tx Tx, community *Community) error {
		if requestingAdminID != community.AdminID {
			return unauthorizedError("只有社区管理员可以审批成员")
		}
		member, ok := community.Member(agentID)
		if !ok {
			return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不是社区成员", agentID))
		}
		if member.Role != RolePending {
			return conflictError(fmt.Sprintf("成员 %s 当前角色为 %s，无需审批", agentID, member.Role))
		}
		agent, err := tx.Agent(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.CommunityID != "" && agent.CommunityID != community.ID {
			return conflictError(fmt.Sprintf("智能体 %s 已属于社区 %s", agent.ID, agent.CommunityID))
		}
		member.Role = role
		agent.CommunityID = community.ID
		agent.UpdatedAt = t.timestamp()
		return tx.PutAgent(ctx, agent)
	})
}

// LeaveCommunity 让成员退出社区，管理员必须先移交管理权。
func (t *Treasury) LeaveCommunity(ctx context.Context, communityID, agentID string) (*Community, error) {
	return t.changeMembership(ctx, communityID, "leave", func(ctx context.Context, tx Tx, community *Community) error {
		if agentID == community.AdminID {
			return conflictError("管理员不能直接退出社区")
		}
		if !community.removeMember(agentID) {
			return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不是社区成员", agentID))
		}
		agent, err := tx.Agent(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.CommunityID == community.ID {
			agent.CommunityID = ""
			agent.UpdatedAt = t.timestamp()
			return tx.PutAgent(ctx, agent)
		}
		return nil
	})
}

// TransferAdmin 将管理员身份移交给另一位正式成员，原管理员降为 member。
func (t *Treasury) TransferAdmin(ctx context.Context, communityID, currentAdminID, newAdminID string) (*Community, error) {
	return t.changeMembership(ctx, communityID, "transfer_admin", func(_ context.Context, _ Tx, community *Community) error {
		if currentAdminID != community.AdminID {
			return unauthorizedError("只有当前管理员可以移交管理权")
		}
		next, ok := community.Member(newAdminID)
		if !ok {
			return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不是社区成员", newAdminID))
		}
		if !next.Role.Active() {
			return conflictError(fmt.Sprintf("成员 %s 尚未通过审批", newAdminID))
		}
		if newAdminID == currentAdminID {
			return nil
		}
		if current, ok := community.Member(currentAdminID); ok {
			current.Role = RoleMember
		}
		next.Role = RoleAdmin
		community.AdminID = newAdminID
		return nil
	})
}

// DeactivateCommunity 停用社区，停用后不再接受存款、入会与资助。
func (t *Treasury) DeactivateCommunity(ctx context.Context, communityID, requestingAdminID string) (*Community, error) {
	return t.changeMembership(ctx, communityID, "deactivate", func(_ context.Context, _ Tx, community *Community) error {
		if requestingAdminID != community.AdminID {
			return unauthorizedError("只有社区管理员可以停用社区")
		}
		community.IsActive = false
		return nil
	})
}

// Deposit 由正式成员向金库存入资金。
func (t *Treasury) Deposit(ctx context.Context, communityID string, amount int64, agentID string) (*Community, error) {
	if amount <= 0 {
		return nil, validationError("存款金额必须大于 0")
	}
	var updated *Community
	err := t.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		community, err := tx.Community(ctx, communityID)
		if err != nil {
			return err
		}
		member, ok := community.Member(agentID)
		if !ok || !member.Role.Active() {
			return unauthorizedError("只有正式成员可以向金库存款")
		}
		if !community.IsActive {
			return conflictError(fmt.Sprintf("社区 %s 已停用", community.ID))
		}
		community.TreasuryBalance += amount
		community.UpdatedAt = t.timestamp()
		if err := tx.PutCommunity(ctx, community); err != nil {
			return err
		}
		updated = community
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("treasury_deposit",
		slog.String("community_id", updated.ID),
		slog.String("agent_id", agentID),
		slog.Int64("amount", amount),
		slog.Int64("balance", updated.TreasuryBalance),
	)
	t.publish(ctx, []events.Event{events.New(events.TreasuryDeposited, updated.ID, map[string]string{
		"agent_id": agentID,
		"amount":   strconv.FormatInt(amount, 10),
	})})
	return updated, nil
}

// FundTaskRequest 描述由社区金库资助的任务。
type FundTaskRequest struct {
	CommunityID       string
	Title             string
	Description       string
	Bounty            int64
	RequestingAgentID string
}

// FundTask 从金库扣除悬赏并创建任务，两者任一失败都整体回滚。
func (t *Treasury) FundTask(ctx context.Context, req FundTaskRequest) (*Task, error) {
	if err := t.ledger.validateTask(req.Title, req.Bounty); err != nil {
		return nil, err
	}

	var created *Task
	var balance int64
	err := t.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		community, err := tx.Community(ctx, req.CommunityID)
		if err != nil {
			return err
		}
		member, ok := community.Member(req.RequestingAgentID)
		if !ok || !member.Role.CanFund() {
			return unauthorizedError("只有管理员或贡献者可以动用金库")
		}
		if !community.IsActive {
			return conflictError(fmt.Sprintf("社区 %s 已停用", community.ID))
		}
		if community.TreasuryBalance < req.Bounty {
			return xerrors.New(CodeInsufficientFunds,
				fmt.Sprintf("金库余额 %d 不足以支付悬赏 %d", community.TreasuryBalance, req.Bounty))
		}
		community.TreasuryBalance -= req.Bounty
		community.UpdatedAt = t.timestamp()
		if err := tx.PutCommunity(ctx, community); err != nil {
			return err
		}

		task := t.ledger.newTask(CreateTaskRequest{
			Title:       req.Title,
			Description: req.Description,
			Bounty:      req.Bounty,
			PosterID:    req.RequestingAgentID,
		}, Funding{Source: FundingCommunity, CommunityID: community.ID})
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		created = task
		balance = community.TreasuryBalance
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("treasury_task_funded",
		slog.String("community_id", req.CommunityID),
		slog.String("task_id", created.ID),
		slog.String("escrow_id", created.Escrow.ID),
		slog.Int64("amount", created.Bounty),
		slog.Int64("balance", balance),
	)
	t.publish(ctx, []events.Event{
		taskEvent(events.TaskCreated, created),
		events.New(events.TreasuryTaskFunded, req.CommunityID, map[string]string{
			"task_id": created.ID,
			"amount":  strconv.FormatInt(created.Bounty, 10),
		}),
	})
	return created, nil
}

// GetCommunity 返回社区。
func (t *Treasury) GetCommunity(ctx context.Context, id string) (*Community, error) {
	return t.store.GetCommunity(ctx, id)
}

// ListCommunities 返回社区列表。
func (t *Treasury) ListCommunities(ctx context.Context, limit int) ([]*Community, error) {
	return t.store.ListCommunities(ctx, limit)
}

func (t *Treasury) changeMembership(ctx context.Context, communityID, action string, mutate func(ctx context.Context, tx Tx, community *Community) error) (*Community, error) {
	var updated *Community
	err := t.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		community, err := tx.Community(ctx, communityID)
		if err != nil {
			return err
		}
		if err := mutate(ctx, tx, community); err != nil {
			return err
		}
		community.UpdatedAt = t.timestamp()
		if err := tx.PutCommunity(ctx, community); err != nil {
			return err
		}
		updated = community
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, []events.Event{events.New(events.CommunityChanged, updated.ID, map[string]string{
		"action":   action,
		"admin_id": updated.AdminID,
		"members":  strconv.Itoa(len(updated.Members)),
	})})
	return updated, nil
}
