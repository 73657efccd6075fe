package market

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"BountyMesh/internal/events"
	"BountyMesh/pkg/logger"
)

// Registry 管理智能体记录，并接收信誉预言机的评估结果。
type Registry struct {
	store Store
	settings
}

// NewRegistry 创建智能体注册表。
func NewRegistry(store Store, opts ...Option) *Registry {
	return &Registry{store: store, settings: newSettings(opts)}
}

// RegisterAgentRequest 描述注册智能体所需的参数。
type RegisterAgentRequest struct {
	Name       string
	Wallet     string
	ContentRef string
}

// RegisterAgent 注册新的智能体，初始为未验证且信誉分为 0。
func (r *Registry) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationError("智能体名称不能为空")
	}
	wallet := strings.TrimSpace(req.Wallet)
	if !strings.HasPrefix(wallet, "0x") || !common.IsHexAddress(wallet) {
		return nil, validationError("钱包地址格式无效")
	}

	now := r.timestamp()
	agent := &Agent{
		ID:         r.newID(),
		Name:       name,
		Wallet:     common.HexToAddress(wallet).Hex(),
		ContentRef: strings.TrimSpace(req.ContentRef),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, []events.Event{events.New(events.AgentRegistered, agent.ID, map[string]string{
		"wallet": agent.Wallet,
	})})
	return cloneAgent(agent), nil
}

// GetAgent 返回智能体。
func (r *Registry) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// ListAgents 按过滤条件返回智能体。
func (r *Registry) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	return r.store.ListAgents(ctx, filter)
}

// PendingVerification 返回尚未验证且配置了外部内容的智能体。
func (r *Registry) PendingVerification(ctx context.Context) ([]*Agent, error) {
	return r.store.ListAgents(ctx, AgentFilter{PendingVerification: true})
}

// ApplyVerification 写入评估结果。分数达到阈值时标记为已验证，已验证的状态不会被撤销。
func (r *Registry) ApplyVerification(ctx context.Context, result VerificationResult, threshold int) (*Agent, error) {
	var updated *Agent
	var newlyVerified bool
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		agent, err := tx.Agent(ctx, result.AgentID)
		if err != nil {
			return err
		}
		now := r.timestamp()
		agent.ReputationScore = ClampScore(result.Score)
		agent.Specialties = TruncateRunes(result.Specialties, MaxSpecialtiesRunes)
		if !agent.Verified && agent.ReputationScore >= threshold {
			agent.Verified = true
			agent.VerifiedAt = now
			newlyVerified = true
		}
		agent.UpdatedAt = now
		if err := tx.PutAgent(ctx, agent); err != nil {
			return err
		}
		updated = agent
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.L().Info("智能体评估结果已写入",
		slog.String("agent_id", updated.ID),
		slog.Int("score", updated.ReputationScore),
		slog.Bool("verified", updated.Verified),
	)
	if newlyVerified {
		r.publish(ctx, []events.Event{events.New(events.AgentVerified, updated.ID, map[string]string{
			"score": strconv.Itoa(updated.ReputationScore),
		})})
	}
	return updated, nil
}

// Stats 返回健康检查所需的计数。
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	return r.store.Stats(ctx)
}
