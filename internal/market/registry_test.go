package market

import (
	"context"
	"strings"
	"testing"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/events"
)

func TestRegisterAgentValidatesWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []RegisterAgentRequest{
		{Name: "", Wallet: wallet(1)},
		{Name: "x", Wallet: "not-an-address"},
		{Name: "x", Wallet: strings.TrimPrefix(wallet(1), "0x")},
		{Name: "x", Wallet: "0x1234"},
	}
	for _, req := range bad {
		if _, err := f.registry.RegisterAgent(ctx, req); !xerrors.IsKind(err, xerrors.KindValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}

	agent, err := f.registry.RegisterAgent(ctx, RegisterAgentRequest{Name: " ivy ", Wallet: wallet(0xabc), ContentRef: "octo/ivy"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.Name != "ivy" || agent.Verified || agent.ReputationScore != 0 {
		t.Fatalf("unexpected agent %+v", agent)
	}
	if !strings.EqualFold(agent.Wallet, wallet(0xabc)) {
		t.Fatalf("wallet not preserved: %s", agent.Wallet)
	}
	if len(f.publisher.OfType(events.AgentRegistered)) != 1 {
		t.Fatalf("expected registration event")
	}
}

func TestApplyVerificationThresholdAndClamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.agent(t, "jade", 9)

	updated, err := f.registry.ApplyVerification(ctx, VerificationResult{AgentID: agent.ID, Score: 150, Specialties: strings.Repeat("go ", 100)}, 70)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.ReputationScore != 100 || !updated.Verified || updated.VerifiedAt == 0 {
		t.Fatalf("unexpected verified agent %+v", updated)
	}
	if n := len([]rune(updated.Specialties)); n != MaxSpecialtiesRunes {
		t.Fatalf("specialties not truncated: %d", n)
	}

	lowered, err := f.registry.ApplyVerification(ctx, VerificationResult{AgentID: agent.ID, Score: -5}, 70)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if lowered.ReputationScore != 0 || !lowered.Verified {
		t.Fatalf("verified must never reset, got %+v", lowered)
	}
	if lowered.VerifiedAt != updated.VerifiedAt {
		t.Fatalf("verified_at must not move")
	}
	if len(f.publisher.OfType(events.AgentVerified)) != 1 {
		t.Fatalf("expected a single verified event")
	}
}

func TestApplyVerificationBelowThreshold(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, "kim", 10)

	updated, err := f.registry.ApplyVerification(context.Background(), VerificationResult{AgentID: agent.ID, Score: 40}, 50)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Verified || updated.ReputationScore != 40 {
		t.Fatalf("unexpected agent %+v", updated)
	}
	if _, err := f.registry.ApplyVerification(context.Background(), VerificationResult{AgentID: "ghost", Score: 1}, 0); !xerrors.IsKind(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPendingVerificationAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, "lee", 11)
	b := f.agent(t, "max", 12)
	if _, err := f.registry.RegisterAgent(ctx, RegisterAgentRequest{Name: "no-content", Wallet: wallet(13)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.registry.ApplyVerification(ctx, VerificationResult{AgentID: a.ID, Score: 80}, 0); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pending, err := f.registry.PendingVerification(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("unexpected pending agents %+v", pending)
	}

	f.runToCompleted(t, 25, b.ID)
	if _, err := f.ledger.CreateTask(ctx, CreateTaskRequest{Title: "open", Bounty: 5, PosterID: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	stats, err := f.registry.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Agents != 3 || stats.VerifiedAgents != 1 || stats.Tasks != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.TasksByStatus[StatusCompleted] != 1 || stats.TasksByStatus[StatusOpen] != 1 || stats.EscrowLocked != 30 {
		t.Fatalf("unexpected task stats %+v", stats)
	}

	verified := true
	list, err := f.registry.ListAgents(ctx, AgentFilter{Verified: &verified})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("unexpected verified list %+v", list)
	}
}
