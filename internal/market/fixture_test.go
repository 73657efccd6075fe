package market

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"BountyMesh/internal/events"
	"BountyMesh/internal/observability/alerting"
)

type fixture struct {
	store     *MemoryStore
	ledger    *Ledger
	treasury  *Treasury
	registry  *Registry
	publisher *events.MemoryPublisher
	alerts    *alerting.Recorder
}

func newFixture(t *testing.T, extra ...Option) *fixture {
	t.Helper()
	store := NewMemoryStore()
	return newFixtureWithStore(t, store, store, extra...)
}

// newFixtureWithStore 允许用包装过的 Store 驱动服务，同时保留底层 MemoryStore 以便断言。
func newFixtureWithStore(t *testing.T, mem *MemoryStore, store Store, extra ...Option) *fixture {
	t.Helper()
	publisher := events.NewMemoryPublisher()
	alerts := &alerting.Recorder{}

	var seq atomic.Int64
	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := append([]Option{
		WithPublisher(publisher),
		WithAlerts(alerts),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
		WithClock(func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }),
	}, extra...)

	ledger := NewLedger(store, opts...)
	return &fixture{
		store:     mem,
		ledger:    ledger,
		treasury:  NewTreasury(store, ledger, opts...),
		registry:  NewRegistry(store, opts...),
		publisher: publisher,
		alerts:    alerts,
	}
}

func wallet(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func (f *fixture) agent(t *testing.T, name string, n int) *Agent {
	t.Helper()
	agent, err := f.registry.RegisterAgent(context.Background(), RegisterAgentRequest{
		Name:       name,
		Wallet:     wallet(n),
		ContentRef: "octo/" + name,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return agent
}

func (f *fixture) mustAgent(t *testing.T, id string) *Agent {
	t.Helper()
	agent, err := f.store.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent %s: %v", id, err)
	}
	return agent
}

func (f *fixture) mustTask(t *testing.T, id string) *Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (f *fixture) mustCommunity(t *testing.T, id string) *Community {
	t.Helper()
	community, err := f.store.GetCommunity(context.Background(), id)
	if err != nil {
		t.Fatalf("get community %s: %v", id, err)
	}
	return community
}

// runToCompleted 创建任务并推进到 completed。
func (f *fixture) runToCompleted(t *testing.T, bounty int64, assignee string) *Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.ledger.CreateTask(ctx, CreateTaskRequest{Title: "index docs", Bounty: bounty, PosterID: "poster-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.ledger.AssignAgent(ctx, task.ID, assignee); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.ledger.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return task
}
