package market

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreDiscardsWritesOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.PutAgent(ctx, &Agent{ID: "a1", Name: "staged"}); err != nil {
			return err
		}
		staged, err := tx.Agent(ctx, "a1")
		if err != nil || staged.Name != "staged" {
			t.Fatalf("staged write should be visible inside the tx: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetAgent(ctx, "a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("write should be discarded, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutCommunity(ctx, &Community{ID: "c1", Members: []Member{{AgentID: "a", Role: RoleAdmin}}})
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _ := store.GetCommunity(ctx, "c1")
	got.Members[0].Role = RolePending
	got.TreasuryBalance = 99

	again, _ := store.GetCommunity(ctx, "c1")
	if again.Members[0].Role != RoleAdmin || again.TreasuryBalance != 0 {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}

func TestMemoryStoreListOrderingAndPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for i, id := range []string{"t1", "t2", "t3"} {
			task := &Task{ID: id, Status: StatusOpen, CreatedAt: int64(i), UpdatedAt: int64(10 + i)}
			if err := tx.PutTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	desc, _ := store.ListTasks(ctx, ListOptions{})
	if len(desc) != 3 || desc[0].ID != "t3" || desc[2].ID != "t1" {
		t.Fatalf("unexpected desc order %v", ids(desc))
	}
	asc, _ := store.ListTasks(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	if len(asc) != 2 || asc[0].ID != "t1" || asc[1].ID != "t2" {
		t.Fatalf("unexpected asc order %v", ids(asc))
	}
	paged, _ := store.ListTasks(ctx, BuildListOptions(WithOffset(2)))
	if len(paged) != 1 || paged[0].ID != "t1" {
		t.Fatalf("unexpected page %v", ids(paged))
	}
	none, _ := store.ListTasks(ctx, BuildListOptions(WithOffset(5)))
	if len(none) != 0 {
		t.Fatalf("expected empty page")
	}
	filtered, _ := store.ListTasks(ctx, BuildListOptions(WithStatuses(StatusVerified, Status("bogus"))))
	if len(filtered) != 0 {
		t.Fatalf("expected no verified tasks, got %v", ids(filtered))
	}
}

func TestMemoryStoreRejectsCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.WithTx(ctx, func(context.Context, Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancelled tx to be rejected, err=%v called=%v", err, called)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
