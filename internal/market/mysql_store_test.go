package market

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"

	"BountyMesh/internal/storage/mysql/mysqltest"
)

var (
	taskColumnNames = []string{"id", "title", "description", "bounty", "poster_id", "status", "assignee_id",
		"funding_source", "funding_community_id", "escrow_id", "escrow_locked", "settlement", "bids", "created_at", "updated_at"}
	agentColumnNames = []string{"id", "name", "wallet", "content_ref", "tasks_completed", "total_earned",
		"reputation_score", "verified", "specialties", "verified_at", "community_id", "created_at", "updated_at"}
)

func completedTaskRow() []driver.Value {
	return []driver.Value{"t1", "parser", "", int64(5), "poster-1", "completed", "a1",
		"poster", "", "e1", int64(5), nil, `[{"id":"b1","task_id":"t1","agent_id":"a1","amount":5}]`, int64(1), int64(2)}
}

func agentRow(communityID string) []driver.Value {
	return []driver.Value{"a1", "alice", wallet(1), "octo/alice", int64(0), int64(0),
		int64(0), int64(0), "", int64(0), communityID, int64(1), int64(1)}
}

func argEquals(index int, want any) func([]driver.NamedValue) error {
	return func(args []driver.NamedValue) error {
		if len(args) <= index {
			return fmt.Errorf("expected at least %d args, got %d", index+1, len(args))
		}
		if args[index].Value != want {
			return fmt.Errorf("arg %d: want %v got %v", index, want, args[index].Value)
		}
		return nil
	}
}

func TestMySQLStoreVerifyTaskCommits(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Begin(),
		mysqltest.Query(selectTaskSQL+" WHERE id = ? FOR UPDATE", mysqltest.Rows{
			Columns: taskColumnNames,
			Values:  [][]driver.Value{completedTaskRow()},
		}),
		mysqltest.Query(selectAgentSQL+" WHERE id = ? FOR UPDATE", mysqltest.Rows{
			Columns: agentColumnNames,
			Values:  [][]driver.Value{agentRow("")},
		}),
		mysqltest.Exec(upsertAgentSQL, mysqltest.Result{RowsAffected: 2}).WithArgs(argEquals(5, int64(5))),
		mysqltest.Exec(upsertTaskSQL, mysqltest.Result{RowsAffected: 2}).WithArgs(func(args []driver.NamedValue) error {
			if args[5].Value != string(StatusVerified) {
				return fmt.Errorf("status arg: %v", args[5].Value)
			}
			if args[10].Value != int64(0) {
				return fmt.Errorf("escrow should be drained, got %v", args[10].Value)
			}
			settlement, _ := args[11].Value.(string)
			if !strings.Contains(settlement, `"kind":"release"`) {
				return fmt.Errorf("unexpected settlement %q", settlement)
			}
			bids, _ := args[12].Value.(string)
			if !strings.Contains(bids, `"b1"`) {
				return fmt.Errorf("bids lost: %q", bids)
			}
			return nil
		}),
		mysqltest.Commit(),
	)

	ledger := NewLedger(NewMySQLStore(db))
	task, err := ledger.VerifyTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if task.Status != StatusVerified || task.Escrow.Settlement == nil || len(task.Bids) != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreRollsBackOnMissingTask(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Begin(),
		mysqltest.Query(selectTaskSQL+" WHERE id = ? FOR UPDATE", mysqltest.Rows{Columns: taskColumnNames}),
		mysqltest.Rollback(),
	)

	ledger := NewLedger(NewMySQLStore(db))
	if _, err := ledger.CancelTask(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreListTasksBuildsFilters(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Query(selectTaskSQL+` WHERE status IN (?,?) AND poster_id = ?
            ORDER BY updated_at ASC, created_at ASC, id ASC LIMIT ? OFFSET ?`, mysqltest.Rows{
			Columns: taskColumnNames,
			Values:  [][]driver.Value{completedTaskRow()},
		}).WithArgs(func(args []driver.NamedValue) error {
			if len(args) != 5 || args[0].Value != "open" || args[2].Value != "poster-1" || args[3].Value != int64(10) {
				return fmt.Errorf("unexpected args %+v", args)
			}
			return nil
		}),
	)

	store := NewMySQLStore(db)
	tasks, err := store.ListTasks(context.Background(), BuildListOptions(
		WithStatuses(StatusOpen, StatusCompleted),
		WithPoster("poster-1"),
		WithSortOrder(SortByUpdatedAsc),
		WithLimit(10),
	))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Escrow.Bounty != 5 || tasks[0].Funding.Source != FundingPoster {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreStats(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Query(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN verified = 1 THEN 1 ELSE 0 END), 0) FROM agents`, mysqltest.Rows{
			Columns: []string{"count", "verified"},
			Values:  [][]driver.Value{{int64(4), int64(1)}},
		}),
		mysqltest.Query(`SELECT COUNT(*), COALESCE(SUM(treasury_balance), 0) FROM communities`, mysqltest.Rows{
			Columns: []string{"count", "balance"},
			Values:  [][]driver.Value{{int64(2), []byte("70")}},
		}),
		mysqltest.Query(`SELECT status, COUNT(*), COALESCE(SUM(escrow_locked), 0) FROM tasks GROUP BY status`, mysqltest.Rows{
			Columns: []string{"status", "count", "locked"},
			Values: [][]driver.Value{
				{"open", int64(2), []byte("30")},
				{"verified", int64(1), []byte("0")},
			},
		}),
	)

	stats, err := NewMySQLStore(db).Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Agents != 4 || stats.VerifiedAgents != 1 || stats.Communities != 2 || stats.TreasuryTotal != 70 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Tasks != 3 || stats.TasksByStatus[StatusOpen] != 2 || stats.EscrowLocked != 30 {
		t.Fatalf("unexpected task stats %+v", stats)
	}
	drv.AssertConsumed(t)
}
