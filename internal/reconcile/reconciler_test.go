package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/events"
	"BountyMesh/internal/observability/alerting"
	"BountyMesh/internal/signal"
	"BountyMesh/internal/web3"
)

const (
	treasuryAddr = "0x00000000000000000000000000000000000000aa"
	agentAddr    = "0x00000000000000000000000000000000000000a1"
	escrowAddr   = "0x00000000000000000000000000000000000000e1"
)

type fakeReader struct {
	mu       sync.Mutex
	balances map[string]int64
	escrows  []string
	txs      []web3.TxStatus
	err      error
	// failing 中的地址读取余额时返回对应错误。
	failing map[string]error
	// stalled 中的地址读取余额时阻塞到上下文结束。
	stalled map[string]bool
	// beforeScan 在返回交易列表前调用，模拟周期进行中的外部写入。
	beforeScan func()
}

func (f *fakeReader) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	stalled := f.stalled[address]
	f.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := f.failing[address]; err != nil {
		return nil, err
	}
	return big.NewInt(f.balances[address]), nil
}

func (f *fakeReader) RecentTransactions(context.Context, string, int) ([]web3.TxStatus, error) {
	if f.beforeScan != nil {
		f.beforeScan()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]web3.TxStatus(nil), f.txs...), nil
}

func (f *fakeReader) ProgramAccounts(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.escrows...), nil
}

func (f *fakeReader) set(address string, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = balance
}

type fixture struct {
	reader    *fakeReader
	sink      *signal.Memory
	alerts    *alerting.Recorder
	publisher *events.MemoryPublisher
	path      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		reader: &fakeReader{balances: map[string]int64{
			treasuryAddr: 1000,
			agentAddr:    0,
		}},
		sink:      signal.NewMemory(),
		alerts:    &alerting.Recorder{},
		publisher: events.NewMemoryPublisher(),
		path:      filepath.Join(t.TempDir(), "data", "fund-ledger.json"),
	}
}

func (f *fixture) reconciler(t *testing.T) *Reconciler {
	t.Helper()
	return f.reconcilerWithConfig(t, Config{})
}

func (f *fixture) reconcilerWithConfig(t *testing.T, cfg Config) *Reconciler {
	t.Helper()
	cfg.TreasuryAddress = treasuryAddr
	cfg.Agents = map[string]string{"agent-1": agentAddr}
	cfg.LedgerPath = f.path
	cfg.UnlockIdentity = "treasury"
	r, err := New(f.reader, cfg, WithSignalSink(f.sink), WithAlerts(f.alerts), WithPublisher(f.publisher))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func TestCycleRecordsBalanceChanges(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t)
	ctx := context.Background()

	report, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if report.Entries != 0 || !report.Unlocked {
		t.Fatalf("first cycle should only record baselines, got %+v", report)
	}

	f.reader.set(treasuryAddr, 700)
	f.reader.set(agentAddr, 250)
	report, err = r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if report.Entries != 2 {
		t.Fatalf("expected two ledger entries, got %d", report.Entries)
	}

	snap := r.Snapshot()
	if len(snap.Treasury.History) != 1 || snap.Treasury.History[0].Kind != KindOutflow {
		t.Fatalf("expected treasury outflow, got %+v", snap.Treasury.History)
	}
	if snap.Totals.Outflow.Int64() != 300 || snap.Totals.Inflow.Int64() != 0 {
		t.Fatalf("unexpected totals %+v", snap.Totals)
	}
	if snap.Totals.AgentEarnings.Int64() != 250 {
		t.Fatalf("expected agent earnings 250, got %s", snap.Totals.AgentEarnings)
	}
	if snap.Agents["agent-1"].History[0].Delta.Int64() != 250 {
		t.Fatalf("unexpected agent entry %+v", snap.Agents["agent-1"].History[0])
	}
}

func TestEscrowDiscoveryAndRelease(t *testing.T) {
	f := newFixture(t)
	f.reader.escrows = []string{escrowAddr, "0x00000000000000000000000000000000000000e2"}
	f.reader.set(escrowAddr, 500)
	r := f.reconciler(t)
	ctx := context.Background()

	report, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Escrows != 2 || report.EscrowLocked.Int64() != 500 {
		t.Fatalf("unexpected escrow report %+v", report)
	}
	snap := r.Snapshot()
	if snap.Escrows[escrowAddr].Status != EscrowLocked {
		t.Fatalf("expected locked escrow, got %s", snap.Escrows[escrowAddr].Status)
	}
	if snap.Escrows["0x00000000000000000000000000000000000000e2"].Status != EscrowEmpty {
		t.Fatalf("expected empty escrow")
	}

	f.reader.set(escrowAddr, 0)
	report, err = r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Released != 1 || report.EscrowLocked.Sign() != 0 {
		t.Fatalf("expected release to be detected, got %+v", report)
	}
	if r.Snapshot().Escrows[escrowAddr].Status != EscrowReleased {
		t.Fatalf("expected released status")
	}
}

func TestFailedTransactionWithholdsUnlockUntilCleared(t *testing.T) {
	f := newFixture(t)
	f.reader.txs = []web3.TxStatus{
		{Hash: "0xok", Failed: false},
		{Hash: "0xbad", Failed: true, BlockNumber: 12},
	}
	r := f.reconciler(t)
	ctx := context.Background()

	report, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Anomalies != 1 || report.NewAnomalies != 1 || report.Unlocked {
		t.Fatalf("expected one anomaly and a locked signal, got %+v", report)
	}
	if f.sink.Unlocked("treasury") {
		t.Fatalf("signal must stay locked while anomalies exist")
	}
	if len(f.alerts.Events) != 1 || f.alerts.Events[0].Code != xerrors.CodeAnomaly {
		t.Fatalf("expected anomaly alert, got %+v", f.alerts.Events)
	}

	// 重复扫描同一笔交易不会重复记录，信号持续锁定。
	for i := 0; i < 3; i++ {
		report, err = r.RunCycle(ctx)
		if err != nil {
			t.Fatalf("cycle: %v", err)
		}
		if report.Anomalies != 1 || report.NewAnomalies != 0 || report.Unlocked {
			t.Fatalf("re-scan must be idempotent, got %+v", report)
		}
	}
	if len(f.publisher.OfType(events.AnomalyRecorded)) != 1 {
		t.Fatalf("expected a single anomaly event")
	}

	if _, err := r.ClearAnomalies(ctx, "", "reviewed"); !xerrors.IsKind(err, xerrors.KindValidation) {
		t.Fatalf("expected validation error without operator, got %v", err)
	}
	n, err := r.ClearAnomalies(ctx, "ops@example.com", "refund confirmed manually")
	if err != nil || n != 1 {
		t.Fatalf("clear anomalies: n=%d err=%v", n, err)
	}

	report, err = r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !report.Unlocked || !f.sink.Unlocked("treasury") {
		t.Fatalf("expected unlock after acknowledgement, got %+v", report)
	}
	snap := r.Snapshot()
	if len(snap.Acknowledged) != 1 || snap.Acknowledged[0].Operator != "ops@example.com" {
		t.Fatalf("unexpected acknowledgements %+v", snap.Acknowledged)
	}
}

func TestReadFailureLocksSignal(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(t)
	ctx := context.Background()
	if _, err := r.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !f.sink.Unlocked("treasury") {
		t.Fatalf("expected unlocked signal")
	}

	f.reader.err = errors.New("rpc unavailable")
	if _, err := r.RunCycle(ctx); !xerrors.IsKind(err, xerrors.KindExternal) {
		t.Fatalf("expected external error, got %v", err)
	}
	if f.sink.Unlocked("treasury") {
		t.Fatalf("signal must fail closed")
	}
}

func TestLedgerPersistsAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	f.reader.txs = []web3.TxStatus{{Hash: "0xbad", Failed: true}}
	r := f.reconciler(t)
	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	for _, key := range []string{"created", "lastScan", "treasury", "agents", "escrows", "anomalies", "acknowledged", "totals"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("ledger file missing key %q", key)
		}
	}
	entries, _ := os.ReadDir(filepath.Dir(f.path))
	if len(entries) != 1 {
		t.Fatalf("temporary files should not be left behind, found %d entries", len(entries))
	}

	restarted := f.reconciler(t)
	snap := restarted.Snapshot()
	if len(snap.Anomalies) != 1 || snap.Treasury.Balance.Int64() != 1000 {
		t.Fatalf("expected state to survive restart, got %+v", snap)
	}
	report, err := restarted.RunCycle(context.Background())
	if err != nil || report.NewAnomalies != 0 || report.Unlocked {
		t.Fatalf("reloaded anomalies must still lock the signal, report=%+v err=%v", report, err)
	}
}

func TestClearAnomaliesFileIsPickedUpByRunningReconciler(t *testing.T) {
	f := newFixture(t)
	f.reader.txs = []web3.TxStatus{{Hash: "0xbad", Failed: true}}
	r := f.reconciler(t)
	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// 确保文件修改时间发生变化。
	time.Sleep(20 * time.Millisecond)
	n, err := ClearAnomaliesFile(f.path, "ops", "verified off-chain", time.Now())
	if err != nil || n != 1 {
		t.Fatalf("clear file: n=%d err=%v", n, err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(f.path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	report, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !report.Unlocked || report.NewAnomalies != 0 {
		t.Fatalf("expected acknowledged anomaly to stay cleared, got %+v", report)
	}
}

func TestAgentReadFailureSkipsAccountButStillScans(t *testing.T) {
	f := newFixture(t)
	f.reader.failing = map[string]error{agentAddr: errors.New("rpc unavailable")}
	f.reader.txs = []web3.TxStatus{{Hash: "0xbad", Failed: true}}
	r := f.reconciler(t)

	report, err := r.RunCycle(context.Background())
	if !xerrors.IsKind(err, xerrors.KindExternal) {
		t.Fatalf("expected external error, got %v", err)
	}
	if xerrors.SeverityOf(err) != xerrors.SeverityCritical {
		t.Fatalf("read failures should be critical, got %s", xerrors.SeverityOf(err))
	}
	if report.ReadFailures != 1 || report.NewAnomalies != 1 || report.Anomalies != 1 || report.Unlocked {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.sink.Unlocked("treasury") {
		t.Fatalf("signal must stay locked while an account is unreadable")
	}

	ledger, err := LoadLedger(f.path)
	if err != nil {
		t.Fatalf("ledger should be persisted despite the failed read: %v", err)
	}
	if len(ledger.Anomalies) != 1 || ledger.Anomalies[0].Reference != "0xbad" {
		t.Fatalf("expected failed transaction recorded, got %+v", ledger.Anomalies)
	}
	if ledger.Treasury.Balance == nil || ledger.Treasury.Balance.Int64() != 1000 {
		t.Fatalf("treasury baseline should be recorded, got %v", ledger.Treasury.Balance)
	}
	if len(f.alerts.Events) == 0 {
		t.Fatalf("expected anomaly alert")
	}
}

func TestStalledReadTimesOut(t *testing.T) {
	f := newFixture(t)
	f.reader.stalled = map[string]bool{agentAddr: true}
	r := f.reconcilerWithConfig(t, Config{CallTimeout: 20 * time.Millisecond})

	done := make(chan struct{})
	var (
		report Report
		err    error
	)
	go func() {
		defer close(done)
		report, err = r.RunCycle(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cycle should not hang on a stalled read")
	}

	if report.ReadFailures != 1 || report.Unlocked {
		t.Fatalf("unexpected report %+v", report)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in error chain, got %v", err)
	}
	if !errors.Is(err, xerrors.New(xerrors.CodeTimeout, "")) {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestClearDuringCycleIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	f.reader.txs = []web3.TxStatus{{Hash: "0xbad", Failed: true}}
	r := f.reconciler(t)
	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	cleared := 0
	f.reader.beforeScan = func() {
		f.reader.beforeScan = nil
		n, err := ClearAnomaliesFile(f.path, "ops", "verified off-chain", time.Now())
		if err != nil {
			t.Errorf("clear file: %v", err)
		}
		cleared = n
	}
	report, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected one anomaly cleared, got %d", cleared)
	}
	if report.Anomalies != 0 || !report.Unlocked {
		t.Fatalf("acknowledgement written mid-cycle must survive, got %+v", report)
	}

	ledger, err := LoadLedger(f.path)
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if len(ledger.Anomalies) != 0 || len(ledger.Acknowledged) != 1 || ledger.Acknowledged[0].Operator != "ops" {
		t.Fatalf("unexpected ledger state anomalies=%+v acknowledged=%+v", ledger.Anomalies, ledger.Acknowledged)
	}
}
