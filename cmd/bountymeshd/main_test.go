package main

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"BountyMesh/internal/config"
	"BountyMesh/internal/events"
	"BountyMesh/internal/market"
	"BountyMesh/internal/observability/metrics"
	"BountyMesh/internal/reconcile"
	"BountyMesh/internal/scheduler"
	"BountyMesh/internal/signal"
	"BountyMesh/internal/web3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bountymesh.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func seedLedger(t *testing.T, path string) {
	t.Helper()
	ledger := reconcile.NewLedger(time.Unix(1_700_000_000, 0), "0xtreasury")
	ledger.Anomalies = append(ledger.Anomalies,
		reconcile.Anomaly{Timestamp: time.Unix(1_700_000_100, 0), Type: "failed_transaction", Reference: "0xaaa"},
		reconcile.Anomaly{Timestamp: time.Unix(1_700_000_200, 0), Type: "failed_transaction", Reference: "0xbbb"},
	)
	if err := reconcile.SaveLedger(path, ledger); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

func TestAnomaliesListAndClear(t *testing.T) {
	cfgPath := writeConfig(t, `{"reconciler": {"ledger_path": "fund-ledger.json"}}`)
	ledgerPath := filepath.Join(filepath.Dir(cfgPath), "fund-ledger.json")
	seedLedger(t, ledgerPath)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run([]string{"bountymeshd", "--config", cfgPath, "anomalies", "list"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "0xaaa") || !strings.Contains(out.String(), "0xbbb") {
		t.Fatalf("list output missing anomalies: %s", out.String())
	}

	out.Reset()
	app = newApp()
	app.Writer = &out
	args := []string{"bountymeshd", "--config", cfgPath, "anomalies", "clear", "--operator", "ops", "--reason", "verified manually"}
	if err := app.Run(args); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !strings.Contains(out.String(), "2") {
		t.Fatalf("unexpected clear output: %s", out.String())
	}

	ledger, err := reconcile.LoadLedger(ledgerPath)
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	if len(ledger.Anomalies) != 0 || len(ledger.Acknowledged) != 2 {
		t.Fatalf("expected anomalies acknowledged, got %d open / %d acked", len(ledger.Anomalies), len(ledger.Acknowledged))
	}
	if ledger.Acknowledged[0].Operator != "ops" {
		t.Fatalf("unexpected operator %q", ledger.Acknowledged[0].Operator)
	}
}

func TestAnomaliesClearRequiresReason(t *testing.T) {
	cfgPath := writeConfig(t, `{}`)
	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ErrWriter = &bytes.Buffer{}
	if err := app.Run([]string{"bountymeshd", "--config", cfgPath, "anomalies", "clear", "--operator", "ops"}); err == nil {
		t.Fatalf("expected missing reason to fail")
	}
}

func TestNewDaemonMemoryDeployment(t *testing.T) {
	cfgPath := writeConfig(t, `{"storage": {"driver": "memory"}, "events": {"driver": "memory"}}`)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	if d.oracle != nil || d.reconciler != nil {
		t.Fatalf("chain components must stay disabled")
	}
	if len(d.loops) != 1 || d.loops[0].Name() != "market-stats" {
		t.Fatalf("unexpected loops: %d", len(d.loops))
	}

	if _, err := d.registry.RegisterAgent(ctx, market.RegisterAgentRequest{
		Name:   "Agent One",
		Wallet: "0x00000000000000000000000000000000000000a1",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := d.refreshMarket(ctx); err != nil {
		t.Fatalf("refresh market: %v", err)
	}

	body, err := d.health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	stats := body.(map[string]any)["market"].(market.Stats)
	if stats.Agents != 1 {
		t.Fatalf("expected 1 agent in health, got %d", stats.Agents)
	}

	recorder, ok := d.publisher.(*events.MemoryPublisher)
	if !ok {
		t.Fatalf("expected memory publisher, got %T", d.publisher)
	}
	if len(recorder.Events()) == 0 {
		t.Fatalf("expected registration event to be published")
	}
}

func TestOpenPublisherRejectsUnknownDriver(t *testing.T) {
	if _, err := openPublisher(config.EventsConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestNewAnalyzerRequiresAPIKey(t *testing.T) {
	t.Setenv("BOUNTYMESH_TEST_OPENAI_KEY", "")
	_, err := newAnalyzer(config.LLMConfig{
		Provider: "openai",
		OpenAI:   config.OpenAIConfig{APIKeyEnv: "BOUNTYMESH_TEST_OPENAI_KEY"},
	})
	if err == nil {
		t.Fatalf("expected missing key error")
	}

	t.Setenv("BOUNTYMESH_TEST_OPENAI_KEY", "sk-test")
	if _, err := newAnalyzer(config.LLMConfig{
		Provider: "openai",
		OpenAI:   config.OpenAIConfig{APIKeyEnv: "BOUNTYMESH_TEST_OPENAI_KEY", Model: "gpt-4o-mini"},
	}); err != nil {
		t.Fatalf("openai analyzer: %v", err)
	}
}

type chainStub struct {
	writable bool
}

func (c chainStub) BalanceAt(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }
func (c chainStub) RecentTransactions(context.Context, string, int) ([]web3.TxStatus, error) {
	return nil, nil
}
func (c chainStub) ProgramAccounts(context.Context) ([]string, error) { return nil, nil }
func (c chainStub) WriteVerification(context.Context, string, int, string) (string, error) {
	if !c.writable {
		return "", web3.ErrWriterDisabled
	}
	return "0xabc", nil
}
func (c chainStub) Close()         {}
func (c chainStub) CanWrite() bool { return c.writable }

func TestVerificationWriterSkipsReadOnlyChain(t *testing.T) {
	if w := verificationWriter(chainStub{}); w != nil {
		t.Fatalf("read-only chain must not be used as writer, got %T", w)
	}
	if w := verificationWriter(chainStub{writable: true}); w == nil {
		t.Fatalf("writable chain should be passed through")
	}
}

// shutdownDaemon 构造一个只含单个周期任务的守护进程，宽限期为零。
func shutdownDaemon(job scheduler.Job) (*daemon, *atomic.Bool) {
	cfg := &config.Config{}
	cfg.Server.MetricsAddress = "127.0.0.1:0"
	d := &daemon{cfg: cfg, metrics: metrics.New(), signals: signal.NewMemory()}
	d.abortCtx, d.abort = context.WithCancel(context.Background())
	d.loops = []*scheduler.Loop{scheduler.New("reconciler", time.Hour, job, scheduler.WithAbort(d.abortCtx))}
	closed := &atomic.Bool{}
	d.closers = append(d.closers, func() error {
		closed.Store(true)
		return nil
	})
	return d, closed
}

func TestRunAbortsCycleAfterGrace(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	d, closed := shutdownDaemon(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected grace timeout error")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return")
	}
	if !sawCancel.Load() {
		t.Fatalf("in-flight cycle should be aborted once the grace period expires")
	}
	d.close()
	if !closed.Load() {
		t.Fatalf("components should be closed after the cycle exited")
	}
}

func TestRunKeepsComponentsOpenForStuckCycle(t *testing.T) {
	previous := abortWait
	abortWait = 20 * time.Millisecond
	t.Cleanup(func() { abortWait = previous })

	started := make(chan struct{})
	release := make(chan struct{})
	d, closed := shutdownDaemon(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected grace timeout error")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return")
	}
	d.close()
	if closed.Load() {
		t.Fatalf("components still used by a running cycle must not be closed")
	}
}
