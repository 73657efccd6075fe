package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"BountyMesh/internal/config"
	"BountyMesh/internal/events"
	"BountyMesh/internal/llm"
	"BountyMesh/internal/llm/openai"
	"BountyMesh/internal/llm/scriptbridge"
	"BountyMesh/internal/market"
	"BountyMesh/internal/observability/alerting"
	"BountyMesh/internal/observability/metrics"
	"BountyMesh/internal/oracle"
	"BountyMesh/internal/oracle/github"
	"BountyMesh/internal/reconcile"
	"BountyMesh/internal/scheduler"
	"BountyMesh/internal/signal"
	"BountyMesh/internal/storage/mysql"
	redisstore "BountyMesh/internal/storage/redis"
	"BountyMesh/internal/web3"
	"BountyMesh/internal/web3/provider"
	"BountyMesh/pkg/logger"
)

const marketStatsInterval = 30 * time.Second

// abortWait 是宽限期结束并中止周期后，等待周期退出的最长时间。
var abortWait = 5 * time.Second

// daemon 持有守护进程运行期间的全部组件。
type daemon struct {
	cfg *config.Config

	store     market.Store
	publisher events.Publisher
	alerts    alerting.Dispatcher
	ledger    *market.Ledger
	registry  *market.Registry
	treasury  *market.Treasury

	metrics *metrics.Metrics
	signals *signal.Memory
	sink    signal.Sink
	locker  scheduler.Locker

	oracle     *oracle.Oracle
	reconciler *reconcile.Reconciler
	loops      []*scheduler.Loop

	// abortCtx 在停机宽限期耗尽后取消，强制结束进行中的周期。
	abortCtx context.Context
	abort    context.CancelFunc

	closers []func() error
}

func newDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, metrics: metrics.New(), signals: signal.NewMemory()}
	d.abortCtx, d.abort = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.store.Close)

	if d.publisher, err = openPublisher(cfg.Events); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.publisher.Close)
	d.alerts = newAlerts(cfg.Alerting)

	marketOpts := []market.Option{
		market.WithPublisher(d.publisher),
		market.WithAlerts(d.alerts),
		market.WithMaxBounty(cfg.Market.MaxBounty),
		market.WithReputationDelta(cfg.Market.ReputationDelta),
		market.WithRevenueShare(cfg.Market.RevenueShare),
	}
	d.ledger = market.NewLedger(d.store, marketOpts...)
	d.registry = market.NewRegistry(d.store, marketOpts...)
	d.treasury = market.NewTreasury(d.store, d.ledger, marketOpts...)

	sinks := signal.Multi{d.signals}
	if cfg.Storage.Redis.Address != "" {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		d.locker = scheduler.NewRedisLocker(client, cfg.Storage.Redis.KeyPrefix)
		sinks = append(sinks, signal.NewRedis(client, cfg.Storage.Redis.KeyPrefix))
	} else {
		d.locker = scheduler.NewMemoryLocker()
	}
	d.sink = sinks

	if cfg.Oracle.Enabled || cfg.Reconciler.Enabled {
		if err := d.wireChain(ctx); err != nil {
			return nil, err
		}
	}

	d.loops = append(d.loops, scheduler.New("market-stats", marketStatsInterval, d.refreshMarket,
		scheduler.WithObserver(d.metrics.ObserveCycle),
		scheduler.WithCycleTimeout(10*time.Second),
		scheduler.WithAbort(d.abortCtx),
	))
	return d, nil
}

func (d *daemon) wireChain(ctx context.Context) error {
	cfg := d.cfg
	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() error {
		chains.Close()
		return nil
	})
	chain, err := chains.Default()
	if err != nil {
		return err
	}

	if cfg.Oracle.Enabled {
		analyzer, err := newAnalyzer(cfg.LLM)
		if err != nil {
			return err
		}
		o := cfg.Oracle
		fetcher := github.NewFetcher(github.Config{
			BaseURL:           o.GitHub.BaseURL,
			Token:             os.Getenv(o.GitHub.TokenEnv),
			RequestsPerSecond: o.GitHub.RequestsPerSecond,
			Burst:             o.GitHub.Burst,
			MaxItems:          o.MaxItems,
			MaxItemBytes:      o.MaxItemBytes,
			Timeout:           config.Seconds(o.AgentTimeoutSeconds),
		})
		d.oracle, err = oracle.New(d.registry, fetcher, analyzer, oracle.Config{
			Concurrency:  o.Concurrency,
			AgentTimeout: config.Seconds(o.AgentTimeoutSeconds),
			Limits: oracle.Limits{
				MaxItems:      o.MaxItems,
				MaxItemBytes:  o.MaxItemBytes,
				MaxTotalBytes: o.MaxTotalBytes,
			},
			Threshold: o.Threshold,
			SelfCheck: oracle.SelfCheck{
				ContentRef: o.SelfCheck.ContentRef,
				Threshold:  o.SelfCheck.Threshold,
				Identity:   o.SelfCheck.Identity,
			},
		},
			oracle.WithWriter(verificationWriter(chain)),
			oracle.WithSignalSink(d.sink),
			oracle.WithPublisher(d.publisher),
			oracle.WithAlerts(d.alerts),
		)
		if err != nil {
			return err
		}
		d.loops = append(d.loops, scheduler.New("oracle", config.Seconds(o.IntervalSeconds), d.verifyAgents, d.cycleOptions()...))
	}

	if cfg.Reconciler.Enabled {
		r := cfg.Reconciler
		d.reconciler, err = reconcile.New(chain, reconcile.Config{
			TreasuryAddress: r.TreasuryAddress,
			Agents:          r.Agents,
			LedgerPath:      r.LedgerPath,
			UnlockIdentity:  r.UnlockIdentity,
			TxScanLimit:     cfg.Web3.TxScanDepth,
			CallTimeout:     config.Seconds(r.CallTimeoutSeconds),
		},
			reconcile.WithSignalSink(d.sink),
			reconcile.WithPublisher(d.publisher),
			reconcile.WithAlerts(d.alerts),
		)
		if err != nil {
			return err
		}
		d.loops = append(d.loops, scheduler.New("reconciler", config.Seconds(r.IntervalSeconds), d.reconcileFunds, d.cycleOptions()...))
	}
	return nil
}

// verificationWriter 在链客户端缺少签名或注册合约时返回 nil，预言机此时只在本地记录评分。
func verificationWriter(chain web3.Ledger) web3.VerificationWriter {
	if !web3.Writable(chain) {
		logger.L().Warn("链上写入未启用，验证结果仅保存在本地", "error", web3.ErrWriterDisabled)
		return nil
	}
	return chain
}

func (d *daemon) cycleOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithObserver(d.metrics.ObserveCycle),
		scheduler.WithCycleTimeout(config.Seconds(d.cfg.Runtime.CycleTimeoutSeconds)),
		scheduler.WithLocker(d.locker, config.Seconds(d.cfg.Runtime.LockTTLSeconds)),
		scheduler.WithAbort(d.abortCtx),
	}
}

func (d *daemon) verifyAgents(ctx context.Context) error {
	report := d.oracle.RunCycle(ctx)
	for outcome, n := range report.Outcomes {
		d.metrics.AddVerifications(string(outcome), n)
	}
	if report.Gate != nil {
		d.metrics.SetSignal(report.Gate.Identity, report.Gate.Unlocked)
	}
	failed := report.Count(oracle.OutcomeFailed) + report.Count(oracle.OutcomeChainFailed)
	if report.Pending > 0 && failed == report.Pending {
		return fmt.Errorf("本轮 %d 个智能体全部验证失败", failed)
	}
	return nil
}

func (d *daemon) reconcileFunds(ctx context.Context) error {
	report, err := d.reconciler.RunCycle(ctx)
	locked := 0.0
	if report.EscrowLocked != nil {
		locked, _ = new(big.Float).SetInt(report.EscrowLocked).Float64()
	}
	d.metrics.SetReconcile(report.Anomalies, locked)
	d.metrics.SetSignal(d.cfg.Reconciler.UnlockIdentity, err == nil && report.Unlocked)
	return err
}

func (d *daemon) refreshMarket(ctx context.Context) error {
	stats, err := d.registry.Stats(ctx)
	if err != nil {
		return err
	}
	d.metrics.SetMarket(stats)
	return nil
}

func (d *daemon) health(ctx context.Context) (any, error) {
	stats, err := d.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"market": stats}
	if d.oracle != nil {
		body["oracle_gate"] = d.oracle.Gate()
	}
	if d.reconciler != nil {
		snapshot := d.reconciler.Snapshot()
		body["reconciler"] = map[string]any{
			"last_scan": snapshot.LastScan,
			"anomalies": len(snapshot.Anomalies),
			"unlocked":  d.signals.Unlocked(d.cfg.Reconciler.UnlockIdentity),
		}
	}
	return body, nil
}

// run 启动指标服务与全部周期任务。ctx 结束后最多等待 shutdown_grace_seconds
// 让进行中的周期完成，超时则中止周期；周期仍未退出时不再关闭组件。
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	mux := metrics.NewMux(d.metrics, d.health)
	g.Go(func() error {
		return metrics.StartServer(gctx, d.cfg.Server.MetricsAddress, mux)
	})
	for _, loop := range d.loops {
		loop := loop
		g.Go(func() error { return loop.Run(gctx) })
	}
	logger.L().Info("bountymeshd 已启动",
		"metrics", d.cfg.Server.MetricsAddress,
		"loops", len(d.loops),
		"oracle", d.oracle != nil,
		"reconciler", d.reconciler != nil,
	)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	grace := config.Seconds(d.cfg.Runtime.ShutdownGraceSeconds)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		logger.L().Info("bountymeshd 已停止")
		return err
	case <-timer.C:
	}

	logger.L().Warn("停机宽限期耗尽，中止进行中的周期", "grace", grace)
	d.abort()
	select {
	case <-done:
	case <-time.After(abortWait):
		// 周期仍持有存储与链客户端，关闭它们会让周期在已释放的资源上继续运行。
		logger.L().Error("周期未响应中止，跳过组件关闭", "wait", abortWait)
		d.closers = nil
	}
	return fmt.Errorf("等待进行中的周期超时 (%s)", grace)
}

func (d *daemon) close() {
	if d.abort != nil {
		d.abort()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.L().Warn("关闭组件失败", "error", err)
		}
	}
	d.closers = nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (market.Store, error) {
	switch cfg.Driver {
	case "memory":
		return market.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(cfg.ConnMaxLifetimeSeconds),
			ConnMaxIdleTime: config.Seconds(cfg.ConnMaxIdleTimeSeconds),
		})
		if err != nil {
			return nil, err
		}
		return market.NewMySQLStore(db), nil
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func openPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "none":
		return events.Nop{}, nil
	case "memory":
		return events.NewMemoryPublisher(), nil
	case "rabbitmq":
		publisher, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: config.Seconds(cfg.WebhookTimeoutSeconds)},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func newAnalyzer(cfg config.LLMConfig) (llm.Analyzer, error) {
	switch cfg.Provider {
	case "openai":
		key := os.Getenv(cfg.OpenAI.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("环境变量 %s 未设置", cfg.OpenAI.APIKeyEnv)
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:      key,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			Timeout:     config.Seconds(cfg.OpenAI.TimeoutSeconds),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "script_bridge":
		client, err := scriptbridge.NewClient(scriptbridge.Config{
			Executable: cfg.ScriptBridge.Executable,
			Args:       cfg.ScriptBridge.Args,
			ScriptPath: cfg.ScriptBridge.ScriptPath,
			WorkingDir: cfg.ScriptBridge.WorkingDir,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, errors.New("未知的分析器: " + cfg.Provider)
	}
}
