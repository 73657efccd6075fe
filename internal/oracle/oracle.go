package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/events"
	"BountyMesh/internal/llm"
	"BountyMesh/internal/market"
	"BountyMesh/internal/observability/alerting"
	"BountyMesh/internal/signal"
	"BountyMesh/internal/web3"
	"BountyMesh/pkg/logger"
)

// Fetcher 读取外部内容。实现应尽量容错：部分失败时返回已取得的条目。
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]llm.ContentItem, error)
}

// Registry 是预言机依赖的智能体存储能力。
type Registry interface {
	PendingVerification(ctx context.Context) ([]*market.Agent, error)
	ApplyVerification(ctx context.Context, result market.VerificationResult, threshold int) (*market.Agent, error)
}

// SelfCheck 描述每轮都会重新验证的固定目标。
type SelfCheck struct {
	ContentRef string
	Threshold  int
	Identity   string
}

// Config 控制一轮验证的并发与资源上限。
type Config struct {
	Concurrency  int
	AgentTimeout time.Duration
	Limits       Limits
	Threshold    int
	SelfCheck    SelfCheck
}

// Outcome 是单个智能体在本轮的处理结果。
type Outcome string

const (
	OutcomeVerified    Outcome = "verified"
	OutcomeScored      Outcome = "scored"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
	OutcomeChainFailed Outcome = "chain_failed"
)

// CycleReport 汇总一轮验证。
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Pending   int
	Outcomes  map[Outcome]int
	Gate      *GateState
}

// Count 返回某种结果的数量。
func (r CycleReport) Count(outcome Outcome) int {
	return r.Outcomes[outcome]
}

// GateState 是自检目标驱动的开关状态。未执行过自检时视为锁定。
type GateState struct {
	Identity  string    `json:"identity"`
	Unlocked  bool      `json:"unlocked"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

var errNoContent = errors.New("没有可用的外部内容")

// Oracle 周期性地为待验证的智能体评分。
type Oracle struct {
	registry  Registry
	fetcher   Fetcher
	analyzer  llm.Analyzer
	writer    web3.VerificationWriter
	sink      signal.Sink
	publisher events.Publisher
	alerts    alerting.Dispatcher
	cfg       Config
	now       func() time.Time

	mu   sync.RWMutex
	gate GateState
	log  *slog.Logger
}

// Option 配置 Oracle。
type Option func(*Oracle)

// WithWriter 启用链上写回。
func WithWriter(writer web3.VerificationWriter) Option {
	return func(o *Oracle) { o.writer = writer }
}

// WithSignalSink 设置自检开关的发布目标。
func WithSignalSink(sink signal.Sink) Option {
	return func(o *Oracle) { o.sink = sink }
}

// WithPublisher 设置领域事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Oracle) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(o *Oracle) { o.alerts = alerts }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建预言机。
func New(registry Registry, fetcher Fetcher, analyzer llm.Analyzer, cfg Config, opts ...Option) (*Oracle, error) {
	if registry == nil || fetcher == nil || analyzer == nil {
		return nil, errors.New("预言机缺少必需的依赖")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 60 * time.Second
	}
	cfg.Limits = cfg.Limits.withDefaults()
	cfg.Threshold = market.ClampScore(cfg.Threshold)
	if cfg.SelfCheck.Identity == "" {
		cfg.SelfCheck.Identity = "oracle-self-check"
	}

	o := &Oracle{
		registry:  registry,
		fetcher:   fetcher,
		analyzer:  analyzer,
		publisher: events.Nop{},
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Named("oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.gate = GateState{Identity: cfg.SelfCheck.Identity, Reason: "not checked"}
	return o, nil
}

// Gate 返回最近一次自检得到的开关状态。
func (o *Oracle) Gate() GateState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gate
}

// RunCycle 执行一轮验证。单个智能体的失败只计入报告，不会中断整轮。
func (o *Oracle) RunCycle(ctx context.Context) CycleReport {
	start := o.now()
	report := CycleReport{StartedAt: start, Outcomes: make(map[Outcome]int)}

	if o.cfg.SelfCheck.ContentRef != "" {
		gate := o.runSelfCheck(ctx)
		report.Gate = &gate
	}

	pending, err := o.registry.PendingVerification(ctx)
	if err != nil {
		o.log.Error("读取待验证智能体失败", slog.Any("error", err))
		report.Duration = o.now().Sub(start)
		return report
	}
	report.Pending = len(pending)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.cfg.Concurrency)
	for _, agent := range pending {
		if ctx.Err() != nil {
			break
		}
		agent := agent
		g.Go(func() error {
			outcome := o.processAgent(ctx, agent)
			mu.Lock()
			report.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = o.now().Sub(start)
	o.log.Info("信誉验证周期完成",
		slog.Int("pending", report.Pending),
		slog.Int("verified", report.Count(OutcomeVerified)),
		slog.Int("scored", report.Count(OutcomeScored)),
		slog.Int("skipped", report.Count(OutcomeSkipped)),
		slog.Int("failed", report.Count(OutcomeFailed)+report.Count(OutcomeChainFailed)),
		slog.Duration("duration", report.Duration))
	return report
}

func (o *Oracle) processAgent(ctx context.Context, agent *market.Agent) Outcome {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	log := o.log.With(slog.String("agent_id", agent.ID))
	result, err := o.evaluate(ctx, agent.ID, agent.ContentRef)
	if errors.Is(err, errNoContent) {
		log.Info("外部内容为空，跳过本轮验证")
		return OutcomeSkipped
	}
	if err != nil {
		log.Warn("智能体验证失败", slog.Any("error", err))
		return OutcomeFailed
	}

	if o.writer != nil {
		tx, err := o.writer.WriteVerification(ctx, agent.Wallet, result.Score, result.Specialties)
		if err != nil {
			// 链上写入失败时保持未验证，下一轮重试。
			log.Error("链上写入验证结果失败", slog.Any("error", err))
			return OutcomeChainFailed
		}
		log.Info("验证结果已上链", slog.String("tx", tx))
	}

	updated, err := o.registry.ApplyVerification(ctx, result, o.cfg.Threshold)
	if err != nil {
		log.Error("保存验证结果失败", slog.Any("error", err))
		return OutcomeFailed
	}
	if updated.Verified {
		return OutcomeVerified
	}
	return OutcomeScored
}

// evaluate 执行抓取、清洗、分析与校验流水线。
func (o *Oracle) evaluate(ctx context.Context, subject, ref string) (market.VerificationResult, error) {
	raw, err := o.fetcher.Fetch(ctx, ref)
	if err != nil && len(raw) == 0 {
		return market.VerificationResult{}, xerrors.Wrap(xerrors.CodeExternalService, err, "抓取外部内容失败")
	}
	items := boundItems(raw, o.cfg.Limits)
	if len(items) == 0 {
		return market.VerificationResult{}, errNoContent
	}

	analysis, err := o.analyzer.Analyze(ctx, llm.AnalysisRequest{Subject: subject, Items: items})
	if err != nil {
		return market.VerificationResult{}, xerrors.Wrap(xerrors.CodeExternalService, err, "内容分析失败")
	}
	return ValidateAnalysis(subject, analysis, o.now().Unix()), nil
}

func (o *Oracle) runSelfCheck(ctx context.Context) GateState {
	sc := o.cfg.SelfCheck
	checkCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	gate := GateState{Identity: sc.Identity, CheckedAt: o.now().UTC()}
	result, err := o.evaluate(checkCtx, sc.Identity, sc.ContentRef)
	switch {
	case err != nil:
		gate.Reason = fmt.Sprintf("self-check failed: %v", err)
	case result.Score >= sc.Threshold:
		gate.Unlocked = true
		gate.Score = result.Score
		gate.Reason = "score meets threshold"
	default:
		gate.Score = result.Score
		gate.Reason = fmt.Sprintf("score %d below threshold %d", result.Score, sc.Threshold)
	}

	o.mu.Lock()
	previous := o.gate
	o.gate = gate
	o.mu.Unlock()

	if o.sink != nil {
		if err := o.sink.Publish(ctx, signal.State{
			Identity:  gate.Identity,
			Unlocked:  gate.Unlocked,
			Reason:    gate.Reason,
			UpdatedAt: gate.CheckedAt,
		}); err != nil {
			o.log.Error("发布自检开关失败", slog.Any("error", err))
		}
	}

	if previous.Unlocked != gate.Unlocked || previous.CheckedAt.IsZero() {
		o.log.Info("自检开关状态变化",
			slog.String("identity", gate.Identity),
			slog.Bool("unlocked", gate.Unlocked),
			slog.String("reason", gate.Reason))
		event := events.New(events.GateChanged, gate.Identity, map[string]string{
			"unlocked": strconv.FormatBool(gate.Unlocked),
			"score":    strconv.Itoa(gate.Score),
			"source":   "oracle",
		})
		if err := o.publisher.Publish(ctx, event); err != nil {
			o.log.Warn("发布领域事件失败", slog.Any("error", err))
		}
	}
	if previous.Unlocked && !gate.Unlocked && o.alerts != nil {
		if err := o.alerts.Notify(ctx, alerting.Event{
			Code:     xerrors.CodeStateConflict,
			Message:  "self-check gate locked: " + gate.Reason,
			Severity: xerrors.SeverityWarning,
			Subject:  gate.Identity,
		}); err != nil {
			o.log.Warn("告警发送失败", slog.Any("error", err))
		}
	}
	return gate
}
