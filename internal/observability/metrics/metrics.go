package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"BountyMesh/internal/market"
)

const namespace = "bountymesh"

// Metrics 持有进程内所有指标。每个实例使用独立的 Registry，便于测试。
type Metrics struct {
	registry *prometheus.Registry

	cycleDuration *prometheus.HistogramVec
	cycles        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	anomalies     prometheus.Gauge
	escrowOnChain prometheus.Gauge
	gates         *prometheus.GaugeVec
	tasks         *prometheus.GaugeVec
	agents        *prometheus.GaugeVec
	escrowLedger  prometheus.Gauge
	treasury      prometheus.Gauge
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of background cycles.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"loop"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Background cycles by result.",
		}, []string{"loop", "result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_verifications_total",
			Help:      "Per-agent oracle outcomes.",
		}, []string{"outcome"}),
		anomalies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_anomalies",
			Help:      "Outstanding reconciliation anomalies.",
		}),
		escrowOnChain: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_escrow_locked",
			Help:      "Sum of escrow program account balances observed on chain.",
		}),
		gates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_unlocked",
			Help:      "1 when the signal for the identity is unlocked.",
		}, []string{"identity"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_tasks",
			Help:      "Tasks by status.",
		}, []string{"status"}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_agents",
			Help:      "Registered agents by verification state.",
		}, []string{"verified"}),
		escrowLedger: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_escrow_locked",
			Help:      "Bounty amount currently locked in task escrows.",
		}),
		treasury: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_treasury_total",
			Help:      "Sum of community treasury balances.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycleDuration, m.cycles, m.verifications, m.anomalies, m.escrowOnChain,
		m.gates, m.tasks, m.agents, m.escrowLedger, m.treasury,
	)
	return m
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle 的签名与 scheduler.Observer 一致。
func (m *Metrics) ObserveCycle(loop string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycleDuration.WithLabelValues(loop).Observe(duration.Seconds())
	m.cycles.WithLabelValues(loop, result).Inc()
}

// AddVerifications 累加预言机各结果的数量。
func (m *Metrics) AddVerifications(outcome string, n int) {
	if n > 0 {
		m.verifications.WithLabelValues(outcome).Add(float64(n))
	}
}

// SetReconcile 记录对账结果。
func (m *Metrics) SetReconcile(anomalies int, escrowLocked float64) {
	m.anomalies.Set(float64(anomalies))
	m.escrowOnChain.Set(escrowLocked)
}

// SetSignal 记录解锁信号状态。
func (m *Metrics) SetSignal(identity string, unlocked bool) {
	value := 0.0
	if unlocked {
		value = 1
	}
	m.gates.WithLabelValues(identity).Set(value)
}

// SetMarket 使用存储统计刷新市场指标。
func (m *Metrics) SetMarket(stats market.Stats) {
	for status, count := range stats.TasksByStatus {
		m.tasks.WithLabelValues(string(status)).Set(float64(count))
	}
	m.agents.WithLabelValues("true").Set(float64(stats.VerifiedAgents))
	m.agents.WithLabelValues("false").Set(float64(stats.Agents - stats.VerifiedAgents))
	m.escrowLedger.Set(float64(stats.EscrowLocked))
	m.treasury.Set(float64(stats.TreasuryTotal))
}

// Handler exposes the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
