package market

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"BountyMesh/internal/events"
	"BountyMesh/internal/observability/alerting"
	"BountyMesh/pkg/logger"
)

const (
	// DefaultMaxBounty 是单个任务悬赏的默认上限（基础单位）。
	DefaultMaxBounty int64 = 1_000_000_000_000
	// DefaultReputationDelta 是任务验收后智能体增加的信誉分。
	DefaultReputationDelta = 5
)

type settings struct {
	publisher       events.Publisher
	alerts          alerting.Dispatcher
	now             func() time.Time
	newID           func() string
	maxBounty       int64
	reputationDelta int
	revenueShare    bool
}

// Option 配置 Ledger、Treasury 与 Registry。
type Option func(*settings)

// WithPublisher 指定领域事件发布器，事件在事务提交后投递。
func WithPublisher(publisher events.Publisher) Option {
	return func(s *settings) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithAlerts 指定告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(s *settings) {
		s.alerts = alerts
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换 ID 生成器。
func WithIDGenerator(newID func() string) Option {
	return func(s *settings) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithMaxBounty 设置单个任务悬赏上限。
func WithMaxBounty(max int64) Option {
	return func(s *settings) {
		if max > 0 {
			s.maxBounty = max
		}
	}
}

// WithReputationDelta 设置验收后增加的信誉分。
func WithReputationDelta(delta int) Option {
	return func(s *settings) {
		if delta > 0 {
			s.reputationDelta = delta
		}
	}
}

// WithRevenueShare 开启社区分成：成员领取悬赏时按社区比例将一部分计入社区金库。
// 默认关闭，执行者获得全额悬赏。
func WithRevenueShare(enabled bool) Option {
	return func(s *settings) {
		s.revenueShare = enabled
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		publisher:       events.Nop{},
		now:             time.Now,
		newID:           uuid.NewString,
		maxBounty:       DefaultMaxBounty,
		reputationDelta: DefaultReputationDelta,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func (s settings) timestamp() int64 {
	return s.now().Unix()
}

// publish 投递已提交的事件，失败只记录日志。
func (s settings) publish(ctx context.Context, pending []events.Event) {
	for _, event := range pending {
		if err := s.publisher.Publish(ctx, event); err != nil {
			logger.L().Warn("领域事件投递失败",
				slog.String("event_type", event.Type),
				slog.String("subject", event.Subject),
				slog.Any("error", err),
			)
		}
	}
}

func (s settings) alert(ctx context.Context, event alerting.Event) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", slog.String("code", string(event.Code)), slog.Any("error", err))
	}
}
