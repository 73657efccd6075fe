package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"BountyMesh/pkg/logger"
)

// Job 是一次周期任务。
type Job func(ctx context.Context) error

// Observer 在每次周期结束后被调用，用于记录指标。
type Observer func(name string, duration time.Duration, err error)

// Locker 提供跨进程的互斥，保证同一周期在集群内只有一个实例执行。
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Loop 按固定间隔执行 Job。同一时刻最多只有一个周期在运行，
// 重叠的触发会被跳过。
type Loop struct {
	name           string
	interval       time.Duration
	job            Job
	locker         Locker
	lockTTL        time.Duration
	timeout        time.Duration
	runImmediately bool
	observer       Observer
	abort          context.Context

	running atomic.Bool
	trigger chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
}

// Option 配置 Loop。
type Option func(*Loop)

// WithLocker 启用分布式锁，ttl 应大于周期超时。
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(l *Loop) {
		l.locker = locker
		if ttl > 0 {
			l.lockTTL = ttl
		}
	}
}

// WithCycleTimeout 设置单个周期的超时。
func WithCycleTimeout(timeout time.Duration) Option {
	return func(l *Loop) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// WithRunImmediately 控制启动后是否立即执行一次。
func WithRunImmediately(enabled bool) Option {
	return func(l *Loop) {
		l.runImmediately = enabled
	}
}

// WithObserver 注册周期结束回调。
func WithObserver(observer Observer) Option {
	return func(l *Loop) {
		l.observer = observer
	}
}

// WithAbort 设置强制中止信号。停机后进行中的周期不受调度 ctx 取消影响，
// 只有 abort 结束时才会被取消。
func WithAbort(abort context.Context) Option {
	return func(l *Loop) {
		l.abort = abort
	}
}

// New 创建周期循环。
func New(name string, interval time.Duration, job Job, opts ...Option) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	l := &Loop{
		name:           name,
		interval:       interval,
		job:            job,
		timeout:        5 * time.Minute,
		runImmediately: true,
		trigger:        make(chan struct{}, 1),
		log:            logger.Named("scheduler").With(slog.String("loop", name)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.lockTTL <= 0 {
		l.lockTTL = l.timeout + 30*time.Second
	}
	return l
}

// Name 返回循环名称。
func (l *Loop) Name() string { return l.name }

// Run 阻塞直到 ctx 结束。停止调度后等待正在执行的周期完成。
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer l.wg.Wait()

	l.log.Info("周期任务已启动", slog.Duration("interval", l.interval))
	if l.runImmediately {
		l.spawn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			l.log.Info("周期任务停止调度，等待进行中的周期结束")
			return nil
		case <-ticker.C:
			l.spawn(ctx)
		case <-l.trigger:
			l.spawn(ctx)
		}
	}
}

// Trigger 请求立即执行一次周期，已有未处理的请求时返回 false。
func (l *Loop) Trigger() bool {
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Loop) spawn(ctx context.Context) {
	if l.running.Load() {
		l.log.Debug("上一周期仍在运行，跳过本次触发")
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		// 停机时不打断进行中的周期，由周期超时或 abort 兜底。
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		if l.abort != nil {
			stop := context.AfterFunc(l.abort, cancel)
			defer stop()
		}
		if _, err := l.RunOnce(runCtx); err != nil {
			l.log.Error("周期执行失败", slog.Any("error", err))
		}
	}()
}

// RunOnce 在单飞保护下执行一个周期。返回 false 表示周期被跳过。
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	if !l.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer l.running.Store(false)

	if l.locker != nil {
		release, acquired, err := l.locker.TryLock(ctx, l.name, l.lockTTL)
		if err != nil {
			return false, err
		}
		if !acquired {
			l.log.Debug("分布式锁被其他实例持有，跳过本周期")
			return false, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				l.log.Warn("释放分布式锁失败", slog.Any("error", err))
			}
		}()
	}

	cycleCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	err := l.job(cycleCtx)
	elapsed := time.Since(start)
	if l.observer != nil {
		l.observer(l.name, elapsed, err)
	}
	l.log.Debug("周期结束", slog.Duration("elapsed", elapsed), slog.Bool("failed", err != nil))
	return true, err
}
