package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"BountyMesh/pkg/logger"
)

// State 是某个身份最近一次发布的信号。
type State struct {
	Identity  string    `json:"identity"`
	Unlocked  bool      `json:"unlocked"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sink 接收解锁信号。
type Sink interface {
	Publish(ctx context.Context, state State) error
}

// Memory 在进程内保存最新信号，供健康检查与测试读取。
type Memory struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemory 创建内存信号存储。
func NewMemory() *Memory {
	return &Memory{states: make(map[string]State)}
}

// Publish 实现 Sink 接口。
func (m *Memory) Publish(_ context.Context, state State) error {
	if state.Identity == "" {
		return errors.New("signal identity 不能为空")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Identity] = state
	return nil
}

// Get 返回最近一次信号。
func (m *Memory) Get(identity string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[identity]
	return state, ok
}

// Unlocked 判断身份是否处于解锁状态，未发布过视为锁定。
func (m *Memory) Unlocked(identity string) bool {
	state, ok := m.Get(identity)
	return ok && state.Unlocked
}

// Multi 将信号发送给多个 Sink，单个失败不影响其余 Sink。
type Multi []Sink

// Publish 实现 Sink 接口，返回所有失败的合并错误。
func (m Multi) Publish(ctx context.Context, state State) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, state); err != nil {
			logger.L().Warn("发布解锁信号失败",
				slog.String("identity", state.Identity),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*Memory)(nil)
	_ Sink = Multi(nil)
)
