package scheduler

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker 是单进程部署使用的 Locker 实现。
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	now   func() time.Time
	token uint64
	owner map[string]uint64
}

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		owner: make(map[string]uint64),
		now:   time.Now,
	}
}

// TryLock 实现 Locker 接口。过期的锁可被重新获取。
func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, ok := l.held[name]; ok && now.Before(expiry) {
		return nil, false, nil
	}
	l.token++
	token := l.token
	l.held[name] = now.Add(ttl)
	l.owner[name] = token

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.owner[name] == token {
			delete(l.held, name)
			delete(l.owner, name)
		}
		return nil
	}
	return release, true, nil
}

var _ Locker = (*MemoryLocker)(nil)
