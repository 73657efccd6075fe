package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 仅当锁仍由当前持有者持有时才删除，避免误删其他实例在过期后获得的锁。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker 基于 SET NX PX 实现分布式锁。
type RedisLocker struct {
	client lockClient
	prefix string
}

// NewRedisLocker 创建 Redis 锁，prefix 用于隔离不同部署。
func NewRedisLocker(client lockClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "bountymesh"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock 实现 Locker 接口。
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := l.prefix + ":lock:" + name
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("获取 Redis 锁失败: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("释放 Redis 锁失败: %w", err)
		}
		return nil
	}
	return release, true, nil
}

var _ Locker = (*RedisLocker)(nil)
