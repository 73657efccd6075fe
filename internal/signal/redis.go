package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type stateClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis 将信号写入哈希键 "<prefix>:signal:<identity>" 并在频道
// "<prefix>:signals" 广播变更。
type Redis struct {
	client stateClient
	prefix string
}

// NewRedis 创建 Redis 信号发布器。
func NewRedis(client stateClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "bountymesh"
	}
	return &Redis{client: client, prefix: prefix}
}

// Publish 实现 Sink 接口。
func (r *Redis) Publish(ctx context.Context, state State) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	key := r.prefix + ":signal:" + state.Identity
	err := r.client.HSet(ctx, key,
		"unlocked", strconv.FormatBool(state.Unlocked),
		"reason", state.Reason,
		"updated_at", state.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("写入解锁信号失败: %w", err)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("编码解锁信号失败: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+":signals", payload).Err(); err != nil {
		return fmt.Errorf("广播解锁信号失败: %w", err)
	}
	return nil
}

var _ Sink = (*Redis)(nil)
