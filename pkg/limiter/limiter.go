// Package limiter provides sliding-window rate limit stores.
//
// Two stores share the same Store interface: MemoryStore keeps windows in
// process memory for single-instance deployments, RedisStore keeps them in a
// sorted set per key so that every instance behind a load balancer sees the
// same counters. Callers choose the store at wiring time and never branch on it.
package limiter

import (
	"context"
	"time"
)

// Result 单次判定结果
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store 滑动窗口存储
type Store interface {
	// Allow 在 window 内对 key 计数，超过 limit 时拒绝；被拒绝的请求不计入窗口
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
	// Reset 丢弃 key 的窗口
	Reset(ctx context.Context, key string) error
}

// Limit 限流策略
type Limit struct {
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// Enabled 策略是否生效
func (l Limit) Enabled() bool {
	return l.Requests > 0 && l.Window > 0
}

// Allow 使用 Store 判定一次请求
func (l Limit) Allow(ctx context.Context, s Store, key string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true, Remaining: -1}, nil
	}
	return s.Allow(ctx, key, l.Requests, l.Window)
}
