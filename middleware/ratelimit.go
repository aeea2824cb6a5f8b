package middleware

import (
	"math"
	"strconv"

	"github.com/tokmz/relay"
	"github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/limiter"
	"go.uber.org/zap"
)

// RateLimiterConfig 限流中间件配置
type RateLimiterConfig struct {
	// Limit 每个 key 的滑动窗口
	Limit limiter.Limit

	// Store 窗口存储（默认进程内存，多实例部署时使用 RedisStore）
	Store limiter.Store

	// KeyFunc 自定义限流 key 函数（默认使用客户端 IP）
	KeyFunc func(c *relay.Context) string

	// ExcludePaths 排除的路径（不限流）
	ExcludePaths []string

	// Logger 日志实例
	Logger *zap.Logger
}

// RateLimiter 创建限流中间件
// 超过窗口时返回 429 并设置 Retry-After；存储不可用时放行
func RateLimiter(cfg RateLimiterConfig) relay.HandlerFunc {
	if cfg.Store == nil {
		cfg.Store = limiter.NewMemoryStore()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *relay.Context) string { return c.ClientIP() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	skipMap := make(map[string]bool, len(cfg.ExcludePaths))
	for _, path := range cfg.ExcludePaths {
		skipMap[path] = true
	}

	return func(c *relay.Context) {
		if !cfg.Limit.Enabled() || skipMap[c.Request().URL.Path] {
			c.Next()
			return
		}

		key := "http:" + cfg.KeyFunc(c)
		res, err := cfg.Limit.Allow(c.RequestContext(), cfg.Store, key)
		if err != nil {
			c.Logger(cfg.Logger).Warn("rate limit store unavailable, allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit.Requests))
		if res.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			c.AbortWithError(errors.ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
