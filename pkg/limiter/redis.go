package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript 原子地清理、计数、写入
// KEYS[1] 有序集合, KEYS[2] 成员序号计数器
// 返回 {allowed, remaining, retry_after_ms}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

local count = redis.call('ZCARD', key)
if count < limit then
	local seq = redis.call('INCR', counter_key)
	redis.call('ZADD', key, now, now .. ':' .. seq)
	redis.call('PEXPIRE', key, window_ms)
	redis.call('PEXPIRE', counter_key, window_ms)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry_after = 0
if #oldest >= 2 then
	retry_after = tonumber(oldest[2]) + window_ms - now
end
return {0, 0, retry_after}
`)

// RedisStore 基于 Redis 有序集合的共享滑动窗口
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 存储，prefix 用于隔离不同用途的 key
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow 判定并记录一次请求
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	redisKey := s.prefix + key

	raw, err := slidingWindowScript.Run(ctx, s.client,
		[]string{redisKey, redisKey + ":seq"},
		s.now().UnixMilli(),
		window.Milliseconds(),
		limit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("limiter: run sliding window script: %w", err)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("limiter: unexpected script result length %d", len(raw))
	}

	vals := make([]int64, 3)
	for i := range vals {
		v, ok := raw[i].(int64)
		if !ok {
			return nil, fmt.Errorf("limiter: unexpected script result type %T at %d", raw[i], i)
		}
		vals[i] = v
	}

	res := &Result{
		Allowed:   vals[0] == 1,
		Remaining: int(vals[1]),
	}
	if !res.Allowed && vals[2] > 0 {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return res, nil
}

// Reset 删除 key 及其计数器
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	redisKey := s.prefix + key
	if err := s.client.Del(ctx, redisKey, redisKey+":seq").Err(); err != nil {
		return fmt.Errorf("limiter: reset %s: %w", key, err)
	}
	return nil
}
