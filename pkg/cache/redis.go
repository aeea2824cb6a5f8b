package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient 按部署模式创建客户端并 Ping 一次
func NewRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	var client redis.UniversalClient
	switch cfg.Mode {
	case RedisCluster:
		client = redis.NewClusterClient(opts.Cluster())
	case RedisSentinel:
		client = redis.NewFailoverClient(opts.Failover())
	default:
		opts.Addrs = []string{cfg.Addr}
		client = redis.NewClient(opts.Simple())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return client, nil
}

// redisCache 多实例共享的缓存
type redisCache struct {
	keyspace
	client redis.UniversalClient
	owned  bool // Close 时是否关闭 client
}

// NewRedisWithClient 复用已有客户端，Close 不会关闭它
func NewRedisWithClient(client redis.UniversalClient, opts ...Option) Cache {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Codec == nil {
		cfg.Codec = jsonCodec{}
	}
	return newRedisCache(client, cfg)
}

func newRedisCache(client redis.UniversalClient, cfg *Config) *redisCache {
	return &redisCache{
		keyspace: keyspace{prefix: cfg.KeyPrefix, codec: cfg.Codec, defaultTTL: cfg.DefaultTTL},
		client:   client,
	}
}

func (r *redisCache) Get(ctx context.Context, key string, value any) error {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return r.decode(data, value)
}

func (r *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := r.encode(value)
	if err != nil {
		return err
	}
	ttl = r.ttl(ttl)
	if ttl < 0 {
		ttl = 0 // redis 中 0 表示不过期
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

func (r *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.key(key)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

func (r *redisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	// go-redis 对 -2（不存在）与 -1（无过期时间）原样返回
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return -1, nil
	}
	return ttl, nil
}

func (r *redisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

func (r *redisCache) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
