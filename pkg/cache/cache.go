// Package cache provides the TTL key/value store behind the IP blocklist and
// the admin session listing. The memory driver serves a single process, the
// redis driver shares state between relay instances.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache 带过期时间的键值存储
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// TTL 返回剩余存活时间，键不存在时返回 ErrNotFound，永不过期返回 -1
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// Codec 值编解码
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// New 按选项创建缓存，默认使用内存驱动
func New(opts ...Option) (Cache, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Driver == DriverRedis {
		client, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		c := newRedisCache(client, cfg)
		c.owned = true
		return c, nil
	}
	return newMemoryCache(cfg), nil
}

// keyspace 键前缀与编解码，两种驱动共用
type keyspace struct {
	prefix     string
	codec      Codec
	defaultTTL time.Duration
}

func (k keyspace) key(key string) string {
	return k.prefix + key
}

func (k keyspace) encode(v any) ([]byte, error) {
	data, err := k.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return data, nil
}

func (k keyspace) decode(data []byte, v any) error {
	if err := k.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return nil
}

// ttl 为 0 时取默认值
func (k keyspace) ttl(d time.Duration) time.Duration {
	if d == 0 {
		return k.defaultTTL
	}
	return d
}
