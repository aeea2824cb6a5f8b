package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryCache 进程内缓存，值以编码后的字节保存，避免调用方共享可变对象
type memoryCache struct {
	keyspace
	items *gocache.Cache
}

func newMemoryCache(cfg *Config) *memoryCache {
	return &memoryCache{
		keyspace: keyspace{prefix: cfg.KeyPrefix, codec: cfg.Codec, defaultTTL: cfg.DefaultTTL},
		items:    gocache.New(gocache.NoExpiration, cfg.CleanupInterval),
	}
}

func (m *memoryCache) Get(_ context.Context, key string, value any) error {
	raw, ok := m.items.Get(m.key(key))
	if !ok {
		return ErrNotFound
	}
	return m.decode(raw.([]byte), value)
}

func (m *memoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := m.encode(value)
	if err != nil {
		return err
	}
	ttl = m.ttl(ttl)
	if ttl < 0 {
		ttl = gocache.NoExpiration
	}
	m.items.Set(m.key(key), data, ttl)
	return nil
}

func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.items.Delete(m.key(key))
	}
	return nil
}

func (m *memoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	_, expiresAt, ok := m.items.GetWithExpiration(m.key(key))
	if !ok {
		return 0, ErrNotFound
	}
	if expiresAt.IsZero() {
		return -1, nil
	}
	left := time.Until(expiresAt)
	if left <= 0 {
		return 0, ErrNotFound
	}
	return left, nil
}

func (m *memoryCache) Ping(context.Context) error { return nil }

func (m *memoryCache) Close() error {
	m.items.Flush()
	return nil
}
