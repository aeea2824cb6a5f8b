package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// SingleflightCache 合并同一 key 的并发回源
type SingleflightCache struct {
	Cache
	group singleflight.Group
}

// NewSingleflightCache 包装缓存
func NewSingleflightCache(c Cache) *SingleflightCache {
	return &SingleflightCache{Cache: c}
}

// Forget 清除缓存与 singleflight 状态（强制刷新）
func (s *SingleflightCache) Forget(ctx context.Context, key string) {
	s.group.Forget(key)
	_ = s.Cache.Delete(ctx, key)
}

// RememberWithLock 读取缓存，未命中时调用 fn 并写回
// 同一 key 的并发未命中只执行一次 fn
// fn 出错时不写缓存
func RememberWithLock[T any](
	ctx context.Context,
	sf *SingleflightCache,
	key string,
	ttl time.Duration,
	fn func() (T, error),
) (T, error) {
	var cached T
	if err := sf.Cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	v, err, _ := sf.group.Do(key, func() (any, error) {
		var r T
		if err := sf.Cache.Get(ctx, key, &r); err == nil {
			return r, nil
		}
		r, err := fn()
		if err != nil {
			return nil, err
		}
		_ = sf.Cache.Set(ctx, key, r, ttl)
		return r, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, ok := v.(T)
	if !ok {
		var zero T
		return zero, ErrCodec.WithMessage("unexpected result type")
	}
	return result, nil
}
