package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "relay.cache"

// traced 为每次调用创建一个 client span
type traced struct {
	Cache
	tracer trace.Tracer
}

// WithTracing 包装缓存，未命中只标记 cache.hit=false 不记为错误
func WithTracing(c Cache) Cache {
	return &traced{Cache: c, tracer: otel.Tracer(tracerName)}
}

func (t *traced) observe(ctx context.Context, op, key string, fn func(context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	err := fn(ctx)
	switch {
	case err == nil:
		if op == "get" {
			span.SetAttributes(attribute.Bool("cache.hit", true))
		}
	case IsNotFound(err):
		span.SetAttributes(attribute.Bool("cache.hit", false))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *traced) Get(ctx context.Context, key string, value any) error {
	return t.observe(ctx, "get", key, func(ctx context.Context) error {
		return t.Cache.Get(ctx, key, value)
	})
}

func (t *traced) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return t.observe(ctx, "set", key, func(ctx context.Context) error {
		return t.Cache.Set(ctx, key, value, ttl)
	})
}

func (t *traced) Delete(ctx context.Context, keys ...string) error {
	key := ""
	if len(keys) == 1 {
		key = keys[0]
	}
	return t.observe(ctx, "delete", key, func(ctx context.Context) error {
		return t.Cache.Delete(ctx, keys...)
	})
}

func (t *traced) TTL(ctx context.Context, key string) (time.Duration, error) {
	var left time.Duration
	err := t.observe(ctx, "ttl", key, func(ctx context.Context) error {
		var err error
		left, err = t.Cache.TTL(ctx, key)
		return err
	})
	return left, err
}
