package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus 基于 Redis Pub/Sub 的总线，客户端由调用方管理
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus 创建 Redis 总线
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish 发布消息
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %w", ErrUnavailable, err)
	}
	return nil
}

// Subscribe 订阅通道，确认订阅成功后开始消费
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	ps := b.client.Subscribe(ctx, channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("%w: redis subscribe: %w", ErrUnavailable, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			h([]byte(msg.Payload))
		}
	}
}

// Close Redis 客户端与缓存、限流共享，不在此关闭
func (b *RedisBus) Close() error {
	return nil
}
