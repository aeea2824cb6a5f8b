package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBus 进程内总线，多个 Hub 共享同一实例即可模拟多进程部署
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan []byte
	nextID uint64
	closed bool

	down atomic.Bool
}

// NewMemoryBus 创建进程内总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[uint64]chan []byte),
	}
}

// SetDown 模拟总线不可用
func (b *MemoryBus) SetDown(down bool) {
	b.down.Store(down)
}

// Publish 投递到所有订阅者
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.down.Load() {
		return ErrUnavailable
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, ch := range b.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 阻塞消费，直到 ctx 结束或总线关闭
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	if b.down.Load() {
		return ErrUnavailable
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	ch := make(chan []byte, 1024)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]chan []byte)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if subs, ok := b.subs[channel]; ok {
			delete(subs, id)
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			h(msg)
		}
	}
}

// Subscribers 当前订阅者数量
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close 关闭总线并结束所有订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
	}
	return nil
}
