package bus

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus 基于 fanout exchange 的总线
// 每个订阅者声明独占的临时队列并绑定到以通道命名的 exchange
type AMQPBus struct {
	conn *amqp.Connection

	mu      sync.Mutex // amqp.Channel 发布不是并发安全的
	pub     *amqp.Channel
	declare map[string]bool
}

// NewAMQPBus 连接 RabbitMQ
func NewAMQPBus(url string) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: amqp dial: %w", ErrUnavailable, err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: amqp channel: %w", ErrUnavailable, err)
	}
	return &AMQPBus{
		conn:    conn,
		pub:     pub,
		declare: make(map[string]bool),
	}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil)
}

// Publish 发布到 exchange
func (b *AMQPBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pub.IsClosed() {
		return fmt.Errorf("%w: amqp publish channel closed", ErrUnavailable)
	}
	if !b.declare[channel] {
		if err := declareExchange(b.pub, channel); err != nil {
			return fmt.Errorf("%w: amqp declare exchange: %w", ErrUnavailable, err)
		}
		b.declare[channel] = true
	}

	err := b.pub.PublishWithContext(ctx, channel, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("%w: amqp publish: %w", ErrUnavailable, err)
	}
	return nil
}

// Subscribe 声明临时队列并消费
func (b *AMQPBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: amqp channel: %w", ErrUnavailable, err)
	}
	defer ch.Close()

	if err := declareExchange(ch, channel); err != nil {
		return fmt.Errorf("%w: amqp declare exchange: %w", ErrUnavailable, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("%w: amqp declare queue: %w", ErrUnavailable, err)
	}
	if err := ch.QueueBind(q.Name, "", channel, false, nil); err != nil {
		return fmt.Errorf("%w: amqp bind queue: %w", ErrUnavailable, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: amqp consume: %w", ErrUnavailable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrSubscriptionClosed
			}
			h(d.Body)
		}
	}
}

// Close 关闭连接
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.pub.IsClosed() {
		_ = b.pub.Close()
	}
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
