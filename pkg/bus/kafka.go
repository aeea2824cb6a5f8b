package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaBus 基于 Kafka topic 的总线
// 每个进程从最新 offset 消费全部分区，不加入消费组，保证每个进程都能收到每条消息
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
}

// NewKafkaBus 连接 Kafka 集群
func NewKafkaBus(brokers []string) (*KafkaBus, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "relay"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Consumer.Return.Errors = false

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client: %w", ErrUnavailable, err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: kafka producer: %w", ErrUnavailable, err)
	}
	return &KafkaBus{client: client, producer: producer}, nil
}

// Publish 同步发送
func (b *KafkaBus) Publish(_ context.Context, channel string, payload []byte) error {
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: kafkaTopic.Replace(channel),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("%w: kafka send: %w", ErrUnavailable, err)
	}
	return nil
}

// Subscribe 消费 topic 的所有分区
func (b *KafkaBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	topic := kafkaTopic.Replace(channel)

	consumer, err := sarama.NewConsumerFromClient(b.client)
	if err != nil {
		return fmt.Errorf("%w: kafka consumer: %w", ErrUnavailable, err)
	}
	defer consumer.Close()

	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return fmt.Errorf("%w: kafka partitions: %w", ErrUnavailable, err)
	}

	merged := make(chan []byte, 256)
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		wg.Wait()
	}()

	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("%w: kafka consume partition %d: %w", ErrUnavailable, p, err)
		}
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			defer pc.Close()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					select {
					case merged <- msg.Value:
					case <-done:
						return
					}
				}
			}
		}(pc)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-merged:
			h(payload)
		}
	}
}

// Close 关闭生产者和客户端
func (b *KafkaBus) Close() error {
	if err := b.producer.Close(); err != nil {
		b.client.Close()
		return err
	}
	return b.client.Close()
}
