// Package bus provides the shared message channels used to fan room broadcasts
// out across relay processes.
//
// Every implementation offers the same three operations. Publish writes one
// payload to a named channel. Subscribe blocks and hands each payload received
// on the channel to a handler until the context ends (nil) or the subscription
// breaks (non-nil error, the caller is expected to retry). Close releases the
// underlying connection.
//
// Delivery is at-least-once at best: Redis Pub/Sub drops messages while a
// subscriber is reconnecting, AMQP and Kafka may redeliver. Consumers must
// tolerate both.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed             = errors.New("bus: closed")
	ErrUnavailable        = errors.New("bus: unavailable")
	ErrSubscriptionClosed = errors.New("bus: subscription closed")
)

// Handler 处理收到的消息
type Handler func(payload []byte)

// Bus 跨进程消息通道
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	Close() error
}

// Driver 驱动类型
type Driver string

const (
	DriverNone   Driver = "none"
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverAMQP   Driver = "amqp"
	DriverKafka  Driver = "kafka"
)

// Config 总线配置
type Config struct {
	Driver  Driver   `mapstructure:"driver" yaml:"driver"`
	Channel string   `mapstructure:"channel" yaml:"channel"`
	URL     string   `mapstructure:"url" yaml:"url"`         // amqp
	Brokers []string `mapstructure:"brokers" yaml:"brokers"` // kafka
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Driver:  DriverRedis,
		Channel: "relay:broadcast",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Channel == "" {
		return fmt.Errorf("bus channel is required")
	}
	switch c.Driver {
	case DriverNone, DriverMemory, DriverRedis:
	case DriverAMQP:
		if c.URL == "" {
			return fmt.Errorf("bus url is required for driver %s", c.Driver)
		}
	case DriverKafka:
		if len(c.Brokers) == 0 {
			return fmt.Errorf("bus brokers are required for driver %s", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported bus driver %q", c.Driver)
	}
	return nil
}

// kafkaTopic 将通道名转换为合法的 Kafka topic
var kafkaTopic = strings.NewReplacer(":", ".", "/", ".", " ", "_")
