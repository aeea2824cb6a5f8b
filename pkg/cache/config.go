package cache

import (
	"fmt"
	"time"
)

// Driver 存储驱动
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 缓存配置
type Config struct {
	Driver          Driver
	Redis           *RedisConfig
	KeyPrefix       string
	DefaultTTL      time.Duration
	CleanupInterval time.Duration // 仅内存驱动
	Codec           Codec
}

// RedisConfig Redis 连接配置，限流、总线与缓存共用
type RedisConfig struct {
	Mode         RedisMode     `mapstructure:"mode" yaml:"mode"`
	Addr         string        `mapstructure:"addr" yaml:"addr"`   // standalone
	Addrs        []string      `mapstructure:"addrs" yaml:"addrs"` // cluster / sentinel
	MasterName   string        `mapstructure:"master_name" yaml:"master_name"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig 内存驱动，10 分钟默认过期
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverMemory,
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: time.Minute,
		Codec:           jsonCodec{},
	}
}

// DefaultRedisConfig 单机 localhost:6379
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Mode:         RedisStandalone,
		Addr:         "localhost:6379",
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Option 配置选项
type Option func(*Config)

// WithRedis 使用独占的 Redis 客户端
func WithRedis(cfg *RedisConfig) Option {
	return func(c *Config) {
		c.Driver = DriverRedis
		c.Redis = cfg
	}
}

// WithKeyPrefix 设置键前缀
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithDefaultTTL 设置 Set 传入 0 时的过期时间
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// WithCleanupInterval 设置内存驱动清理过期键的间隔
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) {
		c.CleanupInterval = d
	}
}

// WithCodec 替换默认的 JSON 编解码
func WithCodec(codec Codec) Option {
	return func(c *Config) {
		c.Codec = codec
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Codec == nil {
		return fmt.Errorf("%w: codec is required", ErrInvalidConfig)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("%w: default ttl must not be negative, got %s", ErrInvalidConfig, c.DefaultTTL)
	}
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
		if c.Redis == nil {
			return fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
		}
		return c.Redis.Validate()
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver)
	}
}

// Validate 检查各模式必需的地址
func (r *RedisConfig) Validate() error {
	switch r.Mode {
	case RedisStandalone, "":
		if r.Addr == "" {
			return fmt.Errorf("%w: redis addr is required", ErrInvalidConfig)
		}
	case RedisCluster:
		if len(r.Addrs) == 0 {
			return fmt.Errorf("%w: redis cluster requires addrs", ErrInvalidConfig)
		}
	case RedisSentinel:
		if len(r.Addrs) == 0 || r.MasterName == "" {
			return fmt.Errorf("%w: redis sentinel requires addrs and master_name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown redis mode %q", ErrInvalidConfig, r.Mode)
	}
	return nil
}
