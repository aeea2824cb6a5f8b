package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/tokmz/relay"
	"github.com/tokmz/relay/middleware"
	"github.com/tokmz/relay/pkg/auth"
	"github.com/tokmz/relay/pkg/bus"
	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/config"
	"github.com/tokmz/relay/pkg/limiter"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/orm"
	"github.com/tokmz/relay/pkg/telemetry"
	"github.com/tokmz/relay/pkg/tracing"
	"github.com/tokmz/relay/pkg/ws"
)

// envPrefix 环境变量前缀，ws.guard.message_limit.requests 对应 RELAY_WS_GUARD_MESSAGE_LIMIT_REQUESTS
const envPrefix = "RELAY"

// AppConfig 进程配置
type AppConfig struct {
	HTTP      relay.Config         `mapstructure:"http" yaml:"http"`
	Log       logger.Config        `mapstructure:"log" yaml:"log"`
	WS        ws.Config            `mapstructure:"ws" yaml:"ws"`
	Redis     RedisConfig          `mapstructure:"redis" yaml:"redis"`
	Bus       bus.Config           `mapstructure:"bus" yaml:"bus"`
	Tracing   tracing.Config       `mapstructure:"tracing" yaml:"tracing"`
	Database  orm.Config           `mapstructure:"database" yaml:"database"`
	Telemetry telemetry.GormConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Auth      auth.Config          `mapstructure:"auth" yaml:"auth"`
	Admin     AdminConfig          `mapstructure:"admin" yaml:"admin"`
}

// RedisConfig 共享 Redis，限流窗口、封禁列表、总线与缓存共用一个客户端
type RedisConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	cache.RedisConfig `mapstructure:",squash" yaml:",inline"`
}

// AdminConfig 管理端配置
type AdminConfig struct {
	Tokens          map[string]string     `mapstructure:"tokens" yaml:"tokens"` // 名称 -> 令牌
	RateLimit       limiter.Limit         `mapstructure:"rate_limit" yaml:"rate_limit"`
	CORS            middleware.CORSConfig `mapstructure:"cors" yaml:"cors"`
	SessionCacheTTL time.Duration         `mapstructure:"session_cache_ttl" yaml:"session_cache_ttl"`
}

// defaultAppConfig 默认配置
//
// 切片字段保持为空：mapstructure 解码到非空切片时不会截断旧元素。
func defaultAppConfig() *AppConfig {
	cors := middleware.DefaultCORSConfig()
	cors.AllowMethods = nil
	cors.AllowHeaders = nil

	return &AppConfig{
		HTTP:      *relay.DefaultConfig(),
		Log:       *logger.DefaultConfig(),
		WS:        *ws.DefaultConfig(),
		Redis:     RedisConfig{RedisConfig: *cache.DefaultRedisConfig()},
		Bus:       bus.Config{Driver: bus.DriverNone, Channel: "relay:broadcast"},
		Tracing:   *tracing.DefaultConfig(),
		Database:  *orm.DefaultConfig(),
		Telemetry: telemetry.DefaultGormConfig(),
		Auth:      *auth.DefaultConfig(),
		Admin: AdminConfig{
			RateLimit:       limiter.Limit{Requests: 120, Window: time.Minute},
			CORS:            *cors,
			SessionCacheTTL: 5 * time.Second,
		},
	}
}

// defaultsMap 把默认配置展开为 viper 默认值，使每个键都能被环境变量覆盖
func defaultsMap() (map[string]any, error) {
	data, err := yaml.Marshal(defaultAppConfig())
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadConfig 读取配置文件与环境变量
// path 为空时只使用默认值和环境变量
func loadConfig(path string, onChange func(*config.Config)) (*config.Config, *AppConfig, error) {
	defaults, err := defaultsMap()
	if err != nil {
		return nil, nil, err
	}

	opts := []config.Option{
		config.WithDefaults(defaults),
		config.WithEnvPrefix(envPrefix),
		config.WithOptional(path == ""),
	}
	if path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}
	if onChange != nil {
		opts = append(opts, config.WithOnChange(onChange))
	}

	c := config.New(opts...)
	if err := c.Load(); err != nil {
		return nil, nil, err
	}
	cfg, err := decodeConfig(c)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// decodeConfig 反序列化并校验
func decodeConfig(c *config.Config) (*AppConfig, error) {
	cfg := defaultAppConfig()
	if err := c.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 补齐解码后仍为空的切片
func (c *AppConfig) applyDefaults() {
	def := middleware.DefaultCORSConfig()
	if len(c.Admin.CORS.AllowMethods) == 0 {
		c.Admin.CORS.AllowMethods = def.AllowMethods
	}
	if len(c.Admin.CORS.AllowHeaders) == 0 {
		c.Admin.CORS.AllowHeaders = def.AllowHeaders
	}
	if c.Bus.Channel != "" {
		c.WS.Fanout.Channel = c.Bus.Channel
	}
}

// Validate 验证配置
func (c *AppConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.WS.Validate(); err != nil {
		return fmt.Errorf("ws: %w", err)
	}
	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if c.Bus.Driver == bus.DriverRedis && !c.Redis.Enabled {
		return fmt.Errorf("bus: driver %s requires redis.enabled", c.Bus.Driver)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Admin.CORS.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if c.Admin.SessionCacheTTL < 0 {
		return fmt.Errorf("admin: SessionCacheTTL must not be negative, got %v", c.Admin.SessionCacheTTL)
	}
	return nil
}

// redacted 返回隐藏密钥后的副本，用于打印
func (c *AppConfig) redacted() *AppConfig {
	out := *c
	const mask = "******"
	if out.Auth.Secret != "" {
		out.Auth.Secret = mask
	}
	if out.Redis.Password != "" {
		out.Redis.Password = mask
	}
	if out.WS.SealKey != "" {
		out.WS.SealKey = mask
	}
	if out.Database.DSN != "" {
		out.Database.DSN = mask
	}
	if len(out.Admin.Tokens) > 0 {
		tokens := make(map[string]string, len(out.Admin.Tokens))
		for name := range out.Admin.Tokens {
			tokens[name] = mask
		}
		out.Admin.Tokens = tokens
	}
	return &out
}

// YAML 输出生效配置（密钥已隐藏）
func (c *AppConfig) YAML() ([]byte, error) {
	return yaml.Marshal(c.redacted())
}
