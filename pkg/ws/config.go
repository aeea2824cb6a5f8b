package ws

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/bus"
	"github.com/tokmz/relay/pkg/limiter"
)

// PresenceScope 上下线事件的投递范围
type PresenceScope string

const (
	// PresenceScopeRooms 只通知与该用户共享房间的连接
	PresenceScopeRooms PresenceScope = "rooms"
	// PresenceScopeGlobal 通知所有连接
	PresenceScopeGlobal PresenceScope = "global"
)

// Config WebSocket 配置
type Config struct {
	Path                  string        `mapstructure:"path" yaml:"path"`
	MaxConnectionsPerUser int           `mapstructure:"max_connections_per_user" yaml:"max_connections_per_user"` // 0 表示不限
	PresenceScope         PresenceScope `mapstructure:"presence_scope" yaml:"presence_scope"`
	SealKey               string        `mapstructure:"seal_key" yaml:"seal_key"` // base64 编码的 32 字节密钥，为空则不加密

	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
	Room     RoomConfig     `mapstructure:"room" yaml:"room"`
	Guard    GuardConfig    `mapstructure:"guard" yaml:"guard"`
	Reaper   ReaperConfig   `mapstructure:"reaper" yaml:"reaper"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Fanout   FanoutConfig   `mapstructure:"fanout" yaml:"fanout"`
	Upgrader UpgraderConfig `mapstructure:"upgrader" yaml:"upgrader"`

	// 协作方，由调用方注入
	Logger          *zap.Logger              `mapstructure:"-" yaml:"-"`
	Bus             bus.Bus                  `mapstructure:"-" yaml:"-"` // nil 表示单进程模式
	Verifier        TokenVerifier            `mapstructure:"-" yaml:"-"`
	Sink            SummarySink              `mapstructure:"-" yaml:"-"`
	Store           MessageStore             `mapstructure:"-" yaml:"-"`
	ConnectionStore limiter.Store            `mapstructure:"-" yaml:"-"` // 按 IP 的窗口，多实例时使用共享存储
	Blocklist       Blocklist                `mapstructure:"-" yaml:"-"`
	CheckOrigin     func(*http.Request) bool `mapstructure:"-" yaml:"-"`
	Clock           func() time.Time         `mapstructure:"-" yaml:"-"`
}

// ClientConfig 单连接配置
type ClientConfig struct {
	WriteWait      time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	SendQueueSize  int           `mapstructure:"send_queue_size" yaml:"send_queue_size"`
}

// RoomConfig 房间配置
type RoomConfig struct {
	MaxRoomSize int `mapstructure:"max_room_size" yaml:"max_room_size"` // 0 表示不限
}

// GuardConfig 限流与内容校验配置
type GuardConfig struct {
	ConnectionLimit limiter.Limit `mapstructure:"connection_limit" yaml:"connection_limit"`
	MessageLimit    limiter.Limit `mapstructure:"message_limit" yaml:"message_limit"`
	ViolationLimit  limiter.Limit `mapstructure:"violation_limit" yaml:"violation_limit"` // 超过后自动封禁
	MaxContentSize  int           `mapstructure:"max_content_size" yaml:"max_content_size"`
	BlockDuration   time.Duration `mapstructure:"block_duration" yaml:"block_duration"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// ReaperConfig 空闲连接清理配置
type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	ActiveWindow  time.Duration `mapstructure:"active_window" yaml:"active_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// FanoutConfig 跨进程分发配置
type FanoutConfig struct {
	Channel        string        `mapstructure:"channel" yaml:"channel"`
	RetryMin       time.Duration `mapstructure:"retry_min" yaml:"retry_min"`
	RetryMax       time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	DedupeCapacity uint          `mapstructure:"dedupe_capacity" yaml:"dedupe_capacity"`
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize    int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	EnableCompression bool          `mapstructure:"enable_compression" yaml:"enable_compression"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"` // 为空时使用同源检查，"*" 允许所有
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Path:          "/ws",
		PresenceScope: PresenceScopeRooms,
		Client: ClientConfig{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendQueueSize:  256,
		},
		Guard: GuardConfig{
			ConnectionLimit: limiter.Limit{Requests: 10, Window: 5 * time.Minute},
			MessageLimit:    limiter.Limit{Requests: 60, Window: time.Minute},
			ViolationLimit:  limiter.Limit{Requests: 5, Window: 10 * time.Minute},
			MaxContentSize:  10 * 1024,
			BlockDuration:   15 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Reaper: ReaperConfig{
			Interval: 60 * time.Second,
			Timeout:  30 * time.Minute,
		},
		Metrics: MetricsConfig{
			ActiveWindow:  5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Fanout: FanoutConfig{
			Channel:        "relay:broadcast",
			RetryMin:       time.Second,
			RetryMax:       30 * time.Second,
			PublishTimeout: 3 * time.Second,
			DedupeCapacity: 100_000,
		},
		Upgrader: UpgraderConfig{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("Path must start with '/', got %q", c.Path)
	}
	if c.MaxConnectionsPerUser < 0 {
		return fmt.Errorf("MaxConnectionsPerUser must not be negative, got %d", c.MaxConnectionsPerUser)
	}
	if c.PresenceScope != PresenceScopeRooms && c.PresenceScope != PresenceScopeGlobal {
		return fmt.Errorf("PresenceScope must be %q or %q, got %q", PresenceScopeRooms, PresenceScopeGlobal, c.PresenceScope)
	}

	if c.Client.WriteWait <= 0 {
		return fmt.Errorf("Client.WriteWait must be positive, got %v", c.Client.WriteWait)
	}
	if c.Client.PongWait <= 0 {
		return fmt.Errorf("Client.PongWait must be positive, got %v", c.Client.PongWait)
	}
	if c.Client.PingPeriod <= 0 || c.Client.PingPeriod >= c.Client.PongWait {
		return fmt.Errorf("Client.PingPeriod (%v) must be positive and less than Client.PongWait (%v)",
			c.Client.PingPeriod, c.Client.PongWait)
	}
	if c.Client.MaxMessageSize <= 0 {
		return fmt.Errorf("Client.MaxMessageSize must be positive, got %d", c.Client.MaxMessageSize)
	}
	if c.Client.SendQueueSize <= 0 {
		return fmt.Errorf("Client.SendQueueSize must be positive, got %d", c.Client.SendQueueSize)
	}

	if c.Room.MaxRoomSize < 0 {
		return fmt.Errorf("Room.MaxRoomSize must not be negative, got %d", c.Room.MaxRoomSize)
	}

	if c.Guard.MaxContentSize <= 0 {
		return fmt.Errorf("Guard.MaxContentSize must be positive, got %d", c.Guard.MaxContentSize)
	}
	if c.Guard.BlockDuration <= 0 {
		return fmt.Errorf("Guard.BlockDuration must be positive, got %v", c.Guard.BlockDuration)
	}
	if c.Guard.CleanupInterval <= 0 {
		return fmt.Errorf("Guard.CleanupInterval must be positive, got %v", c.Guard.CleanupInterval)
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("Reaper.Interval must be positive, got %v", c.Reaper.Interval)
	}
	if c.Reaper.Timeout <= 0 {
		return fmt.Errorf("Reaper.Timeout must be positive, got %v", c.Reaper.Timeout)
	}

	if c.Metrics.ActiveWindow <= 0 {
		return fmt.Errorf("Metrics.ActiveWindow must be positive, got %v", c.Metrics.ActiveWindow)
	}
	if c.Metrics.SweepInterval <= 0 {
		return fmt.Errorf("Metrics.SweepInterval must be positive, got %v", c.Metrics.SweepInterval)
	}

	if c.Fanout.Channel == "" {
		return fmt.Errorf("Fanout.Channel is required")
	}
	if c.Fanout.RetryMin <= 0 || c.Fanout.RetryMax < c.Fanout.RetryMin {
		return fmt.Errorf("Fanout.RetryMin (%v) must be positive and not greater than Fanout.RetryMax (%v)",
			c.Fanout.RetryMin, c.Fanout.RetryMax)
	}
	if c.Fanout.PublishTimeout <= 0 {
		return fmt.Errorf("Fanout.PublishTimeout must be positive, got %v", c.Fanout.PublishTimeout)
	}
	if c.Fanout.DedupeCapacity == 0 {
		return fmt.Errorf("Fanout.DedupeCapacity must be positive")
	}

	if c.Upgrader.ReadBufferSize <= 0 {
		return fmt.Errorf("Upgrader.ReadBufferSize must be positive, got %d", c.Upgrader.ReadBufferSize)
	}
	if c.Upgrader.WriteBufferSize <= 0 {
		return fmt.Errorf("Upgrader.WriteBufferSize must be positive, got %d", c.Upgrader.WriteBufferSize)
	}

	return nil
}

// Option 配置选项
type Option func(*Config)

// WithConfig 以给定配置为基础，注入的协作方保持不变
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		deps := *c
		*c = cfg
		c.Logger, c.Bus, c.Verifier, c.Sink = deps.Logger, deps.Bus, deps.Verifier, deps.Sink
		c.Store, c.ConnectionStore, c.Blocklist = deps.Store, deps.ConnectionStore, deps.Blocklist
		c.CheckOrigin, c.Clock = deps.CheckOrigin, deps.Clock
	}
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithBus 设置跨进程总线
func WithBus(b bus.Bus) Option {
	return func(c *Config) {
		c.Bus = b
	}
}

// WithVerifier 设置令牌校验
func WithVerifier(v TokenVerifier) Option {
	return func(c *Config) {
		c.Verifier = v
	}
}

// WithSummarySink 设置会话摘要接收方
func WithSummarySink(s SummarySink) Option {
	return func(c *Config) {
		c.Sink = s
	}
}

// WithMessageStore 设置消息存储
func WithMessageStore(s MessageStore) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithConnectionStore 设置按 IP 的限流存储
func WithConnectionStore(s limiter.Store) Option {
	return func(c *Config) {
		c.ConnectionStore = s
	}
}

// WithBlocklist 设置 IP 封禁存储
func WithBlocklist(b Blocklist) Option {
	return func(c *Config) {
		c.Blocklist = b
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

// WithPresenceScope 设置上下线事件范围
func WithPresenceScope(scope PresenceScope) Option {
	return func(c *Config) {
		c.PresenceScope = scope
	}
}

// WithMaxRoomSize 设置房间人数上限
func WithMaxRoomSize(n int) Option {
	return func(c *Config) {
		c.Room.MaxRoomSize = n
	}
}

// WithMessageLimit 设置单连接消息限流
func WithMessageLimit(requests int, window time.Duration) Option {
	return func(c *Config) {
		c.Guard.MessageLimit = limiter.Limit{Requests: requests, Window: window}
	}
}

// WithConnectionLimit 设置单 IP 连接限流
func WithConnectionLimit(requests int, window time.Duration) Option {
	return func(c *Config) {
		c.Guard.ConnectionLimit = limiter.Limit{Requests: requests, Window: window}
	}
}

// WithReaper 设置清理间隔与超时
func WithReaper(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.Reaper = ReaperConfig{Interval: interval, Timeout: timeout}
	}
}

// WithSealKey 设置敏感消息密钥
func WithSealKey(key string) Option {
	return func(c *Config) {
		c.SealKey = key
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(origins []string) Option {
	return func(c *Config) {
		c.Upgrader.AllowedOrigins = origins
	}
}

// newUpgrader 创建 gorilla Upgrader
func newUpgrader(c *Config) *websocket.Upgrader {
	check := c.CheckOrigin
	if check == nil {
		check = originChecker(c.Upgrader.AllowedOrigins)
	}
	return &websocket.Upgrader{
		ReadBufferSize:    c.Upgrader.ReadBufferSize,
		WriteBufferSize:   c.Upgrader.WriteBufferSize,
		HandshakeTimeout:  c.Upgrader.HandshakeTimeout,
		EnableCompression: c.Upgrader.EnableCompression,
		CheckOrigin:       check,
	}
}

// originChecker 白名单为空时只允许同源，包含 "*" 时允许所有
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return sameOrigin
	}
	whitelist := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		whitelist[strings.TrimRight(origin, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return whitelist[origin]
	}
}

// sameOrigin 同源检查，无 Origin 的非浏览器客户端放行
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
