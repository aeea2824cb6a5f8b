package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/limiter"
)

// Blocklist IP 封禁存储
type Blocklist interface {
	Block(ctx context.Context, ip string, d time.Duration) error
	Unblock(ctx context.Context, ip string) error
	Blocked(ctx context.Context, ip string) (bool, time.Duration, error)
}

// CacheBlocklist 基于 cache.Cache 的封禁表，TTL 即封禁时长
type CacheBlocklist struct {
	c cache.Cache
}

// NewCacheBlocklist 创建封禁表
func NewCacheBlocklist(c cache.Cache) *CacheBlocklist {
	return &CacheBlocklist{c: c}
}

func blockKey(ip string) string { return "blocked:" + ip }

// Block 封禁 ip
func (b *CacheBlocklist) Block(ctx context.Context, ip string, d time.Duration) error {
	return b.c.Set(ctx, blockKey(ip), time.Now().Add(d).Unix(), d)
}

// Unblock 解除封禁
func (b *CacheBlocklist) Unblock(ctx context.Context, ip string) error {
	return b.c.Delete(ctx, blockKey(ip))
}

// Blocked 是否被封禁及剩余时长
func (b *CacheBlocklist) Blocked(ctx context.Context, ip string) (bool, time.Duration, error) {
	ttl, err := b.c.TTL(ctx, blockKey(ip))
	if err != nil {
		if cache.IsNotFound(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, ttl, nil
}

// denylist 注入与 XSS 特征
var denylist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)<\s*/\s*script`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed|applet|meta|base)\b`),
	regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\bon(load|error|click|dblclick|mouseover|mouseout|focus|blur|submit|change|input|keydown|keyup|keypress)\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bexpression\s*\(`),
	regexp.MustCompile(`(?i)document\s*\.\s*(cookie|write)`),
	regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?\bselect\b`),
	regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+table\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`),
	regexp.MustCompile(`(?i)\$where\b`),
	regexp.MustCompile(`\.\./\.\./`),
}

// Guard 准入与消息校验
//
// 按 IP 的连接窗口使用可替换的 limiter.Store，多实例部署时注入 Redis 存储；
// 按连接的消息窗口只存在于本进程，连接移除时丢弃。
type Guard struct {
	mu    sync.RWMutex
	limit GuardConfig

	conns     limiter.Store
	messages  limiter.Store
	blocklist Blocklist
	log       *zap.Logger
}

// NewGuard 创建 Guard；conns 为 nil 时使用内存存储
func NewGuard(cfg GuardConfig, conns limiter.Store, messages limiter.Store, blocklist Blocklist, log *zap.Logger) *Guard {
	if conns == nil {
		conns = limiter.NewMemoryStore()
	}
	if messages == nil {
		messages = limiter.NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		limit:     cfg,
		conns:     conns,
		messages:  messages,
		blocklist: blocklist,
		log:       log,
	}
}

func (g *Guard) config() GuardConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limit
}

// SetMessageLimit 热更新单连接消息限流
func (g *Guard) SetMessageLimit(l limiter.Limit) {
	g.mu.Lock()
	g.limit.MessageLimit = l
	g.mu.Unlock()
}

// SetConnectionLimit 热更新单 IP 连接限流
func (g *Guard) SetConnectionLimit(l limiter.Limit) {
	g.mu.Lock()
	g.limit.ConnectionLimit = l
	g.mu.Unlock()
}

// AllowConnection 判定一次连接尝试，拒绝时返回建议的重试间隔
// 存储不可用时放行
func (g *Guard) AllowConnection(ctx context.Context, ip string) (bool, time.Duration) {
	if g.blocklist != nil {
		blocked, ttl, err := g.blocklist.Blocked(ctx, ip)
		if err != nil {
			g.log.Warn("blocklist lookup failed", zap.String("ip", ip), zap.Error(err))
		} else if blocked {
			return false, ttl
		}
	}

	res, err := g.config().ConnectionLimit.Allow(ctx, g.conns, "conn:"+ip)
	if err != nil {
		g.log.Warn("connection limiter unavailable, allowing", zap.String("ip", ip), zap.Error(err))
		return true, 0
	}
	return res.Allowed, res.RetryAfter
}

// AllowMessage 判定连接的一条消息
func (g *Guard) AllowMessage(connID string) bool {
	res, err := g.config().MessageLimit.Allow(context.Background(), g.messages, connID)
	if err != nil {
		g.log.Warn("message limiter failed, allowing", zap.String("conn_id", connID), zap.Error(err))
		return true
	}
	return res.Allowed
}

// ValidateContent 内容是否可接受
func (g *Guard) ValidateContent(raw []byte) bool {
	return g.CheckContent(raw) == nil
}

// CheckContent 返回拒绝原因
func (g *Guard) CheckContent(raw []byte) error {
	if len(raw) > g.config().MaxContentSize {
		return ErrContentTooLarge
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && !json.Valid(trimmed) {
		return ErrMalformedContent
	}
	for _, re := range denylist {
		if re.Match(raw) {
			return ErrContentRejected
		}
	}
	return nil
}

// RecordViolation 记录一次内容违规，超过阈值时封禁 ip 并返回 true
func (g *Guard) RecordViolation(ctx context.Context, ip string) bool {
	cfg := g.config()
	if ip == "" || !cfg.ViolationLimit.Enabled() {
		return false
	}
	res, err := cfg.ViolationLimit.Allow(ctx, g.conns, "violation:"+ip)
	if err != nil {
		g.log.Warn("violation limiter failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if res.Allowed {
		return false
	}
	if err := g.BlockIP(ctx, ip, cfg.BlockDuration); err != nil {
		g.log.Error("block ip failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	_ = g.conns.Reset(ctx, "violation:"+ip)
	return true
}

// BlockIP 封禁 ip，与滑动窗口无关
func (g *Guard) BlockIP(ctx context.Context, ip string, d time.Duration) error {
	if g.blocklist == nil {
		return ErrInvalidConfig
	}
	if err := g.blocklist.Block(ctx, ip, d); err != nil {
		return err
	}
	g.log.Info("ip blocked", zap.String("ip", ip), zap.Duration("duration", d))
	return nil
}

// UnblockIP 解除封禁并清空该 IP 的连接窗口
func (g *Guard) UnblockIP(ctx context.Context, ip string) error {
	if g.blocklist == nil {
		return ErrInvalidConfig
	}
	if err := g.blocklist.Unblock(ctx, ip); err != nil {
		return err
	}
	return g.conns.Reset(ctx, "conn:"+ip)
}

// Forget 丢弃连接的消息窗口
func (g *Guard) Forget(connID string) {
	_ = g.messages.Reset(context.Background(), connID)
}

// RunCleanup 周期性清理内存窗口
func (g *Guard) RunCleanup(ctx context.Context) {
	type sweeper interface{ Sweep() int }

	ticker := time.NewTicker(g.config().CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range []limiter.Store{g.conns, g.messages} {
				if sw, ok := s.(sweeper); ok {
					sw.Sweep()
				}
			}
		}
	}
}
