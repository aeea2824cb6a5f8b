package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tokmz/relay"
)

// CORSConfig 管理端跨域配置
type CORSConfig struct {
	// AllowOrigins 允许的源，支持 "https://*.example.com"
	AllowOrigins     []string      `mapstructure:"allow_origins" yaml:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods" yaml:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers" yaml:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers" yaml:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// DefaultCORSConfig 返回默认配置（不允许任何源）
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
		},
		MaxAge: 12 * time.Hour,
	}
}

// Enabled 是否配置了允许的源
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowOrigins) > 0
}

// Validate 验证配置
func (c *CORSConfig) Validate() error {
	if c.AllowCredentials && slices.Contains(c.AllowOrigins, "*") {
		return fmt.Errorf(`cors: AllowCredentials cannot be used with AllowOrigins ["*"]`)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("MaxAge must not be negative, got %v", c.MaxAge)
	}
	return nil
}

// CORS 创建跨域中间件，websocket 握手的来源校验由 Hub 的 CheckOrigin 负责
func CORS(cfg *CORSConfig) (relay.HandlerFunc, error) {
	if cfg == nil {
		cfg = DefaultCORSConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := newOriginMatcher(cfg.AllowOrigins)
	preflight := map[string]string{
		"Access-Control-Allow-Methods": strings.Join(cfg.AllowMethods, ", "),
		"Access-Control-Allow-Headers": strings.Join(cfg.AllowHeaders, ", "),
		"Access-Control-Max-Age":       strconv.Itoa(int(cfg.MaxAge.Seconds())),
	}
	expose := strings.Join(cfg.ExposeHeaders, ", ")

	return func(c *relay.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !m.allow(origin) {
			c.Next()
			return
		}

		if m.any {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
		}
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if expose != "" {
			c.Header("Access-Control-Expose-Headers", expose)
		}

		if c.Request().Method != http.MethodOptions {
			c.Next()
			return
		}
		for k, v := range preflight {
			c.Header(k, v)
		}
		c.AbortWithStatus(http.StatusNoContent)
	}, nil
}

// originMatcher 精确匹配或单个 * 通配，如 "https://*.example.com"
type originMatcher struct {
	any      bool
	exact    map[string]struct{}
	patterns [][2]string // 前缀, 后缀
}

func newOriginMatcher(origins []string) *originMatcher {
	m := &originMatcher{exact: make(map[string]struct{})}
	for _, o := range origins {
		switch {
		case o == "*":
			m.any = true
		case strings.Contains(o, "*"):
			prefix, suffix, _ := strings.Cut(o, "*")
			m.patterns = append(m.patterns, [2]string{prefix, suffix})
		default:
			m.exact[o] = struct{}{}
		}
	}
	return m
}

func (m *originMatcher) allow(origin string) bool {
	if m.any {
		return true
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, p := range m.patterns {
		// 通配部分不能为空
		if len(origin) > len(p[0])+len(p[1]) && strings.HasPrefix(origin, p[0]) && strings.HasSuffix(origin, p[1]) {
			return true
		}
	}
	return false
}
