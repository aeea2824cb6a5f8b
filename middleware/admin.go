package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/tokmz/relay"
	"github.com/tokmz/relay/pkg/errors"
	"go.uber.org/zap"
)

// AdminAuthConfig 管理端认证配置
type AdminAuthConfig struct {
	// Tokens 名称到令牌的映射，名称只用于审计日志
	Tokens map[string]string

	// Logger 日志实例
	Logger *zap.Logger
}

// AdminAuth 校验 Authorization: Bearer <token>
// 未配置任何令牌时拒绝所有请求
func AdminAuth(cfg AdminAuthConfig) relay.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	type entry struct {
		name  string
		token []byte
	}
	entries := make([]entry, 0, len(cfg.Tokens))
	for name, token := range cfg.Tokens {
		if token == "" {
			continue
		}
		entries = append(entries, entry{name: name, token: []byte(token)})
	}

	return func(c *relay.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithError(errors.ErrUnauthorized)
			return
		}

		// 遍历全部条目，耗时与命中位置无关
		got := []byte(token)
		matched := ""
		for _, e := range entries {
			if subtle.ConstantTimeCompare(got, e.token) == 1 {
				matched = e.name
			}
		}
		if matched == "" {
			c.Logger(log).Warn("admin token rejected",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request().URL.Path),
			)
			c.AbortWithError(errors.ErrForbidden)
			return
		}

		relay.SetContextAdmin(c, matched)
		c.Next()
	}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
