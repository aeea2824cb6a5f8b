// Package auth verifies the bearer tokens presented on the websocket upgrade.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
	ErrMissingToken = errors.New("auth: missing token")
	ErrMissingUser  = errors.New("auth: token has no user id")
)

// Config JWT 配置
type Config struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`     // 为空时不校验
	Audience string        `mapstructure:"audience" yaml:"audience"` // 为空时不校验
	Leeway   time.Duration `mapstructure:"leeway" yaml:"leeway"`
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"` // 仅用于签发
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Issuer:   "relay",
		Leeway:   30 * time.Second,
		TokenTTL: time.Hour,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if len(c.Secret) < 16 {
		return fmt.Errorf("Secret must be at least 16 bytes, got %d", len(c.Secret))
	}
	if c.Leeway < 0 {
		return fmt.Errorf("Leeway must not be negative, got %v", c.Leeway)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TokenTTL must be positive, got %v", c.TokenTTL)
	}
	return nil
}

// Claims 令牌声明，UserID 为空时使用 sub
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier HMAC 签名的 JWT 校验
type JWTVerifier struct {
	cfg    Config
	now    func() time.Time
	parser *jwt.Parser
}

// Option 校验器选项
type Option func(*JWTVerifier)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(v *JWTVerifier) {
		v.now = now
	}
}

// NewJWTVerifier 创建校验器
func NewJWTVerifier(cfg Config, opts ...Option) (*JWTVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &JWTVerifier{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

// VerifyToken 校验令牌并返回用户 ID
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", ErrMissingUser
}

// Issue 签发令牌，用于管理工具和测试
func (v *JWTVerifier) Issue(userID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	now := v.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.cfg.TokenTTL)),
		},
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.Secret))
}
