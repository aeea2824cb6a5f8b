package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newVerifier(t *testing.T, now func() time.Time) *JWTVerifier {
	t.Helper()
	cfg := *DefaultConfig()
	cfg.Secret = testSecret
	v, err := NewJWTVerifier(cfg, WithClock(now))
	require.NoError(t, err)
	return v
}

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTVerifier_IssueAndVerify(t *testing.T) {
	now := time.Now()
	v := newVerifier(t, func() time.Time { return now })

	token, err := v.Issue("alice")
	require.NoError(t, err)

	userID, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	now := time.Now()
	v := newVerifier(t, func() time.Time { return now })

	valid := jwt.RegisteredClaims{
		Issuer:    "relay",
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	noUser := valid
	noUser.Subject = ""

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		err   error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"expired", sign(t, testSecret, jwt.SigningMethodHS256, expired), ErrExpiredToken},
		{"no expiry", sign(t, testSecret, jwt.SigningMethodHS256, noExpiry), ErrInvalidToken},
		{"wrong secret", sign(t, "ffffffffffffffffffffffffffffffff", jwt.SigningMethodHS256, valid), ErrInvalidToken},
		{"wrong issuer", sign(t, testSecret, jwt.SigningMethodHS256, wrongIssuer), ErrInvalidToken},
		{"no user", sign(t, testSecret, jwt.SigningMethodHS256, noUser), ErrMissingUser},
		{"unsigned", unsigned, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := v.VerifyToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, userID)
		})
	}
}

func TestJWTVerifier_SubjectFallback(t *testing.T) {
	now := time.Now()
	v := newVerifier(t, func() time.Time { return now })

	token := sign(t, testSecret, jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    "relay",
		Subject:   "carol",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	userID, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "carol", userID)
}

func TestJWTVerifier_Leeway(t *testing.T) {
	now := time.Now()
	v := newVerifier(t, func() time.Time { return now })

	token := sign(t, testSecret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "relay",
		Subject:   "dave",
		ExpiresAt: jwt.NewNumericDate(now.Add(-10 * time.Second)),
	})
	userID, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "dave", userID)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.Secret = testSecret }, false},
		{"short secret", func(c *Config) { c.Secret = "short" }, true},
		{"negative leeway", func(c *Config) { c.Secret = testSecret; c.Leeway = -time.Second }, true},
		{"zero ttl", func(c *Config) { c.Secret = testSecret; c.TokenTTL = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
