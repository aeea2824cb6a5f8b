package ws

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/limiter"
)

func newTestGuard(t *testing.T, clock *fakeClock, cfg GuardConfig) *Guard {
	t.Helper()
	c, err := cache.New()
	require.NoError(t, err)
	return NewGuard(
		cfg,
		limiter.NewMemoryStore(limiter.WithClock(clock.Now)),
		limiter.NewMemoryStore(limiter.WithClock(clock.Now)),
		NewCacheBlocklist(c),
		nil,
	)
}

func TestGuard_MessageRateLimit(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig().Guard
	cfg.MessageLimit = limiter.Limit{Requests: 10, Window: time.Minute}
	g := newTestGuard(t, clock, cfg)

	for i := 1; i <= 10; i++ {
		assert.True(t, g.AllowMessage("conn-1"), "message %d", i)
		clock.Advance(time.Second)
	}
	assert.False(t, g.AllowMessage("conn-1"), "message 11")

	// 其他连接不受影响
	assert.True(t, g.AllowMessage("conn-2"))

	clock.Advance(61 * time.Second)
	assert.True(t, g.AllowMessage("conn-1"), "message 12")
}

func TestGuard_ForgetResetsWindow(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig().Guard
	cfg.MessageLimit = limiter.Limit{Requests: 1, Window: time.Minute}
	g := newTestGuard(t, clock, cfg)

	assert.True(t, g.AllowMessage("conn-1"))
	assert.False(t, g.AllowMessage("conn-1"))
	g.Forget("conn-1")
	assert.True(t, g.AllowMessage("conn-1"))
}

func TestGuard_SetMessageLimit(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig().Guard
	cfg.MessageLimit = limiter.Limit{Requests: 1, Window: time.Minute}
	g := newTestGuard(t, clock, cfg)

	assert.True(t, g.AllowMessage("conn-1"))
	assert.False(t, g.AllowMessage("conn-1"))

	g.SetMessageLimit(limiter.Limit{Requests: 3, Window: time.Minute})
	assert.True(t, g.AllowMessage("conn-1"))
}

func TestGuard_AllowConnection(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := DefaultConfig().Guard
	cfg.ConnectionLimit = limiter.Limit{Requests: 2, Window: time.Minute}
	g := newTestGuard(t, clock, cfg)

	ok, _ := g.AllowConnection(ctx, "1.2.3.4")
	assert.True(t, ok)
	clock.Advance(10 * time.Second)
	ok, _ = g.AllowConnection(ctx, "1.2.3.4")
	assert.True(t, ok)

	ok, retry := g.AllowConnection(ctx, "1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	ok, _ = g.AllowConnection(ctx, "5.6.7.8")
	assert.True(t, ok)
}

func TestGuard_BlockIP(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t, newFakeClock(), DefaultConfig().Guard)

	require.NoError(t, g.BlockIP(ctx, "1.2.3.4", time.Hour))
	ok, retry := g.AllowConnection(ctx, "1.2.3.4")
	assert.False(t, ok)
	assert.Greater(t, retry, 59*time.Minute)

	require.NoError(t, g.UnblockIP(ctx, "1.2.3.4"))
	ok, _ = g.AllowConnection(ctx, "1.2.3.4")
	assert.True(t, ok)
}

func TestGuard_RecordViolation(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig().Guard
	cfg.ViolationLimit = limiter.Limit{Requests: 2, Window: time.Minute}
	g := newTestGuard(t, newFakeClock(), cfg)

	assert.False(t, g.RecordViolation(ctx, "1.2.3.4"))
	assert.False(t, g.RecordViolation(ctx, "1.2.3.4"))
	assert.True(t, g.RecordViolation(ctx, "1.2.3.4"))

	ok, _ := g.AllowConnection(ctx, "1.2.3.4")
	assert.False(t, ok)

	assert.False(t, g.RecordViolation(ctx, ""))
}

func TestGuard_CheckContent(t *testing.T) {
	g := newTestGuard(t, newFakeClock(), DefaultConfig().Guard)

	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"plain text", "hello there", nil},
		{"json object", `{"action":"room_message","room":"a","message":"hi"}`, nil},
		{"json array", `[1,2,3]`, nil},
		{"truncated object", `{"action":`, ErrMalformedContent},
		{"truncated array", `[1,2`, ErrMalformedContent},
		{"script tag", `{"message":"<script>alert(1)</script>"}`, ErrContentRejected},
		{"javascript url", `{"message":"javascript:alert(1)"}`, ErrContentRejected},
		{"event handler", `{"message":"<img src=x onerror=alert(1)>"}`, ErrContentRejected},
		{"union select", `{"message":"1 UNION SELECT password FROM users"}`, ErrContentRejected},
		{"tautology", `{"message":"' or 1=1"}`, ErrContentRejected},
		{"drop table", `{"message":"x; DROP TABLE users"}`, ErrContentRejected},
		{"path traversal", `{"message":"../../etc/passwd"}`, ErrContentRejected},
		{"oversized", strings.Repeat("a", 10*1024+1), ErrContentTooLarge},
		{"at limit", strings.Repeat("a", 10*1024), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckContent([]byte(tt.raw))
			if tt.err == nil {
				assert.NoError(t, err)
				assert.True(t, g.ValidateContent([]byte(tt.raw)))
				return
			}
			assert.ErrorIs(t, err, tt.err)
			assert.False(t, g.ValidateContent([]byte(tt.raw)))
		})
	}
}

// failingStore 模拟共享存储不可用
type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*limiter.Result, error) {
	return nil, errors.New("redis: connection refused")
}

func (failingStore) Reset(context.Context, string) error { return nil }

// failingBlocklist 封禁表不可用
type failingBlocklist struct{}

func (failingBlocklist) Block(context.Context, string, time.Duration) error { return errors.New("down") }
func (failingBlocklist) Unblock(context.Context, string) error              { return errors.New("down") }
func (failingBlocklist) Blocked(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("down")
}

func TestGuard_FailsOpen(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(DefaultConfig().Guard, failingStore{}, failingStore{}, failingBlocklist{}, nil)

	ok, _ := g.AllowConnection(ctx, "1.2.3.4")
	assert.True(t, ok)
	assert.True(t, g.AllowMessage("conn-1"))
	assert.False(t, g.RecordViolation(ctx, "1.2.3.4"))
	assert.Error(t, g.BlockIP(ctx, "1.2.3.4", time.Minute))
}

func TestGuard_NoBlocklist(t *testing.T) {
	g := NewGuard(DefaultConfig().Guard, nil, nil, nil, nil)
	assert.ErrorIs(t, g.BlockIP(context.Background(), "1.2.3.4", time.Minute), ErrInvalidConfig)
}
