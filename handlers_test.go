package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokmz/relay/pkg/bus"
	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/ws"
)

var testVerifier = ws.VerifierFunc(func(_ context.Context, token string) (string, error) {
	if id, ok := strings.CutPrefix(token, "user-"); ok && id != "" {
		return id, nil
	}
	return "", errors.New("invalid token")
})

// testAdmin 只接受 X-Admin: root
func testAdmin(c *Context) {
	if c.GetHeader("X-Admin") != "root" {
		c.Fail(http.StatusUnauthorized, "unauthorized")
		c.Abort()
		return
	}
	SetContextAdmin(c, "root")
	c.Next()
}

type fakeLister struct {
	calls atomic.Int32
	list  []ws.SessionSummary
	err   error
}

func (f *fakeLister) Recent(_ context.Context, limit int) ([]ws.SessionSummary, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.list) {
		return f.list[:limit], nil
	}
	return f.list, nil
}

type apiResponse struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type testEnv struct {
	hub *ws.Hub
	srv *httptest.Server
}

func newTestEnv(t *testing.T, opts ...HandlersOption) *testEnv {
	t.Helper()
	return newTestEnvWithHub(t, nil, opts...)
}

func newTestEnvWithHub(t *testing.T, hubOpts []ws.Option, opts ...HandlersOption) *testEnv {
	t.Helper()
	hub, err := ws.NewHub(append([]ws.Option{ws.WithVerifier(testVerifier)}, hubOpts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	e, err := New(nil, WithMode(gin.TestMode))
	require.NoError(t, err)
	e.RouterGroup().GET("/panic", func(*Context) { panic("boom") })
	NewHandlers(hub, opts...).Register(e.RouterGroup(), testAdmin)

	srv := httptest.NewServer(e.Handler())
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = hub.Shutdown(shutdownCtx)
		cancel()
		srv.Close()
	})
	return &testEnv{hub: hub, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string, admin bool) (int, apiResponse) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin", "root")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=user-" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	est := readUntil[ws.ConnectionEstablished](t, conn)
	assert.Equal(t, user, est.UserID)
	return conn
}

// readUntil 读取直到出现类型 T 的帧
func readUntil[T ws.Frame](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if string(data) == ws.PongFrame {
			continue
		}
		f, _, err := ws.DecodeFrame(data)
		require.NoError(t, err)
		if v, ok := f.(T); ok {
			return v
		}
	}
}

func TestHealthz(t *testing.T) {
	downBus := bus.NewMemoryBus()
	downBus.SetDown(true)

	tests := []struct {
		name       string
		hubOpts    []ws.Option
		wantStatus string
	}{
		{name: "single node", wantStatus: "ok"},
		{name: "bus unavailable", hubOpts: []ws.Option{ws.WithBus(downBus)}, wantStatus: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvWithHub(t, tt.hubOpts)

			// 订阅协程重试期间状态可能短暂抖动
			var health HealthResponse
			deadline := time.Now().Add(2 * time.Second)
			for {
				status, resp := env.do(t, http.MethodGet, "/healthz", "", false)
				require.Equal(t, http.StatusOK, status)
				health = HealthResponse{}
				require.NoError(t, json.Unmarshal(resp.Data, &health))
				if health.Status == tt.wantStatus || time.Now().After(deadline) {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.False(t, health.Fanout)
			assert.Zero(t, health.Connections)
		})
	}
}

func TestAdmin_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.do(t, http.MethodGet, "/admin/stats", "", false)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAdmin_BroadcastAndDisconnect(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "alice")

	status, resp := env.do(t, http.MethodGet, "/admin/stats", "", true)
	require.Equal(t, http.StatusOK, status)
	var stats ws.HubStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 1, stats.Registry.Connections)
	assert.Equal(t, 1, stats.Registry.Users)

	status, resp = env.do(t, http.MethodPost, "/admin/broadcast", `{"message":{"text":"maintenance"}}`, true)
	require.Equal(t, http.StatusOK, status, resp.Message)
	var delivery DeliveryResponse
	require.NoError(t, json.Unmarshal(resp.Data, &delivery))
	assert.Equal(t, 1, delivery.Delivered)

	ab := readUntil[ws.AdminBroadcast](t, conn)
	assert.JSONEq(t, `{"text":"maintenance"}`, string(ab.Message))

	status, resp = env.do(t, http.MethodPost, "/admin/users/alice/disconnect", `{"reason":"bye"}`, true)
	require.Equal(t, http.StatusOK, status, resp.Message)
	require.NoError(t, json.Unmarshal(resp.Data, &delivery))
	assert.Equal(t, 1, delivery.Delivered)

	assert.Eventually(t, func() bool {
		return env.hub.Stats().Registry.Connections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdmin_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"broadcast without message", http.MethodPost, "/admin/broadcast", `{"room":"lobby"}`},
		{"broadcast invalid room", http.MethodPost, "/admin/broadcast", `{"room":" lobby","message":{}}`},
		{"block invalid ip", http.MethodPost, "/admin/block", `{"ip":"not-an-ip"}`},
		{"block invalid duration", http.MethodPost, "/admin/block", `{"ip":"10.0.0.1","duration":"soon"}`},
		{"sessions limit too large", http.MethodGet, "/admin/sessions?limit=5000", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, tt.method, tt.path, tt.body, true)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, 1001, resp.Code)
		})
	}
}

func TestAdmin_BlockAndUnblock(t *testing.T) {
	env := newTestEnv(t)

	status, resp := env.do(t, http.MethodPost, "/admin/block", `{"ip":"10.0.0.1","duration":"1m"}`, true)
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.False(t, allowed(t, env, "10.0.0.1"))

	status, resp = env.do(t, http.MethodDelete, "/admin/block/10.0.0.1", "", true)
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.True(t, allowed(t, env, "10.0.0.1"))
}

func allowed(t *testing.T, env *testEnv, ip string) bool {
	t.Helper()
	ok, _ := env.hub.Guard().AllowConnection(context.Background(), ip)
	return ok
}

func TestAdmin_Sessions(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t)
		status, resp := env.do(t, http.MethodGet, "/admin/sessions", "", true)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, 1006, resp.Code)
	})

	t.Run("cached", func(t *testing.T) {
		c, err := cache.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		lister := &fakeLister{list: []ws.SessionSummary{
			{ConnectionID: "c2", UserID: "bob", Reason: "client closed"},
			{ConnectionID: "c1", UserID: "alice"},
		}}
		env := newTestEnv(t, WithSessionLister(lister), WithSessionCache(c, time.Minute))

		for range 2 {
			status, resp := env.do(t, http.MethodGet, "/admin/sessions?limit=1", "", true)
			require.Equal(t, http.StatusOK, status, resp.Message)
			var out SessionsResponse
			require.NoError(t, json.Unmarshal(resp.Data, &out))
			require.Len(t, out.Sessions, 1)
			assert.Equal(t, "c2", out.Sessions[0].ConnectionID)
		}
		assert.Equal(t, int32(1), lister.calls.Load())
	})

	t.Run("store error", func(t *testing.T) {
		env := newTestEnv(t, WithSessionLister(&fakeLister{err: errors.New("db down")}))
		status, resp := env.do(t, http.MethodGet, "/admin/sessions", "", true)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, 1000, resp.Code)
	})
}

func TestRecovery(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.do(t, http.MethodGet, "/panic", "", false)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad mode", func(c *Config) { c.Mode = "prod" }, true},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, true},
		{"zero shutdown", func(c *Config) { c.Server.ShutdownTimeout = 0 }, true},
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
