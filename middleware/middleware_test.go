package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokmz/relay"
	"github.com/tokmz/relay/pkg/limiter"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

func newEngine(t *testing.T, mws ...relay.HandlerFunc) *relay.Engine {
	t.Helper()
	e, err := relay.New(nil, relay.WithMode(gin.TestMode))
	require.NoError(t, err)
	e.Use(mws...)
	e.RouterGroup().GET("/ping", func(c *relay.Context) {
		c.Success(relay.GetContextAdmin(c))
	})
	e.RouterGroup().GET("/fail", func(c *relay.Context) {
		c.Fail(http.StatusInternalServerError, "boom")
	})
	return e
}

func serve(e *relay.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAdminAuth(t *testing.T) {
	e := newEngine(t, AdminAuth(AdminAuthConfig{Tokens: map[string]string{
		"ops":   "s3cret-ops-token",
		"empty": "",
	}}))

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"empty token never matches", "Bearer ", http.StatusUnauthorized},
		{"valid", "Bearer s3cret-ops-token", http.StatusOK},
		{"case insensitive scheme", "bearer s3cret-ops-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(e, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer s3cret-ops-token")
	w := serve(e, req)
	assert.Contains(t, w.Body.String(), `"data":"ops"`)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := limiter.NewMemoryStore(limiter.WithClock(func() time.Time { return now }))
	e := newEngine(t, RateLimiter(RateLimiterConfig{
		Limit:        limiter.Limit{Requests: 2, Window: time.Minute},
		Store:        store,
		ExcludePaths: []string{"/fail"},
	}))

	for i := range 2 {
		w := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, 1005, decode(t, w).Code)

	// 其他 IP 不受影响
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.1.1.1:1234"
	assert.Equal(t, http.StatusOK, serve(e, req).Code)

	// 排除路径不计数
	for range 3 {
		assert.Equal(t, http.StatusInternalServerError, serve(e, httptest.NewRequest(http.MethodGet, "/fail", nil)).Code)
	}
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*limiter.Result, error) {
	return nil, errors.New("redis: connection refused")
}

func (failingStore) Reset(context.Context, string) error { return nil }

func TestRateLimiter_FailOpen(t *testing.T) {
	e := newEngine(t, RateLimiter(RateLimiterConfig{
		Limit: limiter.Limit{Requests: 1, Window: time.Minute},
		Store: failingStore{},
	}))
	for range 3 {
		assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)
	}
}

func TestCORS(t *testing.T) {
	mw, err := CORS(&CORSConfig{
		AllowOrigins: []string{"https://admin.example.com", "https://*.ops.example.com"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization"},
		MaxAge:       time.Hour,
	})
	require.NoError(t, err)
	e := newEngine(t, mw)

	tests := []struct {
		name      string
		origin    string
		wantAllow string
	}{
		{"exact", "https://admin.example.com", "https://admin.example.com"},
		{"wildcard", "https://eu.ops.example.com", "https://eu.ops.example.com"},
		{"wildcard needs subdomain", "https://.ops.example.com", ""},
		{"denied", "https://evil.example.com", ""},
		{"no origin", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := serve(e, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := serve(e, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "3600", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_Validate(t *testing.T) {
	_, err := CORS(&CORSConfig{AllowOrigins: []string{"*"}, AllowCredentials: true})
	assert.Error(t, err)

	cfg := DefaultCORSConfig()
	assert.False(t, cfg.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestTracingAndLogger(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	e := newEngine(t, Tracing(), Logger(zap.New(core), &LoggerConfig{ExcludePaths: []string{"/skip"}}))

	w := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	require.NotEmpty(t, resp.TraceID)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /ping", spans[0].Name())
	assert.Equal(t, resp.TraceID, spans[0].SpanContext().TraceID().String())

	w = serve(e, httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, resp.TraceID, entries[0].ContextMap()["trace_id"])
	assert.Equal(t, "/ping", entries[0].ContextMap()["path"])
}
