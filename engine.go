// Package relay wires the websocket hub and the admin API onto a gin engine.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Engine 包装 gin.Engine 与 http.Server
type Engine struct {
	config *Config
	engine *gin.Engine
	server *http.Server
	log    *zap.Logger
}

// New 创建 Engine，默认挂载 Recovery
func New(log *zap.Logger, opts ...Option) (*Engine, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	// gin.SetMode 是全局状态
	gin.SetMode(config.Mode)

	ginEngine := gin.New()
	if err := ginEngine.SetTrustedProxies(config.TrustedProxies); err != nil {
		return nil, err
	}

	e := &Engine{
		config: config,
		engine: ginEngine,
		log:    log,
	}
	e.Use(Recovery(log))
	return e, nil
}

// Use 注册全局中间件
func (e *Engine) Use(middlewares ...HandlerFunc) {
	e.engine.Use(WrapMiddlewares(middlewares...)...)
}

// Group 返回路由组
func (e *Engine) Group(path string, middlewares ...HandlerFunc) *RouterGroup {
	return &RouterGroup{group: e.engine.Group(path, WrapMiddlewares(middlewares...)...)}
}

// RouterGroup 返回根路由组
func (e *Engine) RouterGroup() *RouterGroup {
	return &RouterGroup{group: &e.engine.RouterGroup}
}

// Handler 返回 http.Handler（测试使用 httptest）
func (e *Engine) Handler() http.Handler {
	return e.engine
}

// Run 监听并服务，ctx 结束时优雅关闭
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		return err
	}
	return e.Serve(ctx, ln)
}

// Serve 在给定 listener 上服务，ctx 结束时优雅关闭
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	s := e.config.Server
	e.server = &http.Server{
		Handler:        e.engine,
		ReadTimeout:    s.ReadTimeout,
		WriteTimeout:   s.WriteTimeout,
		IdleTimeout:    s.IdleTimeout,
		MaxHeaderBytes: s.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("http server forced to close", zap.Error(err))
		return err
	}
	e.log.Info("http server stopped")
	return nil
}
