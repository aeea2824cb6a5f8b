package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/ws"
	"go.uber.org/zap"
)

// SessionLister 查询最近结束的会话摘要
type SessionLister interface {
	Recent(ctx context.Context, limit int) ([]ws.SessionSummary, error)
}

// Handlers 把 Hub 暴露为 HTTP 接口
type Handlers struct {
	hub      *ws.Hub
	sessions SessionLister
	cache    *cache.SingleflightCache
	cacheTTL time.Duration
	log      *zap.Logger
}

// HandlersOption Handlers 选项
type HandlersOption func(*Handlers)

// WithSessionLister 启用 /admin/sessions
func WithSessionLister(s SessionLister) HandlersOption {
	return func(h *Handlers) {
		h.sessions = s
	}
}

// WithSessionCache 为会话查询加一层缓存，并发未命中只查询一次
func WithSessionCache(c cache.Cache, ttl time.Duration) HandlersOption {
	return func(h *Handlers) {
		if c != nil {
			h.cache = cache.NewSingleflightCache(c)
			h.cacheTTL = ttl
		}
	}
}

// WithHandlersLogger 设置日志
func WithHandlersLogger(log *zap.Logger) HandlersOption {
	return func(h *Handlers) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandlers 创建 Handlers
func NewHandlers(hub *ws.Hub, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		hub:      hub,
		cacheTTL: 5 * time.Second,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册路由，admin 中间件只作用于 /admin 组
func (h *Handlers) Register(rg *RouterGroup, admin ...HandlerFunc) {
	rg.GET("/healthz", h.healthz)
	rg.GET(h.hub.Path(), h.upgrade)

	g := rg.Group("/admin", admin...)
	Handle[BroadcastRequest, DeliveryResponse](g.POST, "/broadcast", h.broadcast)
	Handle[DisconnectRequest, DeliveryResponse](g.POST, "/users/:id/disconnect", h.disconnect)
	Handle[BlockRequest, DeliveryResponse](g.POST, "/block", h.block)
	Handle0[UnblockRequest](g.DELETE, "/block/:ip", h.unblock)
	HandleOnly[ws.HubStats](g.GET, "/stats", h.stats)
	Handle[SessionsRequest, SessionsResponse](g.GET, "/sessions", h.listSessions)
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Fanout      bool   `json:"fanout"`
}

func (h *Handlers) healthz(c *Context) {
	stats := h.hub.Stats()
	resp := HealthResponse{
		Status:      "ok",
		Connections: stats.Registry.Connections,
		Fanout:      stats.Fanout.Healthy,
	}
	// 单进程部署没有总线；配置了总线但不可用时仍可服务本地连接
	if stats.Fanout.Enabled && !stats.Fanout.Healthy {
		resp.Status = "degraded"
	}
	c.Success(resp)
}

// upgrade 握手失败时 gorilla 已写入响应，这里只记录
func (h *Handlers) upgrade(c *Context) {
	if err := h.hub.HandleUpgrade(c.Writer(), c.Request(), c.ClientIP()); err != nil {
		h.log.Debug("websocket upgrade failed",
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err),
		)
	}
	c.Abort()
}

// BroadcastRequest 管理员广播，Room 为空时全局广播
type BroadcastRequest struct {
	Room    string          `json:"room"`
	Message json.RawMessage `json:"message" binding:"required"`
}

// DeliveryResponse 本进程内受影响的连接数
type DeliveryResponse struct {
	Delivered int `json:"delivered"`
}

func (h *Handlers) broadcast(c *Context, req *BroadcastRequest) (*DeliveryResponse, error) {
	n, err := h.hub.BroadcastAdmin(c.RequestContext(), req.Room, req.Message)
	if err != nil {
		return nil, mapHubError(err)
	}
	c.Logger(h.log).Info("admin broadcast",
		zap.String("admin", GetContextAdmin(c)),
		zap.String("room", req.Room),
		zap.Int("delivered", n),
	)
	return &DeliveryResponse{Delivered: n}, nil
}

// DisconnectRequest 强制断开用户
type DisconnectRequest struct {
	UserID string `uri:"id" json:"-"`
	Reason string `json:"reason"`
}

func (h *Handlers) disconnect(c *Context, req *DisconnectRequest) (*DeliveryResponse, error) {
	n, err := h.hub.DisconnectUser(c.RequestContext(), req.UserID, req.Reason)
	if err != nil {
		return nil, mapHubError(err)
	}
	c.Logger(h.log).Info("admin disconnect",
		zap.String("admin", GetContextAdmin(c)),
		zap.String("user_id", req.UserID),
		zap.Int("closed", n),
	)
	return &DeliveryResponse{Delivered: n}, nil
}

// BlockRequest 封禁 IP，Duration 为空时使用默认封禁时长
type BlockRequest struct {
	IP       string `json:"ip" binding:"required,ip"`
	Duration string `json:"duration"`
}

func (h *Handlers) block(c *Context, req *BlockRequest) (*DeliveryResponse, error) {
	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed < 0 {
			return nil, errors.ErrBadRequest.WithError(fmt.Errorf("invalid duration %q", req.Duration))
		}
		d = parsed
	}
	n, err := h.hub.BlockIP(c.RequestContext(), req.IP, d)
	if err != nil {
		return nil, mapHubError(err)
	}
	c.Logger(h.log).Info("admin block ip",
		zap.String("admin", GetContextAdmin(c)),
		zap.String("ip", req.IP),
		zap.Int("closed", n),
	)
	return &DeliveryResponse{Delivered: n}, nil
}

// UnblockRequest 解除封禁
type UnblockRequest struct {
	IP string `uri:"ip"`
}

func (h *Handlers) unblock(c *Context, req *UnblockRequest) error {
	if req.IP == "" {
		return errors.ErrBadRequest
	}
	if err := h.hub.UnblockIP(c.RequestContext(), req.IP); err != nil {
		return mapHubError(err)
	}
	return nil
}

func (h *Handlers) stats(c *Context) (*ws.HubStats, error) {
	stats := h.hub.Stats()
	return &stats, nil
}

// SessionsRequest 会话查询参数
type SessionsRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// SessionsResponse 会话查询结果
type SessionsResponse struct {
	Sessions []ws.SessionSummary `json:"sessions"`
}

func (h *Handlers) listSessions(c *Context, req *SessionsRequest) (*SessionsResponse, error) {
	if h.sessions == nil {
		return nil, errors.ErrServiceUnavailable.WithMessage("会话存储未启用")
	}
	limit := req.Limit
	if limit == 0 {
		limit = 100
	}

	ctx := c.RequestContext()
	load := func() ([]ws.SessionSummary, error) {
		return h.sessions.Recent(ctx, limit)
	}

	var (
		list []ws.SessionSummary
		err  error
	)
	if h.cache != nil {
		list, err = cache.RememberWithLock(ctx, h.cache, fmt.Sprintf("relay:sessions:%d", limit), h.cacheTTL, load)
	} else {
		list, err = load()
	}
	if err != nil {
		return nil, errors.ErrServer.WithError(err)
	}
	if list == nil {
		list = []ws.SessionSummary{}
	}
	return &SessionsResponse{Sessions: list}, nil
}

// mapHubError 参数错误映射为 400，其余为 500
func mapHubError(err error) error {
	switch {
	case stderrors.Is(err, ws.ErrInvalidMessage),
		stderrors.Is(err, ws.ErrInvalidRoom),
		stderrors.Is(err, ws.ErrEmptyUserID):
		return errors.ErrBadRequest.WithError(err)
	case stderrors.Is(err, ws.ErrInvalidConfig):
		return errors.ErrServiceUnavailable.WithError(err)
	}
	return errors.ErrServer.WithError(err)
}
