package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/limiter"
)

// TokenVerifier 令牌校验，返回用户 ID
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// VerifierFunc 函数适配
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) VerifyToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// MessageStore 房间消息持久化（可选）
type MessageStore interface {
	Append(ctx context.Context, room, userID string, payload []byte) error
}

// HubStats 管理端统计
type HubStats struct {
	Registry Stats       `json:"registry"`
	Health   Health      `json:"health"`
	Fanout   FanoutStats `json:"fanout"`
}

// 关闭原因
const (
	reasonShutdown  = "server shutting down"
	reasonViolation = "content policy violation"
	reasonBlocked   = "ip blocked"
	reasonAdmin     = "disconnected by administrator"
)

// Hub 组装注册表、路由、分发、防护、指标与清理，并处理连接升级
type Hub struct {
	cfg *Config
	log *zap.Logger
	now func() time.Time

	registry *Registry
	router   *Router
	fanout   *Fanout
	guard    *Guard
	metrics  *Collector
	reaper   *Reaper
	commands *CommandRouter
	upgrader *websocket.Upgrader

	verifier TokenVerifier
	store    MessageStore

	wg      sync.WaitGroup // 连接协程
	closing atomic.Bool
	admitMu sync.RWMutex // 准入持读锁，Shutdown 持写锁翻转 closing
}

// NewHub 创建 Hub
func NewHub(opts ...Option) (*Hub, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: Verifier is required", ErrInvalidConfig)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	var sealer *Sealer
	if cfg.SealKey != "" {
		key, err := ParseKey(cfg.SealKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if sealer, err = NewSealer(key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	blocklist := cfg.Blocklist
	if blocklist == nil {
		c, err := cache.New(cache.WithKeyPrefix("ws:"))
		if err != nil {
			return nil, err
		}
		blocklist = NewCacheBlocklist(c)
	}

	h := &Hub{
		cfg:      cfg,
		log:      log,
		now:      now,
		verifier: cfg.Verifier,
		store:    cfg.Store,
		upgrader: newUpgrader(cfg),
		commands: NewCommandRouter(),
	}

	h.registry = NewRegistry(
		WithRegistryClock(now),
		WithRegistryLogger(log),
		WithRegistryScope(cfg.PresenceScope),
		WithRegistryLimits(cfg.MaxConnectionsPerUser, cfg.Room.MaxRoomSize),
	)
	h.metrics = NewCollector(cfg.Metrics.ActiveWindow, cfg.Sink, now, log)
	h.router = NewRouter(h.registry, h.metrics, now, log)
	h.fanout = NewFanout(cfg.Bus, cfg.Fanout, h.router.deliverRemote, log)
	h.router.attach(h.fanout, sealer)
	h.guard = NewGuard(
		cfg.Guard,
		cfg.ConnectionStore,
		limiter.NewMemoryStore(limiter.WithClock(now)),
		blocklist,
		log,
	)
	h.reaper = NewReaper(h.registry, cfg.Reaper, now, log)

	// 在注册表锁内开启会话，保证 Open 先于同一连接的 Close
	h.registry.OnAdmit(func(info ConnectionInfo) {
		h.metrics.Open(info.ID, info.UserID, info.ConnectedAt)
	})
	h.registry.OnRemove(func(info ConnectionInfo, reason string) {
		h.guard.Forget(info.ID)
		// 摘要交给 SummarySink，这里只留调试日志
		h.metrics.Close(info.ID, reason)
		h.log.Debug("connection removed",
			zap.String("conn_id", info.ID),
			zap.String("user_id", info.UserID),
			zap.String("reason", reason))
	})

	h.commands.Use(h.rateLimitMiddleware, h.contentMiddleware)
	if err := h.registerBuiltins(); err != nil {
		return nil, err
	}

	if cfg.Bus == nil {
		log.Info("no bus configured, running in single-process mode")
	}
	return h, nil
}

// Registry 连接注册表
func (h *Hub) Registry() *Registry { return h.registry }

// Router 投递路由
func (h *Hub) Router() *Router { return h.router }

// Guard 准入与消息防护
func (h *Hub) Guard() *Guard { return h.guard }

// Metrics 指标收集器
func (h *Hub) Metrics() *Collector { return h.metrics }

// Fanout 跨进程分发
func (h *Hub) Fanout() *Fanout { return h.fanout }

// Commands 命令路由，可注册自定义命令
func (h *Hub) Commands() *CommandRouter { return h.commands }

// Path 连接路径
func (h *Hub) Path() string { return h.cfg.Path }

// Run 运行后台任务直到 ctx 结束
func (h *Hub) Run(ctx context.Context) error {
	h.commands.Freeze()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.fanout.Run(ctx)
	})
	g.Go(func() error {
		h.reaper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		h.metrics.RunSweep(ctx, h.cfg.Metrics.SweepInterval)
		return nil
	})
	g.Go(func() error {
		h.guard.RunCleanup(ctx)
		return nil
	})
	return g.Wait()
}

// Shutdown 拒绝新连接并以 1001 关闭所有连接，等待连接协程退出
func (h *Hub) Shutdown(ctx context.Context) error {
	// 写锁等待进行中的准入完成登记，之后的准入都会看到 closing
	h.admitMu.Lock()
	h.closing.Store(true)
	h.admitMu.Unlock()

	ids := h.registry.ConnectionIDs()
	for _, id := range ids {
		h.registry.Disconnect(id, websocket.CloseGoingAway, reasonShutdown)
	}
	h.log.Info("hub shutting down", zap.Int("connections", len(ids)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleUpgrade 升级连接并完成准入；ip 为空时取 RemoteAddr
// 准入失败时以 1008 关闭，不产生任何注册表状态
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request, ip string) error {
	if h.closing.Load() {
		http.Error(w, reasonShutdown, http.StatusServiceUnavailable)
		return ErrConnectionClosed
	}
	if ip == "" {
		ip = remoteIP(r)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx := r.Context()
	if ok, retry := h.guard.AllowConnection(ctx, ip); !ok {
		h.log.Info("connection rejected", zap.String("ip", ip), zap.Duration("retry_after", retry))
		h.reject(conn, retryReason(retry))
		return ErrAdmissionDenied
	}

	userID, err := h.verifier.VerifyToken(ctx, tokenFromRequest(r))
	if err != nil || userID == "" {
		h.log.Info("token rejected", zap.String("ip", ip), zap.Error(err))
		h.reject(conn, "unauthorized")
		return ErrUnauthorized
	}

	q := r.URL.Query()
	meta := ClientMeta{
		ClientType:    q.Get("client_type"),
		ClientVersion: q.Get("client_version"),
		DeviceID:      q.Get("device_id"),
		IP:            ip,
	}

	// 认证可能耗时，关闭检查放到认证之后并与 Shutdown 互斥
	h.admitMu.RLock()
	if h.closing.Load() {
		h.admitMu.RUnlock()
		h.closeConn(conn, websocket.CloseGoingAway, reasonShutdown)
		return ErrConnectionClosed
	}
	client := NewClient(conn, h.cfg.Client, h.log)
	id, joined, err := h.registry.Admit(userID, meta, client, splitRooms(q.Get("rooms"))...)
	if err != nil {
		h.admitMu.RUnlock()
		h.log.Info("admission failed", zap.String("user_id", userID), zap.Error(err))
		h.reject(conn, err.Error())
		return err
	}
	h.wg.Add(1)
	h.admitMu.RUnlock()

	sess := &Session{ConnID: id, UserID: userID, IP: ip}
	client.bind(id,
		func(msgType int, data []byte) { h.handleFrame(sess, msgType, data) },
		func(code int, reason string) { h.registry.Disconnect(id, code, reason) },
	)
	h.router.SendFrame(id, ConnectionEstablished{ConnectionID: id, UserID: userID, Rooms: joined})

	go func() {
		defer h.wg.Done()
		client.Run()
	}()
	return nil
}

// reject 以 1008 关闭尚未准入的连接
func (h *Hub) reject(conn *websocket.Conn, reason string) {
	h.closeConn(conn, websocket.ClosePolicyViolation, reason)
}

func (h *Hub) closeConn(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.Client.WriteWait))
	_ = conn.Close()
}

func retryReason(retry time.Duration) string {
	if retry <= 0 {
		return "connection rejected"
	}
	return fmt.Sprintf("rate limited, retry after %ds", int(math.Ceil(retry.Seconds())))
}

// handleFrame 处理一条上行帧
func (h *Hub) handleFrame(s *Session, msgType int, data []byte) {
	h.registry.Touch(s.ConnID)
	h.metrics.RecordReceived(s.ConnID, len(data))

	if msgType == websocket.TextMessage && string(data) == PingFrame {
		h.router.SendToConnection(s.ConnID, []byte(PongFrame))
		return
	}

	if err := h.commands.Route(context.Background(), s, data); err != nil {
		h.router.SendFrame(s.ConnID, errorFrame(err))
	}
}

// rateLimitMiddleware 超限的消息直接丢弃
func (h *Hub) rateLimitMiddleware(ctx context.Context, s *Session, raw []byte, next NextFunc) error {
	if !h.guard.AllowMessage(s.ConnID) {
		h.log.Debug("message dropped by rate limit", zap.String("conn_id", s.ConnID))
		return nil
	}
	return next()
}

// contentMiddleware 违规消息计入错误，累计过多时封禁来源 IP 并断开
func (h *Hub) contentMiddleware(ctx context.Context, s *Session, raw []byte, next NextFunc) error {
	err := h.guard.CheckContent(raw)
	if err == nil {
		return next()
	}

	h.metrics.RecordError(s.ConnID)
	h.log.Info("content rejected", zap.String("conn_id", s.ConnID), zap.String("ip", s.IP), zap.Error(err))
	if h.guard.RecordViolation(ctx, s.IP) {
		h.router.SendFrame(s.ConnID, ForcedDisconnect{Reason: reasonViolation})
		h.registry.Disconnect(s.ConnID, websocket.ClosePolicyViolation, reasonViolation)
		return nil
	}
	return err
}

func (h *Hub) registerBuiltins() error {
	if err := Handle[JoinRoomRequest](h.commands, ActionJoinRoom, h.joinRoom); err != nil {
		return err
	}
	if err := Handle[JoinRoomRequest](h.commands, ActionLeaveRoom, h.leaveRoom); err != nil {
		return err
	}
	if err := Handle[RoomMessageRequest](h.commands, ActionRoomMessage, h.roomMessage); err != nil {
		return err
	}
	return Handle[DirectMessageRequest](h.commands, ActionDirectMessage, h.directMessage)
}

func (h *Hub) joinRoom(_ context.Context, s *Session, req *JoinRoomRequest) error {
	return h.registry.Join(s.ConnID, req.Room)
}

func (h *Hub) leaveRoom(_ context.Context, s *Session, req *JoinRoomRequest) error {
	return h.registry.Leave(s.ConnID, req.Room)
}

// roomMessage 转发给房间内其他成员，发送方必须是成员
func (h *Hub) roomMessage(ctx context.Context, s *Session, req *RoomMessageRequest) error {
	if !validRoom(req.Room) {
		return ErrInvalidRoom
	}
	if len(req.Message) == 0 {
		return ErrInvalidMessage
	}
	if !h.registry.IsMember(s.ConnID, req.Room) {
		return ErrNotInRoom
	}

	h.router.SendRoomMessage(ctx, RoomMessage{
		Room:         req.Room,
		UserID:       s.UserID,
		ConnectionID: s.ConnID,
		Message:      req.Message,
		Sensitive:    req.Sensitive,
	}, s.ConnID)

	if h.store != nil {
		if err := h.store.Append(ctx, req.Room, s.UserID, req.Message); err != nil {
			h.log.Warn("message store append failed", zap.String("room", req.Room), zap.Error(err))
		}
	}
	return nil
}

func (h *Hub) directMessage(ctx context.Context, s *Session, req *DirectMessageRequest) error {
	if req.UserID == "" {
		return ErrEmptyUserID
	}
	if len(req.Message) == 0 {
		return ErrInvalidMessage
	}
	payload, err := EncodeFrame(DirectMessage{From: s.UserID, Message: req.Message}, h.now())
	if err != nil {
		return err
	}
	h.router.SendToUserEverywhere(ctx, req.UserID, payload)
	return nil
}

// BroadcastAdmin 发送管理员广播，room 为空时全局广播，返回本进程投递数
func (h *Hub) BroadcastAdmin(ctx context.Context, room string, message json.RawMessage) (int, error) {
	if !json.Valid(message) {
		return 0, ErrInvalidMessage
	}
	if room != "" && !validRoom(room) {
		return 0, ErrInvalidRoom
	}

	payload, err := EncodeFrame(AdminBroadcast{Room: room, Message: message}, h.now())
	if err != nil {
		return 0, err
	}
	if room == "" {
		return h.router.Broadcast(ctx, payload), nil
	}
	return h.router.SendToRoom(ctx, room, payload), nil
}

// DisconnectUser 强制断开用户在所有进程的连接，返回本进程断开数
func (h *Hub) DisconnectUser(ctx context.Context, userID, reason string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}
	if reason == "" {
		reason = reasonAdmin
	}
	return h.router.DisconnectUser(ctx, userID, reason), nil
}

// BlockIP 封禁 ip 并断开本进程内来自该 IP 的连接
func (h *Hub) BlockIP(ctx context.Context, ip string, d time.Duration) (int, error) {
	if d <= 0 {
		d = h.cfg.Guard.BlockDuration
	}
	if err := h.guard.BlockIP(ctx, ip, d); err != nil {
		return 0, err
	}

	n := 0
	for _, info := range h.registry.Connections() {
		if info.Meta.IP != ip {
			continue
		}
		h.router.SendFrame(info.ID, ForcedDisconnect{Reason: reasonBlocked})
		if h.registry.Disconnect(info.ID, websocket.ClosePolicyViolation, reasonBlocked) {
			n++
		}
	}
	return n, nil
}

// UnblockIP 解除封禁
func (h *Hub) UnblockIP(ctx context.Context, ip string) error {
	return h.guard.UnblockIP(ctx, ip)
}

// Stats 统计快照
func (h *Hub) Stats() HubStats {
	return HubStats{
		Registry: h.registry.Stats(),
		Health:   h.metrics.Health(),
		Fanout:   h.fanout.Stats(),
	}
}
