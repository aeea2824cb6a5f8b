package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Router 计算投递集合并在本进程投递，跨进程部分交给 Fanout
type Router struct {
	reg     *Registry
	metrics *Collector
	fanout  *Fanout
	sealer  *Sealer
	now     func() time.Time
	log     *zap.Logger
}

// NewRouter 创建路由器并接管注册表的事件投递
func NewRouter(reg *Registry, metrics *Collector, now func() time.Time, log *zap.Logger) *Router {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	rt := &Router{reg: reg, metrics: metrics, now: now, log: log}
	reg.SetEmitter(rt)
	return rt
}

// attach 绑定 Fanout 与加密器，由 Hub 在构造时调用
func (rt *Router) attach(f *Fanout, s *Sealer) {
	rt.fanout = f
	rt.sealer = s
}

// SendToConnection 尽力投递，写失败时移除连接而不是返回错误
func (rt *Router) SendToConnection(connID string, payload []byte) bool {
	t, ok := rt.reg.transport(connID)
	if !ok {
		return false
	}
	if err := t.Send(payload); err != nil {
		rt.log.Debug("write failed, removing connection", zap.String("conn_id", connID), zap.Error(err))
		if rt.metrics != nil {
			rt.metrics.RecordError(connID)
		}
		rt.reg.Disconnect(connID, websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	rt.reg.Touch(connID)
	if rt.metrics != nil {
		rt.metrics.RecordSent(connID, len(payload))
	}
	return true
}

// SendFrame 编码后投递
func (rt *Router) SendFrame(connID string, f Frame) bool {
	payload, err := EncodeFrame(f, rt.now())
	if err != nil {
		rt.log.Error("encode frame failed", zap.String("type", string(f.FrameType())), zap.Error(err))
		return false
	}
	return rt.SendToConnection(connID, payload)
}

// SendToUser 投递到用户在本进程的所有连接，返回成功数
func (rt *Router) SendToUser(userID string, payload []byte) int {
	n := 0
	for _, id := range rt.reg.UserConnections(userID) {
		if rt.SendToConnection(id, payload) {
			n++
		}
	}
	return n
}

// SendToRoom 本地投递给未排除的成员，并发布到其他进程
func (rt *Router) SendToRoom(ctx context.Context, room string, payload []byte, exclude ...string) int {
	n := rt.deliverRoom(room, payload, toSet(exclude))
	rt.publish(ctx, RoomBroadcast{Room: room, Message: json.RawMessage(payload), ExcludeConnections: exclude})
	return n
}

// SendRoomMessage 投递房间消息；敏感消息在配置密钥时以密文跨进程传输
func (rt *Router) SendRoomMessage(ctx context.Context, msg RoomMessage, exclude ...string) int {
	payload, err := EncodeFrame(msg, rt.now())
	if err != nil {
		rt.log.Error("encode room message failed", zap.Error(err))
		return 0
	}
	if !msg.Sensitive || rt.sealer == nil {
		return rt.SendToRoom(ctx, msg.Room, payload, exclude...)
	}

	n := rt.deliverRoom(msg.Room, payload, toSet(exclude))
	rt.publish(ctx, SealedRoomBroadcast{
		Room:               msg.Room,
		UserID:             msg.UserID,
		ConnectionID:       msg.ConnectionID,
		Sealed:             rt.sealer.Seal(msg.Message, []byte(msg.Room)),
		ExcludeConnections: exclude,
	})
	return n
}

// Broadcast 全局广播
func (rt *Router) Broadcast(ctx context.Context, payload []byte, exclude ...string) int {
	n := rt.deliverAll(payload, toSet(exclude))
	rt.publish(ctx, GlobalBroadcast{Message: json.RawMessage(payload), ExcludeConnections: exclude})
	return n
}

// SendToUserEverywhere 投递到用户在所有进程的连接
func (rt *Router) SendToUserEverywhere(ctx context.Context, userID string, payload []byte) int {
	n := rt.SendToUser(userID, payload)
	rt.publish(ctx, UserMessage{UserID: userID, Message: json.RawMessage(payload)})
	return n
}

// DisconnectUser 通知并断开用户在所有进程的连接，返回本进程断开数
func (rt *Router) DisconnectUser(ctx context.Context, userID, reason string) int {
	n := rt.disconnectLocal(userID, reason)
	rt.publish(ctx, UserDisconnect{UserID: userID, Reason: reason})
	return n
}

func (rt *Router) disconnectLocal(userID, reason string) int {
	n := 0
	for _, id := range rt.reg.UserConnections(userID) {
		rt.SendFrame(id, ForcedDisconnect{Reason: reason})
		if rt.reg.Disconnect(id, websocket.CloseNormalClosure, reason) {
			n++
		}
	}
	return n
}

func (rt *Router) publish(ctx context.Context, env Envelope) {
	if rt.fanout == nil {
		return
	}
	// 编码与总线错误均由 Fanout 记录日志并计入 publish_errors，本地投递不受影响
	_ = rt.fanout.Publish(ctx, env)
}

func (rt *Router) deliverRoom(room string, payload []byte, exclude map[string]struct{}) int {
	n := 0
	for _, id := range rt.reg.Members(room) {
		if _, skip := exclude[id]; skip {
			continue
		}
		if rt.SendToConnection(id, payload) {
			n++
		}
	}
	return n
}

func (rt *Router) deliverAll(payload []byte, exclude map[string]struct{}) int {
	n := 0
	for _, id := range rt.reg.ConnectionIDs() {
		if _, skip := exclude[id]; skip {
			continue
		}
		if rt.SendToConnection(id, payload) {
			n++
		}
	}
	return n
}

// deliverRemote 投递来自其他进程的信封，从不重新发布
func (rt *Router) deliverRemote(env Envelope) int {
	switch e := env.(type) {
	case RoomBroadcast:
		return rt.deliverRoom(e.Room, e.Message, toSet(e.ExcludeConnections))
	case SealedRoomBroadcast:
		if len(rt.reg.Members(e.Room)) == 0 {
			return 0
		}
		return rt.deliverRoom(e.Room, rt.openSealed(e), toSet(e.ExcludeConnections))
	case GlobalBroadcast:
		return rt.deliverAll(e.Message, toSet(e.ExcludeConnections))
	case UserMessage:
		return rt.SendToUser(e.UserID, e.Message)
	case UserDisconnect:
		return rt.disconnectLocal(e.UserID, e.Reason)
	default:
		rt.log.Warn("unhandled envelope", zap.String("type", string(env.EnvelopeType())))
		return 0
	}
}

// openSealed 解密失败时以占位文本代替原文
func (rt *Router) openSealed(e SealedRoomBroadcast) []byte {
	msg := RoomMessage{
		Room:         e.Room,
		UserID:       e.UserID,
		ConnectionID: e.ConnectionID,
		Sensitive:    true,
	}

	var plain []byte
	var err error
	if rt.sealer == nil {
		err = ErrDecryptFailed
	} else {
		plain, err = rt.sealer.Open(e.Sealed, []byte(e.Room))
	}
	if err != nil {
		rt.log.Warn("sealed message withheld", zap.String("room", e.Room), zap.Error(err))
		placeholder, _ := json.Marshal(DecryptionFailedPlaceholder)
		msg.Message = placeholder
		msg.Withheld = true
	} else {
		msg.Message = plain
	}

	payload, err := EncodeFrame(msg, rt.now())
	if err != nil {
		rt.log.Error("encode room message failed", zap.Error(err))
		return nil
	}
	return payload
}
