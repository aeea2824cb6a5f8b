package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType 下行帧类型
type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FramePresenceUpdate        FrameType = "presence_update"
	FrameUserJoinedRoom        FrameType = "user_joined_room"
	FrameUserLeftRoom          FrameType = "user_left_room"
	FrameAdminBroadcast        FrameType = "admin_broadcast"
	FrameForcedDisconnect      FrameType = "forced_disconnect"
	FrameRoomMessage           FrameType = "room_message"
	FrameDirectMessage         FrameType = "direct_message"
	FrameError                 FrameType = "error"
)

// PingFrame 和 PongFrame 是唯一不使用 JSON 的帧
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

// DecryptionFailedPlaceholder 敏感消息无法解密时替代原文
const DecryptionFailedPlaceholder = "decryption failed"

// Frame 下行帧，实现类型固定为本文件中的结构体
type Frame interface {
	FrameType() FrameType
	isFrame()
}

// PresenceStatus 在线状态
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// ConnectionEstablished 准入成功
type ConnectionEstablished struct {
	ConnectionID string   `json:"connection_id"`
	UserID       string   `json:"user_id"`
	Rooms        []string `json:"rooms,omitempty"`
}

// PresenceUpdate 用户上下线
type PresenceUpdate struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"last_seen"`
}

// UserJoinedRoom 成员加入
type UserJoinedRoom struct {
	Room         string `json:"room"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	MemberCount  int    `json:"member_count"`
}

// UserLeftRoom 成员离开
type UserLeftRoom struct {
	Room         string `json:"room"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	MemberCount  int    `json:"member_count"`
}

// AdminBroadcast 管理员广播，Room 为空表示全局
type AdminBroadcast struct {
	Room    string          `json:"room,omitempty"`
	Message json.RawMessage `json:"message"`
}

// ForcedDisconnect 服务端主动断开
type ForcedDisconnect struct {
	Reason string `json:"reason"`
}

// RoomMessage 房间消息
type RoomMessage struct {
	Room         string          `json:"room"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Message      json.RawMessage `json:"message"`
	Sensitive    bool            `json:"sensitive,omitempty"`
	Withheld     bool            `json:"withheld,omitempty"`
}

// DirectMessage 点对点消息
type DirectMessage struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
}

// ErrorFrame 错误通知
type ErrorFrame struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (ConnectionEstablished) FrameType() FrameType { return FrameConnectionEstablished }
func (PresenceUpdate) FrameType() FrameType        { return FramePresenceUpdate }
func (UserJoinedRoom) FrameType() FrameType        { return FrameUserJoinedRoom }
func (UserLeftRoom) FrameType() FrameType          { return FrameUserLeftRoom }
func (AdminBroadcast) FrameType() FrameType        { return FrameAdminBroadcast }
func (ForcedDisconnect) FrameType() FrameType      { return FrameForcedDisconnect }
func (RoomMessage) FrameType() FrameType           { return FrameRoomMessage }
func (DirectMessage) FrameType() FrameType         { return FrameDirectMessage }
func (ErrorFrame) FrameType() FrameType            { return FrameError }

func (ConnectionEstablished) isFrame() {}
func (PresenceUpdate) isFrame()        {}
func (UserJoinedRoom) isFrame()        {}
func (UserLeftRoom) isFrame()          {}
func (AdminBroadcast) isFrame()        {}
func (ForcedDisconnect) isFrame()      {}
func (RoomMessage) isFrame()           {}
func (DirectMessage) isFrame()         {}
func (ErrorFrame) isFrame()            {}

// frameHeader 所有 JSON 帧共有的字段
type frameHeader struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// EncodeFrame 编码为 {"type":..,"timestamp":..,<fields>}，timestamp 为毫秒
func EncodeFrame(f Frame, at time.Time) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s: %w", f.FrameType(), err)
	}
	head, err := json.Marshal(frameHeader{Type: f.FrameType(), Timestamp: at.UnixMilli()})
	if err != nil {
		return nil, err
	}
	return spliceObjects(head, body), nil
}

// DecodeFrame 解码下行帧，返回具体类型和时间戳
func DecodeFrame(data []byte) (Frame, time.Time, error) {
	var h frameHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	var f Frame
	var err error
	switch h.Type {
	case FrameConnectionEstablished:
		f, err = decodeAs[ConnectionEstablished](data)
	case FramePresenceUpdate:
		f, err = decodeAs[PresenceUpdate](data)
	case FrameUserJoinedRoom:
		f, err = decodeAs[UserJoinedRoom](data)
	case FrameUserLeftRoom:
		f, err = decodeAs[UserLeftRoom](data)
	case FrameAdminBroadcast:
		f, err = decodeAs[AdminBroadcast](data)
	case FrameForcedDisconnect:
		f, err = decodeAs[ForcedDisconnect](data)
	case FrameRoomMessage:
		f, err = decodeAs[RoomMessage](data)
	case FrameDirectMessage:
		f, err = decodeAs[DirectMessage](data)
	case FrameError:
		f, err = decodeAs[ErrorFrame](data)
	default:
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownFrame, h.Type)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return f, time.UnixMilli(h.Timestamp), nil
}

// decodeAs 解码为值类型
func decodeAs[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return v, nil
}

// spliceObjects 合并两个 JSON 对象，head 的字段在前
func spliceObjects(head, body []byte) []byte {
	if len(body) <= 2 {
		return head
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out
}
