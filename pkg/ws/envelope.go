package ws

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType 总线信封类型
type EnvelopeType string

const (
	EnvelopeRoomBroadcast       EnvelopeType = "room_broadcast"
	EnvelopeSealedRoomBroadcast EnvelopeType = "sealed_room_broadcast"
	EnvelopeGlobalBroadcast     EnvelopeType = "global_broadcast"
	EnvelopeUserMessage         EnvelopeType = "user_message"
	EnvelopeUserDisconnect      EnvelopeType = "user_disconnect"
)

// Envelope 跨进程信封，实现类型固定为本文件中的结构体
type Envelope interface {
	EnvelopeType() EnvelopeType
	isEnvelope()
}

// RoomBroadcast 房间广播，Message 原样投递给房间内未排除的连接
type RoomBroadcast struct {
	Room               string          `json:"room"`
	Message            json.RawMessage `json:"message"`
	ExcludeConnections []string        `json:"exclude_connections"`
}

// SealedRoomBroadcast 加密的房间消息，Sealed 为 nonce+密文
type SealedRoomBroadcast struct {
	Room               string   `json:"room"`
	UserID             string   `json:"user_id"`
	ConnectionID       string   `json:"connection_id,omitempty"`
	Sealed             []byte   `json:"sealed"`
	ExcludeConnections []string `json:"exclude_connections"`
}

// GlobalBroadcast 全局广播
type GlobalBroadcast struct {
	Message            json.RawMessage `json:"message"`
	ExcludeConnections []string        `json:"exclude_connections"`
}

// UserMessage 投递到用户的所有连接
type UserMessage struct {
	UserID  string          `json:"user_id"`
	Message json.RawMessage `json:"message"`
}

// UserDisconnect 断开用户的所有连接
type UserDisconnect struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (RoomBroadcast) EnvelopeType() EnvelopeType       { return EnvelopeRoomBroadcast }
func (SealedRoomBroadcast) EnvelopeType() EnvelopeType { return EnvelopeSealedRoomBroadcast }
func (GlobalBroadcast) EnvelopeType() EnvelopeType     { return EnvelopeGlobalBroadcast }
func (UserMessage) EnvelopeType() EnvelopeType         { return EnvelopeUserMessage }
func (UserDisconnect) EnvelopeType() EnvelopeType      { return EnvelopeUserDisconnect }

func (RoomBroadcast) isEnvelope()       {}
func (SealedRoomBroadcast) isEnvelope() {}
func (GlobalBroadcast) isEnvelope()     {}
func (UserMessage) isEnvelope()         {}
func (UserDisconnect) isEnvelope()      {}

// envelopeHeader 信封公共字段
// ID 用于去重，Origin 是发布节点，发布节点收到自己的信封时直接跳过
type envelopeHeader struct {
	ID     string       `json:"id"`
	Origin string       `json:"origin"`
	Type   EnvelopeType `json:"type"`
}

// encodeEnvelope 编码信封
func encodeEnvelope(id, origin string, env Envelope) ([]byte, error) {
	env = normalizeEnvelope(env)
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s: %w", env.EnvelopeType(), err)
	}
	head, err := json.Marshal(envelopeHeader{ID: id, Origin: origin, Type: env.EnvelopeType()})
	if err != nil {
		return nil, err
	}
	return spliceObjects(head, body), nil
}

// normalizeEnvelope exclude_connections 始终编码为数组
func normalizeEnvelope(env Envelope) Envelope {
	switch e := env.(type) {
	case RoomBroadcast:
		if e.ExcludeConnections == nil {
			e.ExcludeConnections = []string{}
		}
		return e
	case SealedRoomBroadcast:
		if e.ExcludeConnections == nil {
			e.ExcludeConnections = []string{}
		}
		return e
	case GlobalBroadcast:
		if e.ExcludeConnections == nil {
			e.ExcludeConnections = []string{}
		}
		return e
	}
	return env
}

// decodeEnvelope 解码信封
func decodeEnvelope(data []byte) (envelopeHeader, Envelope, error) {
	var h envelopeHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	var env Envelope
	var err error
	switch h.Type {
	case EnvelopeRoomBroadcast:
		env, err = decodeAs[RoomBroadcast](data)
	case EnvelopeSealedRoomBroadcast:
		env, err = decodeAs[SealedRoomBroadcast](data)
	case EnvelopeGlobalBroadcast:
		env, err = decodeAs[GlobalBroadcast](data)
	case EnvelopeUserMessage:
		env, err = decodeAs[UserMessage](data)
	case EnvelopeUserDisconnect:
		env, err = decodeAs[UserDisconnect](data)
	default:
		return h, nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, h.Type)
	}
	return h, env, err
}
