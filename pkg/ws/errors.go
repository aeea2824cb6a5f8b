package ws

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("ws: too many connections for user")
	ErrConnectionNotFound = errors.New("ws: connection not found")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrChannelFull        = errors.New("ws: send channel full")

	// 准入相关错误
	ErrAdmissionDenied = errors.New("ws: admission denied")
	ErrUnauthorized    = errors.New("ws: unauthorized")
	ErrIPBlocked       = errors.New("ws: ip blocked")

	// 房间相关错误
	ErrRoomFull    = errors.New("ws: room is full")
	ErrInvalidRoom = errors.New("ws: invalid room name")
	ErrNotInRoom   = errors.New("ws: not a member of room")
	ErrEmptyUserID = errors.New("ws: empty user id")

	// 命令路由相关错误
	ErrHandlerExists = errors.New("ws: handler already exists")
	ErrRouterFrozen  = errors.New("ws: router is frozen")

	// 消息相关错误
	ErrUnknownAction    = errors.New("ws: unknown action")
	ErrInvalidMessage   = errors.New("ws: invalid message format")
	ErrContentTooLarge  = errors.New("ws: content too large")
	ErrContentRejected  = errors.New("ws: content rejected")
	ErrMalformedContent = errors.New("ws: malformed structured content")
	ErrUnknownFrame     = errors.New("ws: unknown frame type")
	ErrUnknownEnvelope  = errors.New("ws: unknown envelope type")
	ErrDecryptFailed    = errors.New("ws: decryption failed")

	// 配置相关错误
	ErrInvalidConfig = errors.New("ws: invalid config")
)
