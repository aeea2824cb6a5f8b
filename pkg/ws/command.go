package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// 内置命令
const (
	ActionJoinRoom      = "join_room"
	ActionLeaveRoom     = "leave_room"
	ActionRoomMessage   = "room_message"
	ActionDirectMessage = "direct_message"
)

// Session 命令的发送方
type Session struct {
	ConnID string
	UserID string
	IP     string
}

// commandHeader 所有命令共有的字段
type commandHeader struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// JoinRoomRequest join_room / leave_room
type JoinRoomRequest struct {
	Room string `json:"room"`
}

// RoomMessageRequest room_message
type RoomMessageRequest struct {
	Room      string          `json:"room"`
	Message   json.RawMessage `json:"message"`
	Sensitive bool            `json:"sensitive,omitempty"`
}

// DirectMessageRequest direct_message
type DirectMessageRequest struct {
	UserID  string          `json:"user_id"`
	Message json.RawMessage `json:"message"`
}

// CommandHandler 命令处理器，raw 为完整的上行帧
type CommandHandler func(ctx context.Context, s *Session, raw []byte) error

// NextFunc 中间件下一步函数
type NextFunc func() error

// CommandMiddleware 命令中间件，不调用 next 即丢弃该帧
type CommandMiddleware func(ctx context.Context, s *Session, raw []byte, next NextFunc) error

// CommandRouter 按 action 分发上行命令
type CommandRouter struct {
	mu         sync.RWMutex
	handlers   map[string]CommandHandler
	middleware []CommandMiddleware
	compiled   CommandHandler // 预编译的中间件链
	frozen     bool
}

// NewCommandRouter 创建命令路由器
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		handlers: make(map[string]CommandHandler),
	}
}

// Register 注册处理器
func (r *CommandRouter) Register(action string, h CommandHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	if _, exists := r.handlers[action]; exists {
		return ErrHandlerExists
	}
	r.handlers[action] = h
	return nil
}

// Use 添加中间件，按添加顺序执行
func (r *CommandRouter) Use(mw ...CommandMiddleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
	r.compiled = nil
}

// Freeze 冻结路由器并预编译中间件链
func (r *CommandRouter) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	r.compiled = r.buildChain()
}

// buildChain 调用方持有锁
func (r *CommandRouter) buildChain() CommandHandler {
	final := CommandHandler(r.dispatch)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		mw, next := r.middleware[i], final
		final = func(ctx context.Context, s *Session, raw []byte) error {
			return mw(ctx, s, raw, func() error {
				return next(ctx, s, raw)
			})
		}
	}
	return final
}

// Route 执行中间件链并分发
func (r *CommandRouter) Route(ctx context.Context, s *Session, raw []byte) error {
	r.mu.RLock()
	chain := r.compiled
	r.mu.RUnlock()

	if chain == nil {
		r.mu.Lock()
		if r.compiled == nil {
			r.compiled = r.buildChain()
		}
		chain = r.compiled
		r.mu.Unlock()
	}
	return chain(ctx, s, raw)
}

// dispatch 解析 action 并调用处理器
func (r *CommandRouter) dispatch(ctx context.Context, s *Session, raw []byte) error {
	var h commandHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return &CommandError{Err: fmt.Errorf("%w: %w", ErrInvalidMessage, err)}
	}

	r.mu.RLock()
	handler, ok := r.handlers[h.Action]
	r.mu.RUnlock()
	if !ok {
		return &CommandError{RequestID: h.RequestID, Err: fmt.Errorf("%w: %q", ErrUnknownAction, h.Action)}
	}

	if err := handler(ctx, s, raw); err != nil {
		return &CommandError{RequestID: h.RequestID, Err: err}
	}
	return nil
}

// CommandError 处理失败，携带请求 ID 以便回写错误帧
type CommandError struct {
	RequestID string
	Err       error
}

func (e *CommandError) Error() string { return e.Err.Error() }

func (e *CommandError) Unwrap() error { return e.Err }

// HandleFunc 泛型处理器
type HandleFunc[Req any] func(ctx context.Context, s *Session, req *Req) error

// Handle 注册泛型处理器，自动解析请求体
func Handle[Req any](r *CommandRouter, action string, fn HandleFunc[Req]) error {
	return r.Register(action, func(ctx context.Context, s *Session, raw []byte) error {
		var req Req
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return fn(ctx, s, &req)
	})
}

// errorCode 错误帧中的 code
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrInvalidRoom):
		return "invalid_room"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrContentTooLarge):
		return "content_too_large"
	case errors.Is(err, ErrMalformedContent):
		return "malformed_content"
	case errors.Is(err, ErrContentRejected):
		return "content_rejected"
	case errors.Is(err, ErrEmptyUserID):
		return "invalid_user"
	default:
		return "internal_error"
	}
}

// errorFrame 把处理错误转换为错误帧
func errorFrame(err error) ErrorFrame {
	f := ErrorFrame{Code: errorCode(err), Message: err.Error()}
	var ce *CommandError
	if errors.As(err, &ce) {
		f.RequestID = ce.RequestID
	}
	if f.Code == "internal_error" {
		f.Message = "internal error"
	}
	return f
}
