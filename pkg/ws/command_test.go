package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRouter_Dispatch(t *testing.T) {
	r := NewCommandRouter()

	var got *JoinRoomRequest
	require.NoError(t, Handle[JoinRoomRequest](r, ActionJoinRoom, func(_ context.Context, _ *Session, req *JoinRoomRequest) error {
		got = req
		return nil
	}))
	assert.ErrorIs(t, r.Register(ActionJoinRoom, nil), ErrHandlerExists)

	s := &Session{ConnID: "c1", UserID: "u1"}
	require.NoError(t, r.Route(context.Background(), s, []byte(`{"action":"join_room","room":"lobby"}`)))
	require.NotNil(t, got)
	assert.Equal(t, "lobby", got.Room)
}

func TestCommandRouter_Errors(t *testing.T) {
	r := NewCommandRouter()
	require.NoError(t, Handle[RoomMessageRequest](r, ActionRoomMessage, func(context.Context, *Session, *RoomMessageRequest) error {
		return ErrNotInRoom
	}))
	require.NoError(t, r.Register("explode", func(context.Context, *Session, []byte) error {
		return errors.New("database is on fire")
	}))

	tests := []struct {
		name      string
		raw       string
		code      string
		requestID string
	}{
		{"not json", `hello`, "invalid_message", ""},
		{"unknown action", `{"action":"dance","request_id":"r1"}`, "unknown_action", "r1"},
		{"bad body", `{"action":"room_message","request_id":"r2","room":5}`, "invalid_message", "r2"},
		{"handler error", `{"action":"room_message","request_id":"r3","room":"a","message":"x"}`, "not_in_room", "r3"},
		{"internal error", `{"action":"explode"}`, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Route(context.Background(), &Session{}, []byte(tt.raw))
			require.Error(t, err)
			f := errorFrame(err)
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.requestID, f.RequestID)
			if tt.code == "internal_error" {
				assert.Equal(t, "internal error", f.Message)
			}
		})
	}
}

func TestCommandRouter_MiddlewareOrder(t *testing.T) {
	r := NewCommandRouter()
	var trace []string

	r.Use(
		func(_ context.Context, _ *Session, _ []byte, next NextFunc) error {
			trace = append(trace, "first")
			return next()
		},
		func(_ context.Context, _ *Session, raw []byte, next NextFunc) error {
			trace = append(trace, "second")
			if string(raw) == "drop" {
				return nil
			}
			return next()
		},
	)
	require.NoError(t, r.Register("noop", func(context.Context, *Session, []byte) error {
		trace = append(trace, "handler")
		return nil
	}))
	r.Freeze()

	require.NoError(t, r.Route(context.Background(), &Session{}, []byte(`{"action":"noop"}`)))
	assert.Equal(t, []string{"first", "second", "handler"}, trace)

	trace = nil
	require.NoError(t, r.Route(context.Background(), &Session{}, []byte("drop")))
	assert.Equal(t, []string{"first", "second"}, trace)

	assert.ErrorIs(t, r.Register("late", nil), ErrRouterFrozen)
}
