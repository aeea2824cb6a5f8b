package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Registry, *Router, *Collector) {
	t.Helper()
	clock := newFakeClock()
	reg := NewRegistry(WithRegistryClock(clock.Now))
	metrics := NewCollector(5*time.Minute, nil, clock.Now, nil)
	return reg, NewRouter(reg, metrics, clock.Now, nil), metrics
}

func TestRouter_SendToRoomExcludes(t *testing.T) {
	ctx := context.Background()
	reg, rt, _ := newTestRouter(t)

	c1, t1 := admit(t, reg, "u1")
	c2, t2 := admit(t, reg, "u2")
	require.NoError(t, reg.Join(c1, "order-42"))
	require.NoError(t, reg.Join(c2, "order-42"))

	payload := `{"type":"x"}`
	n := rt.SendToRoom(ctx, "order-42", []byte(payload), c1)
	assert.Equal(t, 1, n)
	assert.True(t, t2.received(payload))
	assert.False(t, t1.received(payload))

	reg.Remove(c2)
	assert.Equal(t, []string{c1}, reg.Members("order-42"))

	reg.Remove(c1)
	assert.Empty(t, reg.Members("order-42"))
	assert.NotContains(t, reg.Stats().RoomMembers, "order-42")
}

func TestRouter_SendToUser(t *testing.T) {
	reg, rt, metrics := newTestRouter(t)

	a1, ta1 := admit(t, reg, "alice")
	_, ta2 := admit(t, reg, "alice")
	_, tb := admit(t, reg, "bob")
	metrics.Open(a1, "alice", time.Now())

	assert.Equal(t, 2, rt.SendToUser("alice", []byte("hello")))
	assert.True(t, ta1.received("hello"))
	assert.True(t, ta2.received("hello"))
	assert.False(t, tb.received("hello"))

	snap, ok := metrics.Snapshot(a1)
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.MessagesSent)
	assert.Equal(t, int64(5), snap.BytesSent)

	assert.Equal(t, 0, rt.SendToUser("nobody", []byte("hello")))
}

func TestRouter_Broadcast(t *testing.T) {
	reg, rt, _ := newTestRouter(t)

	c1, t1 := admit(t, reg, "u1")
	_, t2 := admit(t, reg, "u2")
	_, t3 := admit(t, reg, "u3")

	assert.Equal(t, 2, rt.Broadcast(context.Background(), []byte("all"), c1))
	assert.False(t, t1.received("all"))
	assert.True(t, t2.received("all"))
	assert.True(t, t3.received("all"))
}

func TestRouter_WriteFailureRemoves(t *testing.T) {
	reg, rt, metrics := newTestRouter(t)

	c1, t1 := admit(t, reg, "u1", "room-a")
	metrics.Open(c1, "u1", time.Now())
	t1.setFail(true)

	assert.False(t, rt.SendToConnection(c1, []byte("x")))
	assert.False(t, reg.IsOnline("u1"))
	assert.Equal(t, int64(1), metrics.Health().TotalErrors)

	_, code, reason := t1.closed()
	assert.Equal(t, websocket.CloseAbnormalClosure, code)
	assert.Equal(t, "write failed", reason)

	// 未知连接不报错
	assert.False(t, rt.SendToConnection(c1, []byte("x")))
}

func TestRouter_DisconnectUser(t *testing.T) {
	reg, rt, _ := newTestRouter(t)

	_, t1 := admit(t, reg, "u1")
	_, t2 := admit(t, reg, "u1")
	_, other := admit(t, reg, "u2")

	n := rt.DisconnectUser(context.Background(), "u1", "maintenance")
	assert.Equal(t, 2, n)
	assert.False(t, reg.IsOnline("u1"))
	assert.True(t, reg.IsOnline("u2"))

	for _, tr := range []*fakeTransport{t1, t2} {
		forced := framesOf[ForcedDisconnect](t, tr)
		require.Len(t, forced, 1)
		assert.Equal(t, "maintenance", forced[0].Reason)

		_, code, reason := tr.closed()
		assert.Equal(t, websocket.CloseNormalClosure, code)
		assert.Equal(t, "maintenance", reason)
	}
	closes, _, _ := other.closed()
	assert.Equal(t, 0, closes)
}

func TestRouter_DeliverRemote(t *testing.T) {
	reg, rt, _ := newTestRouter(t)

	c1, t1 := admit(t, reg, "u1", "room-a")
	_, t2 := admit(t, reg, "u2", "room-a")
	_, t3 := admit(t, reg, "u3")

	tests := []struct {
		name string
		env  Envelope
		want int
	}{
		{"room with exclusion", RoomBroadcast{Room: "room-a", Message: json.RawMessage(`"r"`), ExcludeConnections: []string{c1}}, 1},
		{"room without local members", RoomBroadcast{Room: "elsewhere", Message: json.RawMessage(`"e"`)}, 0},
		{"global", GlobalBroadcast{Message: json.RawMessage(`"g"`)}, 3},
		{"user", UserMessage{UserID: "u3", Message: json.RawMessage(`"u"`)}, 1},
		{"sealed without local members", SealedRoomBroadcast{Room: "elsewhere", Sealed: []byte("x")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rt.deliverRemote(tt.env))
		})
	}

	assert.False(t, t1.received(`"r"`))
	assert.True(t, t2.received(`"r"`))
	assert.True(t, t3.received(`"u"`))

	assert.Equal(t, 1, rt.deliverRemote(UserDisconnect{UserID: "u3", Reason: "bye"}))
	assert.False(t, reg.IsOnline("u3"))
}

func TestRouter_SealedRoomMessage(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sender, err := NewSealer(key)
	require.NoError(t, err)

	plain := json.RawMessage(`{"card":"4111"}`)
	env := SealedRoomBroadcast{
		Room:   "vault",
		UserID: "u1",
		Sealed: sender.Seal(plain, []byte("vault")),
	}

	t.Run("same key opens", func(t *testing.T) {
		reg, rt, _ := newTestRouter(t)
		rt.attach(nil, sender)
		_, tr := admit(t, reg, "u2", "vault")

		require.Equal(t, 1, rt.deliverRemote(env))
		msgs := framesOf[RoomMessage](t, tr)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, string(plain), string(msgs[0].Message))
		assert.False(t, msgs[0].Withheld)
		assert.True(t, msgs[0].Sensitive)
	})

	t.Run("wrong key withholds", func(t *testing.T) {
		other := make([]byte, 32)
		receiver, err := NewSealer(other)
		require.NoError(t, err)

		reg, rt, _ := newTestRouter(t)
		rt.attach(nil, receiver)
		_, tr := admit(t, reg, "u2", "vault")

		require.Equal(t, 1, rt.deliverRemote(env))
		msgs := framesOf[RoomMessage](t, tr)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Withheld)
		assert.Equal(t, `"decryption failed"`, string(msgs[0].Message))
	})

	t.Run("no key withholds", func(t *testing.T) {
		reg, rt, _ := newTestRouter(t)
		_, tr := admit(t, reg, "u2", "vault")

		require.Equal(t, 1, rt.deliverRemote(env))
		msgs := framesOf[RoomMessage](t, tr)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Withheld)
	})
}
