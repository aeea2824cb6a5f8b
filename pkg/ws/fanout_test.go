package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tokmz/relay/pkg/bus"
)

func testFanoutConfig() FanoutConfig {
	cfg := DefaultConfig().Fanout
	cfg.RetryMin = 10 * time.Millisecond
	cfg.RetryMax = 50 * time.Millisecond
	cfg.PublishTimeout = time.Second
	return cfg
}

// recordingBus 只记录发布的消息
type recordingBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	b.payloads = append(b.payloads, payload)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, _ string, _ bus.Handler) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) envelopes(t *testing.T) []Envelope {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Envelope
	for _, p := range b.payloads {
		_, env, err := decodeEnvelope(p)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// node 模拟一个进程
type node struct {
	reg    *Registry
	router *Router
	fanout *Fanout
}

func startNode(t *testing.T, ctx context.Context, b bus.Bus) *node {
	t.Helper()
	reg := NewRegistry()
	rt := NewRouter(reg, nil, nil, nil)
	f := NewFanout(b, testFanoutConfig(), rt.deliverRemote, nil)
	rt.attach(f, nil)
	go func() { _ = f.Run(ctx) }()
	return &node{reg: reg, router: rt, fanout: f}
}

func TestFanout_RoomExclusionAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus()
	defer b.Close()
	channel := testFanoutConfig().Channel

	a := startNode(t, ctx, b)
	bn := startNode(t, ctx, b)
	require.Eventually(t, func() bool {
		return b.Subscribers(channel) == 2
	}, time.Second, 5*time.Millisecond)

	_, t1 := admit(t, a.reg, "u1", "order-42")
	c2, t2 := admit(t, bn.reg, "u2", "order-42")
	_, t3 := admit(t, bn.reg, "u3", "order-42")

	payload := `{"type":"x"}`
	n := a.router.SendToRoom(ctx, "order-42", []byte(payload), c2)
	assert.Equal(t, 1, n)
	assert.True(t, t1.received(payload))

	require.Eventually(t, func() bool {
		return t3.received(payload)
	}, time.Second, 5*time.Millisecond)
	assert.False(t, t2.received(payload))

	// 第二条来自 b 的消息到达 a 时，a 已处理过自己发布的信封
	marker := `{"type":"marker"}`
	bn.router.SendToRoom(ctx, "order-42", []byte(marker))
	require.Eventually(t, func() bool {
		return t1.received(marker)
	}, time.Second, 5*time.Millisecond)

	count := 0
	for _, f := range t1.raw() {
		if string(f) == payload {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), a.fanout.Stats().Received)
}

func TestFanout_DisconnectUserAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMemoryBus()
	defer b.Close()
	channel := testFanoutConfig().Channel

	a := startNode(t, ctx, b)
	bn := startNode(t, ctx, b)
	require.Eventually(t, func() bool {
		return b.Subscribers(channel) == 2
	}, time.Second, 5*time.Millisecond)

	admit(t, a.reg, "u1")
	_, remote := admit(t, bn.reg, "u1")

	assert.Equal(t, 1, a.router.DisconnectUser(ctx, "u1", "banned"))
	require.Eventually(t, func() bool {
		return !bn.reg.IsOnline("u1")
	}, time.Second, 5*time.Millisecond)

	forced := framesOf[ForcedDisconnect](t, remote)
	require.Len(t, forced, 1)
	assert.Equal(t, "banned", forced[0].Reason)
}

func TestFanout_DegradesWhenBusDown(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	b.SetDown(true)

	reg := NewRegistry()
	rt := NewRouter(reg, nil, nil, nil)
	f := NewFanout(b, testFanoutConfig(), rt.deliverRemote, nil)
	rt.attach(f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, tr := admit(t, reg, "u1", "room-a")
	assert.Equal(t, 1, rt.SendToRoom(ctx, "room-a", []byte("local")))
	assert.True(t, tr.received("local"))

	err := f.Publish(ctx, GlobalBroadcast{Message: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, bus.ErrUnavailable)
	assert.False(t, f.Healthy())
	assert.Equal(t, int64(2), f.Stats().PublishErrors)

	// 启动时总线不可用，恢复后重新订阅
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	b.SetDown(false)

	require.Eventually(t, func() bool {
		return b.Subscribers(testFanoutConfig().Channel) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.Publish(ctx, GlobalBroadcast{Message: json.RawMessage(`2`)}))
	assert.True(t, f.Healthy())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fanout did not stop")
	}
}

func TestFanout_Handle(t *testing.T) {
	var delivered atomic.Int64
	f := NewFanout(&recordingBus{}, testFanoutConfig(), func(Envelope) int {
		delivered.Add(1)
		return 1
	}, nil)

	remote, err := encodeEnvelope("env-1", "other-node", GlobalBroadcast{Message: json.RawMessage(`1`)})
	require.NoError(t, err)
	own, err := encodeEnvelope("env-2", f.NodeID(), GlobalBroadcast{Message: json.RawMessage(`2`)})
	require.NoError(t, err)

	f.handle(remote)
	f.handle(remote)
	f.handle(own)
	f.handle([]byte(`{"type":"bogus"}`))
	f.handle([]byte(`not json`))

	assert.Equal(t, int64(1), delivered.Load())
	stats := f.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, int64(2), stats.Invalid)
}

func TestFanout_EncodeFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rb := &recordingBus{}
	reg := NewRegistry()
	rt := NewRouter(reg, nil, nil, nil)
	f := NewFanout(rb, testFanoutConfig(), rt.deliverRemote, zap.New(core))
	rt.attach(f, nil)

	_, tr := admit(t, reg, "u1", "room-a")
	assert.Equal(t, 1, rt.SendToRoom(context.Background(), "room-a", []byte("plain text")))
	assert.True(t, tr.received("plain text"))

	assert.Empty(t, rb.envelopes(t))
	assert.Equal(t, int64(1), f.Stats().PublishErrors)

	entries := logs.FilterMessage("encode envelope failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, string(EnvelopeRoomBroadcast), entries[0].ContextMap()["type"])
}

func TestFanout_NilBus(t *testing.T) {
	f := NewFanout(nil, testFanoutConfig(), func(Envelope) int { return 0 }, nil)
	assert.False(t, f.Enabled())
	assert.False(t, f.Healthy())
	assert.NoError(t, f.Publish(context.Background(), GlobalBroadcast{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.Run(ctx))
}

func TestFanout_SealedPublish(t *testing.T) {
	rb := &recordingBus{}
	sealer, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)

	reg := NewRegistry()
	rt := NewRouter(reg, nil, nil, nil)
	rt.attach(NewFanout(rb, testFanoutConfig(), rt.deliverRemote, nil), sealer)

	c1, _ := admit(t, reg, "u1", "vault")
	_, t2 := admit(t, reg, "u2", "vault")

	secret := json.RawMessage(`"pin 1234"`)
	n := rt.SendRoomMessage(context.Background(), RoomMessage{
		Room: "vault", UserID: "u1", ConnectionID: c1, Message: secret, Sensitive: true,
	}, c1)
	assert.Equal(t, 1, n)

	local := framesOf[RoomMessage](t, t2)
	require.Len(t, local, 1)
	assert.Equal(t, string(secret), string(local[0].Message))

	envs := rb.envelopes(t)
	require.Len(t, envs, 1)
	sealed, ok := envs[0].(SealedRoomBroadcast)
	require.True(t, ok)
	assert.NotContains(t, string(sealed.Sealed), "pin 1234")
	assert.Equal(t, []string{c1}, sealed.ExcludeConnections)

	plain, err := sealer.Open(sealed.Sealed, []byte("vault"))
	require.NoError(t, err)
	assert.Equal(t, string(secret), string(plain))
}

func TestDedupe_Rotates(t *testing.T) {
	d := newDedupe(3)
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, d.seen(id))
	}
	// 轮换后上一代仍可识别
	assert.True(t, d.seen("a"))
	assert.False(t, d.seen("d"))

	for _, id := range []string{"e", "f"} {
		assert.False(t, d.seen(id))
	}
	// 两次轮换后最早的 id 被遗忘
	assert.False(t, d.seen("a"))
}

func TestEnvelope_Encoding(t *testing.T) {
	data, err := encodeEnvelope("id-1", "node-1", RoomBroadcast{Room: "r", Message: json.RawMessage(`{"k":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"id-1","origin":"node-1","type":"room_broadcast",
		"room":"r","message":{"k":1},"exclude_connections":[]
	}`, string(data))

	h, env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "id-1", h.ID)
	assert.Equal(t, "node-1", h.Origin)
	rb, ok := env.(RoomBroadcast)
	require.True(t, ok)
	assert.Equal(t, "r", rb.Room)

	_, _, err = decodeEnvelope([]byte(`{"type":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownEnvelope)
}
