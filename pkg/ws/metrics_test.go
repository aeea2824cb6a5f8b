package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_SummaryOnce(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var got []SessionSummary
	sink := SinkFunc(func(s SessionSummary) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	m := NewCollector(5*time.Minute, sink, clock.Now, nil)

	start := clock.Now()
	m.Open("c1", "u1", start)
	m.RecordSent("c1", 10)
	m.RecordSent("c1", 5)
	m.RecordReceived("c1", 3)
	m.RecordError("c1")
	clock.Advance(90 * time.Second)

	s, ok := m.Close("c1", "client closed")
	require.True(t, ok)
	_, again := m.Close("c1", "client closed")
	assert.False(t, again)

	require.Len(t, got, 1)
	assert.Equal(t, s, got[0])
	assert.Equal(t, SessionSummary{
		ConnectionID:     "c1",
		UserID:           "u1",
		ConnectedAt:      start,
		DisconnectedAt:   start.Add(90 * time.Second),
		Duration:         90 * time.Second,
		MessagesSent:     2,
		MessagesReceived: 1,
		BytesSent:        15,
		BytesReceived:    3,
		Errors:           1,
		Reason:           "client closed",
	}, s)
}

func TestCollector_Health(t *testing.T) {
	clock := newFakeClock()
	m := NewCollector(5*time.Minute, nil, clock.Now, nil)

	m.Open("c1", "u1", clock.Now())
	m.Open("c2", "u1", clock.Now())
	m.Open("c3", "u2", clock.Now())
	m.RecordError("c3")
	m.RecordError("unknown")

	h := m.Health()
	assert.Equal(t, int64(3), h.ActiveConnections)
	assert.Equal(t, 2, h.ActiveUsers)
	assert.Equal(t, int64(2), h.TotalErrors)

	m.Close("c3", "")
	clock.Advance(4 * time.Minute)
	m.RecordReceived("c1", 1)
	clock.Advance(2 * time.Minute)

	h = m.Health()
	assert.Equal(t, int64(2), h.ActiveConnections)
	assert.Equal(t, int64(1), h.Sessions)
	assert.Equal(t, 1, h.ActiveUsers, "u2 left the active window")

	assert.Equal(t, 1, m.Sweep())
}

func TestCollector_SinkPanicRecovered(t *testing.T) {
	m := NewCollector(time.Minute, SinkFunc(func(SessionSummary) { panic("sink down") }), nil, nil)
	m.Open("c1", "u1", time.Now())

	assert.NotPanics(t, func() {
		_, ok := m.Close("c1", "")
		assert.True(t, ok)
	})
}

func TestCollector_RemoveHookEmitsOnce(t *testing.T) {
	var count int
	m := NewCollector(time.Minute, SinkFunc(func(SessionSummary) { count++ }), nil, nil)
	reg := NewRegistry()
	reg.OnRemove(func(info ConnectionInfo, reason string) {
		m.Close(info.ID, reason)
	})

	id, _ := admit(t, reg, "u1")
	m.Open(id, "u1", time.Now())

	reg.Remove(id)
	reg.Remove(id)
	assert.Equal(t, 1, count)
}
