package ws

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestReaper_Sweep(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithRegistryClock(clock.Now))
	reaper := NewReaper(reg, ReaperConfig{Interval: time.Minute, Timeout: 30 * time.Minute}, clock.Now, nil)

	idle, tIdle := admit(t, reg, "idle")
	busy, _ := admit(t, reg, "busy")

	clock.Advance(29 * time.Minute)
	reg.Touch(busy)
	assert.Equal(t, 0, reaper.Sweep(), "not idle long enough")

	clock.Advance(time.Minute)
	assert.Equal(t, 0, reaper.Sweep(), "exactly at the timeout")

	clock.Advance(time.Second)
	assert.Equal(t, 1, reaper.Sweep())
	_, ok := reg.Connection(idle)
	assert.False(t, ok)
	_, ok = reg.Connection(busy)
	assert.True(t, ok)

	_, code, reason := tIdle.closed()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "idle timeout", reason)
}

func TestReaper_KeepsConnectionTouchedAfterScan(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithRegistryClock(clock.Now))

	id, _ := admit(t, reg, "u1")
	clock.Advance(time.Hour)
	cutoff := clock.Now().Add(-30 * time.Minute)
	stale := reg.Stale(cutoff)
	assert.Equal(t, []string{id}, stale)

	// 扫描与移除之间恢复活动
	reg.Touch(id)
	assert.False(t, reg.evictIdle(id, cutoff, websocket.CloseGoingAway, "idle timeout"))
	assert.True(t, reg.IsOnline("u1"))
}

// panicTransport Close 时 panic
type panicTransport struct{ fakeTransport }

func (p *panicTransport) Close(int, string) { panic("boom") }

func TestReaper_RunSurvivesPanic(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithRegistryClock(clock.Now))
	reaper := NewReaper(reg, ReaperConfig{Interval: 5 * time.Millisecond, Timeout: time.Minute}, clock.Now, nil)

	_, _, err := reg.Admit("u1", ClientMeta{}, &panicTransport{})
	assert.NoError(t, err)
	other, _ := admit(t, reg, "u2")
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, found := reg.Connection(other)
		return !found
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
