package ws

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeTransport 记录写入的帧
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool

	closes      int
	closeCode   int
	closeReason string
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("broken pipe")
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *fakeTransport) Close(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	t.closeCode = code
	t.closeReason = reason
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	t.fail = fail
	t.mu.Unlock()
}

func (t *fakeTransport) raw() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

func (t *fakeTransport) received(payload string) bool {
	for _, f := range t.raw() {
		if string(f) == payload {
			return true
		}
	}
	return false
}

func (t *fakeTransport) closed() (int, int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes, t.closeCode, t.closeReason
}

// decoded 解码所有 JSON 帧
func (t *fakeTransport) decoded(tb testing.TB) []Frame {
	tb.Helper()
	var out []Frame
	for _, raw := range t.raw() {
		f, _, err := DecodeFrame(raw)
		require.NoError(tb, err, "frame %s", raw)
		out = append(out, f)
	}
	return out
}

// framesOf 筛选指定类型的帧
func framesOf[T Frame](tb testing.TB, t *fakeTransport) []T {
	tb.Helper()
	var out []T
	for _, f := range t.decoded(tb) {
		if v, ok := f.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// admit 登记连接，失败时终止测试
func admit(tb testing.TB, r *Registry, userID string, rooms ...string) (string, *fakeTransport) {
	tb.Helper()
	tr := &fakeTransport{}
	id, _, err := r.Admit(userID, ClientMeta{IP: "10.0.0.1"}, tr, rooms...)
	require.NoError(tb, err)
	return id, tr
}
