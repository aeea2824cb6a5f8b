package limiter

import (
	"context"
	"sync"
	"time"
)

// window 单个 key 的请求时间戳（升序）
type window struct {
	hits []time.Time
	span time.Duration
}

// prune 移除 cutoff 及之前的时间戳
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// MemoryStore 进程内滑动窗口
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// MemoryOption 内存存储选项
type MemoryOption func(*MemoryStore)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow 判定并记录一次请求
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, span time.Duration) (*Result, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{hits: make([]time.Time, 0, limit)}
		s.windows[key] = w
	}
	w.span = span
	w.prune(now.Add(-span))

	if len(w.hits) >= limit {
		retry := w.hits[0].Add(span).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return &Result{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
	}

	w.hits = append(w.hits, now)
	return &Result{Allowed: true, Remaining: limit - len(w.hits)}, nil
}

// Reset 丢弃 key
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

// Len 当前跟踪的 key 数量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Sweep 清理所有时间戳都已过期的 key，返回清理数量
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.prune(now.Add(-w.span))
		if len(w.hits) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// RunCleanup 周期性清理空窗口，直到 ctx 结束
func (s *MemoryStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
