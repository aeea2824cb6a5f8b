package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SessionSummary 连接结束时输出一次
type SessionSummary struct {
	ConnectionID     string        `json:"connection_id"`
	UserID           string        `json:"user_id"`
	ConnectedAt      time.Time     `json:"connected_at"`
	DisconnectedAt   time.Time     `json:"disconnected_at"`
	Duration         time.Duration `json:"duration"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	BytesSent        int64         `json:"bytes_sent"`
	BytesReceived    int64         `json:"bytes_received"`
	Errors           int64         `json:"errors"`
	Reason           string        `json:"reason,omitempty"`
}

// SummarySink 会话摘要接收方
type SummarySink interface {
	Record(s SessionSummary)
}

// NoopSink 空实现（默认）
type NoopSink struct{}

func (NoopSink) Record(SessionSummary) {}

// SinkFunc 函数适配
type SinkFunc func(SessionSummary)

func (f SinkFunc) Record(s SessionSummary) { f(s) }

// Health 全局健康指标
type Health struct {
	ActiveConnections int64 `json:"active_connections"`
	ActiveUsers       int   `json:"active_users"`
	TotalErrors       int64 `json:"total_errors"`
	MessagesSent      int64 `json:"messages_sent"`
	MessagesReceived  int64 `json:"messages_received"`
	Sessions          int64 `json:"sessions"`
}

// connCounters 单连接计数器
type connCounters struct {
	userID      string
	connectedAt time.Time
	lastActive  atomic.Int64
	sent        atomic.Int64
	received    atomic.Int64
	bytesSent   atomic.Int64
	bytesRecv   atomic.Int64
	errors      atomic.Int64
}

// Collector 连接级与全局指标
type Collector struct {
	conns sync.Map // connID -> *connCounters
	users sync.Map // userID -> *atomic.Int64 最后活动时间

	active      atomic.Int64
	sessions    atomic.Int64
	totalErrors atomic.Int64
	totalSent   atomic.Int64
	totalRecv   atomic.Int64

	window time.Duration
	sink   SummarySink
	now    func() time.Time
	log    *zap.Logger
}

// NewCollector 创建指标收集器，window 为活跃用户统计窗口
func NewCollector(window time.Duration, sink SummarySink, now func() time.Time, log *zap.Logger) *Collector {
	if sink == nil {
		sink = NoopSink{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{window: window, sink: sink, now: now, log: log}
}

// Open 开始统计一个连接
func (m *Collector) Open(connID, userID string, connectedAt time.Time) {
	c := &connCounters{userID: userID, connectedAt: connectedAt}
	c.lastActive.Store(connectedAt.UnixNano())
	if _, loaded := m.conns.LoadOrStore(connID, c); loaded {
		return
	}
	m.active.Add(1)
	m.markUser(userID)
}

// RecordSent 记录一条下行消息
func (m *Collector) RecordSent(connID string, n int) {
	m.totalSent.Add(1)
	if c := m.get(connID); c != nil {
		c.sent.Add(1)
		c.bytesSent.Add(int64(n))
		c.lastActive.Store(m.now().UnixNano())
	}
}

// RecordReceived 记录一条上行消息
func (m *Collector) RecordReceived(connID string, n int) {
	m.totalRecv.Add(1)
	if c := m.get(connID); c != nil {
		c.received.Add(1)
		c.bytesRecv.Add(int64(n))
		c.lastActive.Store(m.now().UnixNano())
		m.markUser(c.userID)
	}
}

// RecordError 记录一次错误
func (m *Collector) RecordError(connID string) {
	m.totalErrors.Add(1)
	if c := m.get(connID); c != nil {
		c.errors.Add(1)
	}
}

// Close 结束统计并输出摘要，同一连接只输出一次
func (m *Collector) Close(connID, reason string) (SessionSummary, bool) {
	v, ok := m.conns.LoadAndDelete(connID)
	if !ok {
		return SessionSummary{}, false
	}
	c := v.(*connCounters)
	m.active.Add(-1)
	m.sessions.Add(1)

	now := m.now()
	s := SessionSummary{
		ConnectionID:     connID,
		UserID:           c.userID,
		ConnectedAt:      c.connectedAt,
		DisconnectedAt:   now,
		Duration:         now.Sub(c.connectedAt),
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
		Errors:           c.errors.Load(),
		Reason:           reason,
	}
	m.markUser(c.userID)
	m.emit(s)
	return s, true
}

// emit 接收方的 panic 不影响移除流程
func (m *Collector) emit(s SessionSummary) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("summary sink panicked", zap.Any("panic", r), zap.String("conn_id", s.ConnectionID))
		}
	}()
	m.sink.Record(s)
}

// Snapshot 连接当前计数（尚未结束的会话）
func (m *Collector) Snapshot(connID string) (SessionSummary, bool) {
	c := m.get(connID)
	if c == nil {
		return SessionSummary{}, false
	}
	now := m.now()
	return SessionSummary{
		ConnectionID:     connID,
		UserID:           c.userID,
		ConnectedAt:      c.connectedAt,
		Duration:         now.Sub(c.connectedAt),
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
		Errors:           c.errors.Load(),
	}, true
}

// Health 全局健康指标
func (m *Collector) Health() Health {
	return Health{
		ActiveConnections: m.active.Load(),
		ActiveUsers:       m.activeUsers(),
		TotalErrors:       m.totalErrors.Load(),
		MessagesSent:      m.totalSent.Load(),
		MessagesReceived:  m.totalRecv.Load(),
		Sessions:          m.sessions.Load(),
	}
}

// Sweep 清理窗口外的用户记录
func (m *Collector) Sweep() int {
	cutoff := m.now().Add(-m.window).UnixNano()
	removed := 0
	m.users.Range(func(key, value any) bool {
		if value.(*atomic.Int64).Load() < cutoff {
			m.users.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// RunSweep 周期性清理，直到 ctx 结束
func (m *Collector) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Collector) get(connID string) *connCounters {
	v, ok := m.conns.Load(connID)
	if !ok {
		return nil
	}
	return v.(*connCounters)
}

func (m *Collector) markUser(userID string) {
	now := m.now().UnixNano()
	v, _ := m.users.LoadOrStore(userID, new(atomic.Int64))
	v.(*atomic.Int64).Store(now)
}

func (m *Collector) activeUsers() int {
	cutoff := m.now().Add(-m.window).UnixNano()
	n := 0
	m.users.Range(func(_, value any) bool {
		if value.(*atomic.Int64).Load() >= cutoff {
			n++
		}
		return true
	})
	return n
}
