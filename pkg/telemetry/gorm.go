package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tokmz/relay/pkg/ws"
)

const tracerName = "relay.telemetry"

// SessionRecord session_summaries 表
type SessionRecord struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	ConnectionID     string    `gorm:"size:64;index"`
	UserID           string    `gorm:"size:128;index"`
	ConnectedAt      time.Time
	DisconnectedAt   time.Time `gorm:"index"`
	DurationMs       int64
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	Errors           int64
	Reason           string `gorm:"size:255"`
}

func (SessionRecord) TableName() string { return "session_summaries" }

func recordOf(s ws.SessionSummary) SessionRecord {
	return SessionRecord{
		ConnectionID:     s.ConnectionID,
		UserID:           s.UserID,
		ConnectedAt:      s.ConnectedAt,
		DisconnectedAt:   s.DisconnectedAt,
		DurationMs:       s.Duration.Milliseconds(),
		MessagesSent:     s.MessagesSent,
		MessagesReceived: s.MessagesReceived,
		BytesSent:        s.BytesSent,
		BytesReceived:    s.BytesReceived,
		Errors:           s.Errors,
		Reason:           s.Reason,
	}
}

func (r SessionRecord) summary() ws.SessionSummary {
	return ws.SessionSummary{
		ConnectionID:     r.ConnectionID,
		UserID:           r.UserID,
		ConnectedAt:      r.ConnectedAt,
		DisconnectedAt:   r.DisconnectedAt,
		Duration:         time.Duration(r.DurationMs) * time.Millisecond,
		MessagesSent:     r.MessagesSent,
		MessagesReceived: r.MessagesReceived,
		BytesSent:        r.BytesSent,
		BytesReceived:    r.BytesReceived,
		Errors:           r.Errors,
		Reason:           r.Reason,
	}
}

// GormConfig 批量写入配置
type GormConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DefaultGormConfig 默认配置
func DefaultGormConfig() GormConfig {
	return GormConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		QueueSize:     4096,
		WriteTimeout:  5 * time.Second,
	}
}

// GormSink 异步批量写入会话摘要
//
// Record 不阻塞调用方：队列满时丢弃并计数。Close 写完队列中剩余的摘要。
type GormSink struct {
	db      *gorm.DB
	cfg     GormConfig
	log     *zap.Logger
	queue   chan SessionRecord
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
	written atomic.Int64
}

// NewGormSink 创建 sink 并迁移表结构，调用 Start 后开始写入
func NewGormSink(db *gorm.DB, cfg GormConfig, log *zap.Logger) (*GormSink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	def := DefaultGormConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate session_summaries: %w", err)
	}
	return &GormSink{
		db:    db,
		cfg:   cfg,
		log:   log,
		queue: make(chan SessionRecord, cfg.QueueSize),
		stop:  make(chan struct{}),
	}, nil
}

// Start 启动写入协程
func (s *GormSink) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Close 停止接收并写完剩余数据
func (s *GormSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *GormSink) Record(sum ws.SessionSummary) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- recordOf(sum):
	default:
		s.dropped.Add(1)
		s.log.Warn("session summary dropped, queue full", zap.String("conn_id", sum.ConnectionID))
	}
}

// Dropped 被丢弃的摘要数
func (s *GormSink) Dropped() int64 { return s.dropped.Load() }

// Written 已写入的摘要数
func (s *GormSink) Written() int64 { return s.written.Load() }

// Recent 按断开时间倒序返回最近的摘要
func (s *GormSink) Recent(ctx context.Context, limit int) ([]ws.SessionSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []SessionRecord
	err := s.db.WithContext(ctx).
		Order("disconnected_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ws.SessionSummary, len(rows))
	for i, r := range rows {
		out[i] = r.summary()
	}
	return out, nil
}

func (s *GormSink) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]SessionRecord, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *GormSink) write(batch []SessionRecord) {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "telemetry.flush")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.db.WithContext(ctx).CreateInBatches(&batch, s.cfg.BatchSize).Error; err != nil {
		span.RecordError(err)
		s.log.Error("failed to persist session summaries", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	s.written.Add(int64(len(batch)))
}
