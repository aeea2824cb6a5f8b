// Package telemetry provides destinations for the per-connection session
// summaries emitted by the ws metrics collector.
package telemetry

import (
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/ws"
)

// LogSink 将会话摘要写成一条结构化日志
type LogSink struct {
	log *zap.Logger
}

// NewLogSink 创建日志 sink
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Record(sum ws.SessionSummary) {
	s.log.Info("session closed",
		zap.String("conn_id", sum.ConnectionID),
		zap.String("user_id", sum.UserID),
		zap.Time("connected_at", sum.ConnectedAt),
		zap.Duration("duration", sum.Duration),
		zap.Int64("messages_sent", sum.MessagesSent),
		zap.Int64("messages_received", sum.MessagesReceived),
		zap.Int64("bytes_sent", sum.BytesSent),
		zap.Int64("bytes_received", sum.BytesReceived),
		zap.Int64("errors", sum.Errors),
		zap.String("reason", sum.Reason),
	)
}

// MultiSink 依次转发给多个 sink
type MultiSink []ws.SummarySink

func (m MultiSink) Record(sum ws.SessionSummary) {
	for _, s := range m {
		if s != nil {
			s.Record(sum)
		}
	}
}
