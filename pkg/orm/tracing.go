package orm

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const tracerName = "relay.orm"

// tracingPlugin 为每条语句创建 client span
type tracingPlugin struct {
	// traceSQL 记录完整 SQL，可能包含会话元数据
	traceSQL bool
}

func (tracingPlugin) Name() string { return "relay:tracing" }

func (p tracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("relay:trace_create", p.start("insert")),
		cb.Create().After("gorm:create").Register("relay:trace_create_end", p.end),
		cb.Query().Before("gorm:query").Register("relay:trace_query", p.start("select")),
		cb.Query().After("gorm:query").Register("relay:trace_query_end", p.end),
		cb.Update().Before("gorm:update").Register("relay:trace_update", p.start("update")),
		cb.Update().After("gorm:update").Register("relay:trace_update_end", p.end),
		cb.Delete().Before("gorm:delete").Register("relay:trace_delete", p.start("delete")),
		cb.Delete().After("gorm:delete").Register("relay:trace_delete_end", p.end),
		cb.Raw().Before("gorm:raw").Register("relay:trace_raw", p.start("raw")),
		cb.Raw().After("gorm:raw").Register("relay:trace_raw_end", p.end),
	)
}

func (p tracingPlugin) start(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.Context == nil {
			return
		}
		ctx, _ := otel.Tracer(tracerName).Start(db.Statement.Context, "db."+op,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", db.Dialector.Name()),
				attribute.String("db.operation", op),
			),
		)
		db.Statement.Context = ctx
	}
}

func (p tracingPlugin) end(db *gorm.DB) {
	if db.Statement.Context == nil {
		return
	}
	span := trace.SpanFromContext(db.Statement.Context)
	if !span.IsRecording() {
		return
	}
	defer span.End()

	span.SetAttributes(
		attribute.String("db.table", db.Statement.Table),
		attribute.Int64("db.rows_affected", db.Statement.RowsAffected),
	)
	if p.traceSQL {
		span.SetAttributes(attribute.String("db.statement", db.Statement.SQL.String()))
	}
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.RecordError(db.Error)
		span.SetStatus(codes.Error, db.Error.Error())
	}
}
