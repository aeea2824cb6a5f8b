// Package tracing configures the OpenTelemetry tracer provider used by the
// HTTP middleware, the fanout bus and the gorm plugin.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewTracerProvider 创建 TracerProvider 并注册为全局 provider
//
// Enabled 为 false 时使用 noop 导出器，span 仍会生成以便日志带上 trace_id。
func NewTracerProvider(ctx context.Context, cfg *Config) (*sdktrace.TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	effective := *cfg
	if !effective.Enabled {
		effective.Exporter = ExporterNoop
	}

	exporter, err := newExporter(ctx, &effective)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := newResource(ctx, &effective)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newSampler(&effective)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(effective.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(effective.MaxExportBatchSize),
			sdktrace.WithMaxQueueSize(effective.MaxQueueSize),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostNameKey.String(host))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

// parseRatio 解析 OTEL_TRACES_SAMPLER_ARG，非法时返回 fallback
func parseRatio(s string, fallback float64) float64 {
	var ratio float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &ratio); err != nil || ratio < 0 || ratio > 1 {
		return fallback
	}
	return ratio
}
