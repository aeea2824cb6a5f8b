package middleware

import (
	"fmt"

	"github.com/tokmz/relay"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "relay.http"

// TracingConfig 链路追踪中间件配置
type TracingConfig struct {
	TracerName   string
	ExcludePaths []string
}

// Tracing 为每个请求创建 server span，并把 trace_id 写入响应与访问日志
//
// websocket 升级请求的 span 在握手完成、handler 返回时结束，不覆盖整个会话。
func Tracing(cfgs ...*TracingConfig) relay.HandlerFunc {
	name := defaultTracerName
	skip := map[string]struct{}{}
	if len(cfgs) > 0 && cfgs[0] != nil {
		if cfgs[0].TracerName != "" {
			name = cfgs[0].TracerName
		}
		for _, p := range cfgs[0].ExcludePaths {
			skip[p] = struct{}{}
		}
	}

	return func(c *relay.Context) {
		req := c.Request()
		if _, ok := skip[req.URL.Path]; ok {
			c.Next()
			return
		}

		// provider 可能在中间件创建之后才设置，每次取全局实例
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		route := c.FullPath()
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.URL.Path),
			semconv.ServerAddress(req.Host),
			semconv.UserAgentOriginalKey.String(req.UserAgent()),
			attribute.String("http.client_ip", c.ClientIP()),
		}
		if route != "" {
			attrs = append(attrs, semconv.HTTPRouteKey.String(route))
		} else {
			route = req.URL.Path
		}

		ctx, span := otel.Tracer(name).Start(ctx, req.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		relay.SetContextTraceID(c, span.SpanContext().TraceID().String())
		c.SetRequestContext(ctx)
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer().Header()))

		c.Next()

		status := c.Writer().Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
