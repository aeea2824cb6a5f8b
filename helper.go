package relay

const (
	// ContextTraceIDKey 链路追踪 trace_id 键
	ContextTraceIDKey = "trace_id"
	// ContextAdminKey 管理端调用方标识键
	ContextAdminKey = "admin"
)

// GetContextTraceID 获取上下文链路追踪 trace_id
func GetContextTraceID(ctx *Context) string {
	return ctx.GetString(ContextTraceIDKey)
}

// SetContextTraceID 设置上下文链路追踪 trace_id
func SetContextTraceID(ctx *Context, traceID string) {
	ctx.Set(ContextTraceIDKey, traceID)
}

// GetContextAdmin 获取管理端调用方
func GetContextAdmin(ctx *Context) string {
	return ctx.GetString(ContextAdminKey)
}

// SetContextAdmin 设置管理端调用方
func SetContextAdmin(ctx *Context, name string) {
	ctx.Set(ContextAdminKey, name)
}
