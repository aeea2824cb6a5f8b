package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
	"go.uber.org/zap"
)

// Context 包装 gin.Context，只暴露 handler 需要的部分
type Context struct {
	ctx *gin.Context
}

// NewContext 创建上下文（用于测试）
func NewContext(c *gin.Context) *Context {
	return &Context{ctx: c}
}

// Request 返回底层的 *http.Request
func (c *Context) Request() *http.Request {
	return c.ctx.Request
}

// Writer 返回底层的 http.ResponseWriter
func (c *Context) Writer() gin.ResponseWriter {
	return c.ctx.Writer
}

// FullPath 获取路由模板路径（如 /users/:id）
func (c *Context) FullPath() string {
	return c.ctx.FullPath()
}

// Query 获取 URL 查询参数
func (c *Context) Query(key string) string {
	return c.ctx.Query(key)
}

// ShouldBind 绑定请求参数（不自动响应错误）
func (c *Context) ShouldBind(obj any) error {
	return c.ctx.ShouldBind(obj)
}

// ShouldBindQuery 绑定 URL 查询参数（不自动响应错误）
func (c *Context) ShouldBindQuery(obj any) error {
	return c.ctx.ShouldBindQuery(obj)
}

// ShouldBindUri 绑定路径参数（不自动响应错误）
func (c *Context) ShouldBindUri(obj any) error {
	return c.ctx.ShouldBindUri(obj)
}

// JSON 发送 JSON 响应
func (c *Context) JSON(code int, obj any) {
	c.ctx.JSON(code, obj)
}

// Set 设置上下文键值对
func (c *Context) Set(key string, value any) {
	c.ctx.Set(key, value)
}

// Get 获取上下文键值对
func (c *Context) Get(key string) (any, bool) {
	return c.ctx.Get(key)
}

// GetString 获取字符串类型的上下文值
func (c *Context) GetString(key string) string {
	return c.ctx.GetString(key)
}

// Next 执行下一个中间件或处理函数
func (c *Context) Next() {
	c.ctx.Next()
}

// Abort 中止请求处理
func (c *Context) Abort() {
	c.ctx.Abort()
}

// AbortWithStatus 中止请求并设置状态码
func (c *Context) AbortWithStatus(code int) {
	c.ctx.AbortWithStatus(code)
}

// ClientIP 获取客户端 IP（遵循 TrustedProxies）
func (c *Context) ClientIP() string {
	return c.ctx.ClientIP()
}

// GetHeader 获取请求头
func (c *Context) GetHeader(key string) string {
	return c.ctx.GetHeader(key)
}

// Header 设置响应头
func (c *Context) Header(key, value string) {
	c.ctx.Header(key, value)
}

func (c *Context) wrapBindError(err error) error {
	return errors.ErrBadRequest.WithError(err)
}

// Success 成功响应
func (c *Context) Success(data any) {
	c.respond(http.StatusOK, http.StatusOK, data, "success")
}

// Nil 成功响应（无数据）
func (c *Context) Nil() {
	c.Success(nil)
}

// Fail 失败响应，HTTP 状态码与业务码一致
func (c *Context) Fail(code int, message string) {
	c.respond(code, code, nil, message)
}

// RespondError 错误响应，*errors.Error 之外的错误按 ErrServer 处理
func (c *Context) RespondError(err error) {
	bizErr := errors.From(err)
	if bizErr == nil {
		bizErr = errors.ErrServer
	}
	message := bizErr.Message
	if bizErr.Code == errors.ErrBadRequest.Code && bizErr.Err != nil {
		message = bizErr.Error()
	}
	c.respond(bizErr.HttpCode, bizErr.Code, nil, message)
}

// AbortWithError 中止请求并输出错误响应
func (c *Context) AbortWithError(err error) {
	c.RespondError(err)
	c.Abort()
}

func (c *Context) respond(status, code int, data any, message string) {
	c.JSON(status, &Response{
		Code:    code,
		Data:    data,
		Message: message,
		TraceID: GetContextTraceID(c),
	})
}

// RequestContext 返回请求的 context.Context，用于传递给下游
func (c *Context) RequestContext() context.Context {
	return c.ctx.Request.Context()
}

// SetRequestContext 更新 Request 的 Context（用于中间件注入 SpanContext）
func (c *Context) SetRequestContext(ctx context.Context) {
	c.ctx.Request = c.ctx.Request.WithContext(ctx)
}

// Logger 返回携带 trace 字段的日志实例
func (c *Context) Logger(fallback *zap.Logger) *zap.Logger {
	ctx := c.RequestContext()
	return logger.FromContext(ctx, fallback).With(logger.TraceFields(ctx)...)
}
