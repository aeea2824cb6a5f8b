package relay

// Response 管理接口与 /healthz 的统一响应体
//
// 成功时 Code 为 200；失败时 Code 为 pkg/errors 中的业务码，TraceID 与访问日志一致。
type Response struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
