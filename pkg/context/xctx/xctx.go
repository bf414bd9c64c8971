package xctx

import (
	"context"
	"errors"
)

// 设计决策: contextKey 使用包私有 string 类型，避免与其他包的 key 冲突，调试时可读。
type contextKey string

// ErrNilContext 表示传入的 context 为 nil。
var ErrNilContext = errors.New("xctx: nil context")

// 日志/观测中使用的标准字段名。
const (
	KeyTraceID    = "trace_id"
	KeySpanID     = "span_id"
	KeyRequestID  = "request_id"
	KeyRequestKey = "request_key"
	KeyTokenID    = "token_id"
	KeyResource   = "resource"
)

const (
	keyTraceID    = contextKey("xctx:trace_id")
	keySpanID     = contextKey("xctx:span_id")
	keyRequestID  = contextKey("xctx:request_id")
	keyRequestKey = contextKey("xctx:request_key")
	keyTokenID    = contextKey("xctx:token_id")
	keyResource   = contextKey("xctx:resource")
)

func withString(ctx context.Context, key contextKey, v string) (context.Context, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	return context.WithValue(ctx, key, v), nil
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID 注入 trace ID。
func WithTraceID(ctx context.Context, traceID string) (context.Context, error) {
	return withString(ctx, keyTraceID, traceID)
}

// TraceID 读取 trace ID，不存在返回空字符串。
func TraceID(ctx context.Context) string { return stringValue(ctx, keyTraceID) }

// WithSpanID 注入 span ID。
func WithSpanID(ctx context.Context, spanID string) (context.Context, error) {
	return withString(ctx, keySpanID, spanID)
}

// SpanID 读取 span ID。
func SpanID(ctx context.Context) string { return stringValue(ctx, keySpanID) }

// WithRequestID 注入 request ID。
func WithRequestID(ctx context.Context, requestID string) (context.Context, error) {
	return withString(ctx, keyRequestID, requestID)
}

// RequestID 读取 request ID。
func RequestID(ctx context.Context) string { return stringValue(ctx, keyRequestID) }

// WithRequestKey 注入请求去重指纹。
func WithRequestKey(ctx context.Context, key string) (context.Context, error) {
	return withString(ctx, keyRequestKey, key)
}

// RequestKey 读取请求去重指纹。
func RequestKey(ctx context.Context) string { return stringValue(ctx, keyRequestKey) }

// WithTokenID 注入令牌指纹。调用方负责传入指纹而非令牌明文。
func WithTokenID(ctx context.Context, tokenID string) (context.Context, error) {
	return withString(ctx, keyTokenID, tokenID)
}

// TokenID 读取令牌指纹。
func TokenID(ctx context.Context) string { return stringValue(ctx, keyTokenID) }

// WithResource 注入限流资源名。
func WithResource(ctx context.Context, resource string) (context.Context, error) {
	return withString(ctx, keyResource, resource)
}

// Resource 读取限流资源名。
func Resource(ctx context.Context) string { return stringValue(ctx, keyResource) }
