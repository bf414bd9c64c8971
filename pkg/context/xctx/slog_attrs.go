package xctx

import (
	"context"
	"log/slog"
)

// MaxAttrs 是 AppendAttrs 最多追加的属性数量，便于调用方使用栈数组。
const MaxAttrs = 6

// AppendAttrs 将 ctx 中非空字段追加到 attrs。
// 零分配热路径：调用方传入预分配切片。
func AppendAttrs(attrs []slog.Attr, ctx context.Context) []slog.Attr {
	if ctx == nil {
		return attrs
	}
	if v := TraceID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyTraceID, v))
	}
	if v := SpanID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeySpanID, v))
	}
	if v := RequestID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyRequestID, v))
	}
	if v := RequestKey(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyRequestKey, v))
	}
	if v := TokenID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyTokenID, v))
	}
	if v := Resource(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyResource, v))
	}
	return attrs
}

// Attrs 返回 ctx 中的字段属性；全部为空时返回 nil。
func Attrs(ctx context.Context) []slog.Attr {
	attrs := AppendAttrs(make([]slog.Attr, 0, MaxAttrs), ctx)
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
