package xgithub

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
)

// 事件名
const (
	EventRequestStart       = "request.start"
	EventRequestSuccess     = "request.success"
	EventRequestFailure     = "request.failure"
	EventRequestRetry       = "request.retry"
	EventCacheHit           = "cache.hit"
	EventCacheRevalidated   = "cache.revalidated"
	EventCacheMiss          = "cache.miss"
	EventDedupShared        = "dedup.shared"
	EventBreakerStateChange = "breaker.state_change"
	EventTokenQuarantined   = "token.quarantined"
	EventTokenReleased      = "token.released"
	EventTokenRotated       = "token.rotated"
	EventRateLimitApproach  = "ratelimit.approaching"
	EventRateLimitWait      = "ratelimit.wait"
	EventRateLimitSecondary = "ratelimit.secondary"
)

// 事件属性键
const (
	AttrOperation  = "operation"
	AttrStatus     = "status"
	AttrDuration   = "duration"
	AttrRequestKey = "request_key"
	AttrResource   = "resource"
	AttrTokenID    = "token_id"
	AttrAttempt    = "attempt"
	AttrError      = "error"
	AttrState      = "state"
	AttrScope      = "scope"
	AttrRemaining  = "remaining"
	AttrLimit      = "limit"
	AttrUntil      = "until"
)

// EventSink 接收客户端事件。实现必须并发安全且不阻塞。
type EventSink interface {
	OnEvent(ctx context.Context, name string, attrs ...xmetrics.Attr)
}

// SinkFunc 函数适配器。
type SinkFunc func(ctx context.Context, name string, attrs ...xmetrics.Attr)

// OnEvent 调用 f。
func (f SinkFunc) OnEvent(ctx context.Context, name string, attrs ...xmetrics.Attr) {
	f(ctx, name, attrs...)
}

// NoopSink 丢弃所有事件。
type NoopSink struct{}

// OnEvent 空实现。
func (NoopSink) OnEvent(context.Context, string, ...xmetrics.Attr) {}

// MultiSink 依次分发给多个 sink，nil 元素跳过。
type MultiSink []EventSink

// OnEvent 分发事件。
func (m MultiSink) OnEvent(ctx context.Context, name string, attrs ...xmetrics.Attr) {
	for _, s := range m {
		if s != nil {
			s.OnEvent(ctx, name, attrs...)
		}
	}
}

// =============================================================================
// 日志
// =============================================================================

// LogSink 把事件写成结构化日志：失败、隔离、限流类事件为 Warn，其余为 Debug。
type LogSink struct {
	logger xlog.Logger
}

// NewLogSink 创建日志 sink，l 为 nil 时丢弃。
func NewLogSink(l xlog.Logger) *LogSink {
	return &LogSink{logger: xlog.OrDiscard(l)}
}

var warnEvents = []string{
	EventRequestFailure,
	EventTokenQuarantined,
	EventRateLimitApproach,
	EventRateLimitSecondary,
	EventBreakerStateChange,
}

// OnEvent 写日志。
func (s *LogSink) OnEvent(ctx context.Context, name string, attrs ...xmetrics.Attr) {
	sa := make([]slog.Attr, 0, len(attrs)+1)
	sa = append(sa, xlog.Event(name))
	for _, a := range attrs {
		sa = append(sa, slog.Any(a.Key, a.Value))
	}
	if slices.Contains(warnEvents, name) {
		s.logger.Warn(ctx, "client event", sa...)
		return
	}
	s.logger.Debug(ctx, "client event", sa...)
}

// =============================================================================
// 指标
// =============================================================================

// lowCardinalityKeys 只有这些属性进入指标标签。
var lowCardinalityKeys = []string{AttrOperation, AttrStatus, AttrResource, AttrState}

// MetricsSink 按事件名计数，标签只保留低基数属性。
type MetricsSink struct {
	counter *xmetrics.EventCounter
}

// NewMetricsSink 创建指标 sink。
func NewMetricsSink(opts ...xmetrics.Option) (*MetricsSink, error) {
	c, err := xmetrics.NewEventCounter(opts...)
	if err != nil {
		return nil, err
	}
	return &MetricsSink{counter: c}, nil
}

// OnEvent 计数。
func (s *MetricsSink) OnEvent(ctx context.Context, name string, attrs ...xmetrics.Attr) {
	labels := make([]xmetrics.Attr, 0, len(attrs))
	for _, a := range attrs {
		if !slices.Contains(lowCardinalityKeys, a.Key) {
			continue
		}
		if a.Key == AttrResource {
			// resource@token 只保留资源名
			if v, ok := a.Value.(string); ok {
				a.Value, _, _ = strings.Cut(v, "@")
			}
		}
		labels = append(labels, a)
	}
	s.counter.Add(ctx, name, labels...)
}

// eventValue 把属性值转成适合序列化的形式。
func eventValue(v any) any {
	switch x := v.(type) {
	case error:
		return x.Error()
	case time.Duration:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
