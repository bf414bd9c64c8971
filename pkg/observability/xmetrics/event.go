package xmetrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventCounter 按事件名计数，标签为 event 及调用方传入的低基数属性。
type EventCounter struct {
	counter metric.Int64Counter
}

// NewEventCounter 创建事件计数器。
func NewEventCounter(opts ...Option) (*EventCounter, error) {
	cfg := buildConfig(opts)
	meter := cfg.meterProvider.Meter(cfg.instrumentationName)
	counter, err := meter.Int64Counter(metricEventTotal,
		metric.WithDescription("client core events"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateInstrument, err)
	}
	return &EventCounter{counter: counter}, nil
}

// Add 记录一次事件。nil 接收者静默忽略。
func (c *EventCounter) Add(ctx context.Context, event string, attrs ...Attr) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	kv := make([]attribute.KeyValue, 0, 1+len(attrs))
	kv = append(kv, attribute.String("event", event))
	kv = append(kv, attrsToOTel(attrs)...)
	c.counter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(kv...))
}

// SnapshotFuncs 观测型 gauge 的数据来源。任一为 nil 则不注册对应 gauge。
type SnapshotFuncs struct {
	// RateLimitRemaining 返回 resource → remaining。
	RateLimitRemaining func() map[string]int
	// UsableTokens 返回当前可用令牌数。
	UsableTokens func() int
}

// RegisterGauges 注册观测型 gauge，返回的函数用于注销回调。
func RegisterGauges(funcs SnapshotFuncs, opts ...Option) (func() error, error) {
	cfg := buildConfig(opts)
	meter := cfg.meterProvider.Meter(cfg.instrumentationName)

	remaining, err := meter.Int64ObservableGauge(metricRateLimitRemain,
		metric.WithDescription("remaining primary quota per resource"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateInstrument, err)
	}
	usable, err := meter.Int64ObservableGauge(metricTokenUsable,
		metric.WithDescription("usable tokens in the pool"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateInstrument, err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if funcs.RateLimitRemaining != nil {
			for resource, n := range funcs.RateLimitRemaining() {
				o.ObserveInt64(remaining, int64(n), metric.WithAttributes(attribute.String("resource", resource)))
			}
		}
		if funcs.UsableTokens != nil {
			o.ObserveInt64(usable, int64(funcs.UsableTokens()))
		}
		return nil
	}, remaining, usable)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateInstrument, err)
	}
	return reg.Unregister, nil
}
