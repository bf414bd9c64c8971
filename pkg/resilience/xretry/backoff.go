package xretry

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// DefaultJitter 默认抖动幅度，对应 [0.9, 1.1] 乘数区间。
const DefaultJitter = 0.1

// JitterSource 返回 [0, 1) 的随机数。
type JitterSource func() float64

type delayConfig struct {
	maxDelay      time.Duration
	retryAfter    time.Duration
	hasRetryAfter bool
	jitter        float64
	source        JitterSource
}

// DelayOption ComputeDelay 的可选参数。
type DelayOption func(*delayConfig)

// WithMaxDelay 设置上限，d <= 0 表示不设上限。
func WithMaxDelay(d time.Duration) DelayOption {
	return func(c *delayConfig) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

// WithServerRetryAfter 设置服务端给出的等待时间，负数按 0 处理。
func WithServerRetryAfter(d time.Duration) DelayOption {
	return func(c *delayConfig) {
		c.retryAfter = max(d, 0)
		c.hasRetryAfter = true
	}
}

// WithJitter 设置抖动幅度，截断到 [0, 1]。
func WithJitter(j float64) DelayOption {
	return func(c *delayConfig) {
		c.jitter = min(max(j, 0), 1)
	}
}

// WithJitterSource 替换随机源，nil 被忽略。
func WithJitterSource(src JitterSource) DelayOption {
	return func(c *delayConfig) {
		if src != nil {
			c.source = src
		}
	}
}

// ComputeDelay 计算第 retryCount 次重试（从 0 开始）前的等待时间。
func ComputeDelay(retryCount int, base time.Duration, opts ...DelayOption) time.Duration {
	cfg := delayConfig{jitter: DefaultJitter, source: randomFloat64}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.hasRetryAfter {
		return cfg.retryAfter
	}
	if base <= 0 {
		return 0
	}
	retryCount = max(retryCount, 0)

	ceiling := float64(math.MaxInt64)
	if cfg.maxDelay > 0 {
		ceiling = float64(cfg.maxDelay)
	}

	raw := math.Min(float64(base)*math.Pow(2, float64(retryCount)), ceiling)
	if cfg.jitter > 0 {
		raw *= 1 + (cfg.source()*2-1)*cfg.jitter
	}

	// 设计决策: 抖动后再截断一次，上限是硬约束；NaN 按上限处理。
	if math.IsNaN(raw) || raw >= ceiling {
		if cfg.maxDelay > 0 {
			return cfg.maxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	if raw < 0 {
		return 0
	}
	return time.Duration(raw)
}

// ExponentialBackoff 以 BackoffPolicy 形式提供 ComputeDelay。
type ExponentialBackoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	source JitterSource
}

// ExponentialBackoffOption 配置选项。
type ExponentialBackoffOption func(*ExponentialBackoff)

// WithBackoffJitter 设置抖动幅度。
func WithBackoffJitter(j float64) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) { b.jitter = min(max(j, 0), 1) }
}

// WithBackoffJitterSource 替换随机源。
func WithBackoffJitterSource(src JitterSource) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) {
		if src != nil {
			b.source = src
		}
	}
}

// NewExponentialBackoff 创建指数退避。maxDelay < base 时取 base。
func NewExponentialBackoff(base, maxDelay time.Duration, opts ...ExponentialBackoffOption) *ExponentialBackoff {
	if maxDelay > 0 && maxDelay < base {
		maxDelay = base
	}
	b := &ExponentialBackoff{base: base, max: maxDelay, jitter: DefaultJitter, source: randomFloat64}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// NextDelay 实现 BackoffPolicy。
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	return ComputeDelay(attempt-1, b.base,
		WithMaxDelay(b.max), WithJitter(b.jitter), WithJitterSource(b.source))
}

var _ BackoffPolicy = (*ExponentialBackoff)(nil)

const (
	floatBits  = 53
	floatScale = 1.0 / (1 << floatBits)
)

// randomFloat64 使用 crypto/rand，失败时返回 0.5（无抖动）。
func randomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) * floatScale
}
