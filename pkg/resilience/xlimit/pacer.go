package xlimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// Pacer 在请求发出前按 key 节流。
type Pacer interface {
	// Wait 阻塞到允许发出一个请求，或 ctx 结束。
	Wait(ctx context.Context, key string) error
}

// PacerConfig 节流配置。
type PacerConfig struct {
	// Kind 为 "none"、"local" 或 "redis"。
	Kind string `koanf:"kind"`
	// RatePerSecond 每秒允许的请求数。
	RatePerSecond float64 `koanf:"rate_per_second"`
	// Burst 突发容量，<= 0 时取 1。
	Burst int `koanf:"burst"`
	// KeyPrefix Redis key 前缀。
	KeyPrefix string `koanf:"key_prefix"`
}

// 节流类型
const (
	PacerNone  = "none"
	PacerLocal = "local"
	PacerRedis = "redis"
)

// Validate 校验参数。
func (c PacerConfig) Validate() error {
	switch c.Kind {
	case "", PacerNone:
		return nil
	case PacerLocal, PacerRedis:
		if c.RatePerSecond <= 0 {
			return fmt.Errorf("%w: pacer rate_per_second must be > 0", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown pacer kind %q", ErrInvalidConfig, c.Kind)
	}
}

// NoopPacer 不节流。
type NoopPacer struct{}

// Wait 立即返回。
func (NoopPacer) Wait(context.Context, string) error { return nil }

// LocalPacer 进程内令牌桶，每个 key 一个 rate.Limiter。
type LocalPacer struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalPacer 创建进程内节流器。
func NewLocalPacer(perSecond float64, burst int) *LocalPacer {
	return &LocalPacer{
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *LocalPacer) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = lim
	}
	return lim
}

// Wait 实现 Pacer。
func (p *LocalPacer) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		return ErrNilContext
	}
	return p.limiter(key).Wait(ctx)
}

// RedisPacer 多实例共享的令牌桶。Redis 连接类错误时降级到本地节流。
type RedisPacer struct {
	limiter  *redis_rate.Limiter
	limit    redis_rate.Limit
	prefix   string
	fallback Pacer
	logger   xlog.Logger
}

// RedisPacerOption 配置选项。
type RedisPacerOption func(*RedisPacer)

// WithPacerLogger 设置日志。
func WithPacerLogger(l xlog.Logger) RedisPacerOption {
	return func(p *RedisPacer) { p.logger = xlog.OrDiscard(l) }
}

// WithFallback 替换降级节流器。
func WithFallback(f Pacer) RedisPacerOption {
	return func(p *RedisPacer) {
		if f != nil {
			p.fallback = f
		}
	}
}

// NewRedisPacer 创建分布式节流器。rdb 由调用方管理生命周期。
func NewRedisPacer(rdb redis.UniversalClient, cfg PacerConfig, opts ...RedisPacerOption) (*RedisPacer, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if cfg.RatePerSecond <= 0 {
		return nil, fmt.Errorf("%w: pacer rate_per_second must be > 0", ErrInvalidConfig)
	}
	burst := max(cfg.Burst, 1)
	// redis_rate 以整数速率 + 周期表达，小数速率换算成更长的周期。
	limit := redis_rate.Limit{Rate: burst, Burst: burst, Period: time.Duration(float64(burst) / cfg.RatePerSecond * float64(time.Second))}
	p := &RedisPacer{
		limiter:  redis_rate.NewLimiter(rdb),
		limit:    limit,
		prefix:   cfg.KeyPrefix,
		fallback: NewLocalPacer(cfg.RatePerSecond, burst),
		logger:   xlog.Discard(),
	}
	if p.prefix == "" {
		p.prefix = "ghkit:pace:"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Wait 实现 Pacer。
func (p *RedisPacer) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		return ErrNilContext
	}
	for {
		res, err := p.limiter.Allow(ctx, p.prefix+key, p.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !IsRedisError(err) {
				return err
			}
			p.logger.Warn(ctx, "pacer falling back to local limiter",
				slog.String("key", key), xlog.Err(err))
			return p.fallback.Wait(ctx, key)
		}
		if res.Allowed > 0 {
			return nil
		}
		t := time.NewTimer(res.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// NewPacer 按配置创建节流器，redis 类型需要 rdb。
func NewPacer(cfg PacerConfig, rdb redis.UniversalClient, logger xlog.Logger) (Pacer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case PacerLocal:
		return NewLocalPacer(cfg.RatePerSecond, cfg.Burst), nil
	case PacerRedis:
		return NewRedisPacer(rdb, cfg, WithPacerLogger(logger))
	default:
		return NoopPacer{}, nil
	}
}

var (
	_ Pacer = NoopPacer{}
	_ Pacer = (*LocalPacer)(nil)
	_ Pacer = (*RedisPacer)(nil)
)
