package xgithub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
	"github.com/omeyang/ghkit/pkg/resilience/xbreaker"
	"github.com/omeyang/ghkit/pkg/resilience/xlimit"
	"github.com/omeyang/ghkit/pkg/resilience/xretry"
	"github.com/omeyang/ghkit/pkg/storage/xrespcache"
)

// Client GitHub 请求调度器。持有 token 池、熔断器、限流状态和进行中的请求表，
// 多个 Client 互不影响。并发安全。
type Client struct {
	cfg       Config
	transport Transport
	tokens    *xtoken.Manager
	breakers  *xbreaker.Registry
	retry     *xretry.Manager
	limits    *xlimit.Coordinator
	pacer     xlimit.Pacer
	cache     *xrespcache.Cache
	sink      EventSink
	logger    xlog.Logger
	observer  xmetrics.Observer
	now       func() time.Time

	flights    flightGroup
	cron       *cron.Cron
	unregister func() error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New 创建客户端。tokens 可以为空，之后通过 AddToken 补充。
func New(cfg Config, tokens []xtoken.Token, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if err := o.policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: retry: %w", ErrInvalidConfig, err)
	}

	c := &Client{
		cfg:       cfg,
		transport: o.transport,
		pacer:     o.pacer,
		cache:     o.cache,
		sink:      o.sink,
		logger:    o.logger,
		observer:  o.observer,
		now:       o.clock,
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(HTTPTransportConfig{
			BaseURL:    cfg.BaseURL,
			UserAgent:  cfg.UserAgent,
			APIVersion: cfg.APIVersion,
			Timeout:    cfg.Timeout,
			Client:     o.httpClient,
			Observer:   o.observer,
		})
	}

	tokenOpts := append([]xtoken.Option{
		xtoken.WithClock(o.clock),
		xtoken.WithLogger(o.logger),
		xtoken.WithOnQuarantine(c.onQuarantine),
		xtoken.WithOnRelease(c.onRelease),
		xtoken.WithOnRemove(c.onTokenRemoved),
	}, o.tokenOpts...)
	tm, err := xtoken.NewManager(o.tokenCfg, tokens, tokenOpts...)
	if err != nil {
		return nil, err
	}
	c.tokens = tm

	breakerOpts := []xbreaker.Option{
		xbreaker.WithLogger(o.logger),
		xbreaker.WithOnStateChange(c.onBreakerChange),
	}
	if o.tripPolicy != nil {
		breakerOpts = append(breakerOpts, xbreaker.WithTripPolicy(o.tripPolicy))
	}
	br, err := xbreaker.NewRegistry(o.breakerCfg, breakerOpts...)
	if err != nil {
		return nil, err
	}
	c.breakers = br

	c.retry = xretry.NewManager(o.policy,
		xretry.WithHooks(o.hooks),
		xretry.WithBreaker(br, xretry.DefaultScope),
		xretry.WithManagerJitterSource(o.jitter),
		xretry.WithLogger(o.logger),
	)

	limiterOpts := append([]xlimit.CoordinatorOption{
		xlimit.WithClock(o.clock),
		xlimit.WithLogger(o.logger),
		xlimit.WithOnApproachingLimit(c.onApproaching),
	}, o.limiterOpts...)
	c.limits = xlimit.NewCoordinator(limiterOpts...)

	if o.gauges {
		unregister, err := xmetrics.RegisterGauges(xmetrics.SnapshotFuncs{
			RateLimitRemaining: c.limits.RemainingByResource,
			UsableTokens:       c.tokens.UsableCount,
		}, o.meter...)
		if err != nil {
			return nil, err
		}
		c.unregister = unregister
	}

	if cfg.MaintenanceSchedule != "" {
		if err := c.startMaintenance(cfg.MaintenanceSchedule); err != nil {
			c.closeGauges()
			return nil, err
		}
	}
	return c, nil
}

// Config 返回配置副本。
func (c *Client) Config() Config {
	return c.cfg
}

// =============================================================================
// 事件
// =============================================================================

func (c *Client) emit(ctx context.Context, name string, attrs ...xmetrics.Attr) {
	c.sink.OnEvent(ctx, name, attrs...)
}

func (c *Client) onQuarantine(h xtoken.Health) {
	c.emit(context.Background(), EventTokenQuarantined,
		xmetrics.String(AttrTokenID, h.ID),
		xmetrics.Attr{Key: AttrUntil, Value: h.QuarantinedUntil},
	)
}

func (c *Client) onRelease(h xtoken.Health) {
	c.emit(context.Background(), EventTokenReleased, xmetrics.String(AttrTokenID, h.ID))
}

// onBreakerChange 在熔断器锁内调用，sink 不得回调 Client。
func (c *Client) onBreakerChange(scope string, from, to xbreaker.State) {
	c.emit(context.Background(), EventBreakerStateChange,
		xmetrics.String(AttrScope, scope),
		xmetrics.String(AttrState, to.String()),
		xmetrics.String("from", from.String()),
	)
}

func (c *Client) onApproaching(s xlimit.State) {
	c.emit(context.Background(), EventRateLimitApproach,
		xmetrics.String(AttrResource, s.Resource),
		xmetrics.Int(AttrRemaining, s.Remaining),
		xmetrics.Int(AttrLimit, s.Limit),
		xmetrics.Attr{Key: AttrUntil, Value: s.ResetAt},
	)
}

// =============================================================================
// 快照
// =============================================================================

// TokenHealth 返回每个 token 的健康快照。
func (c *Client) TokenHealth() []xtoken.Health {
	return c.tokens.Health()
}

// RateLimitSnapshot 返回每个 resource@token 的限流状态。
func (c *Client) RateLimitSnapshot() []xlimit.State {
	return c.limits.Snapshots()
}

// CacheStats 返回缓存统计，未配置缓存时 ok 为 false。
func (c *Client) CacheStats() (stats xrespcache.Stats, ok bool) {
	if c.cache == nil {
		return xrespcache.Stats{}, false
	}
	return c.cache.Stats(), true
}

// BreakerSnapshots 返回已创建的熔断器状态。
func (c *Client) BreakerSnapshots() []xbreaker.Snapshot {
	return c.breakers.Snapshots()
}

// InFlight 返回正在执行的共享请求数。
func (c *Client) InFlight() int {
	return c.flights.inFlight()
}

// =============================================================================
// 缓存失效
// =============================================================================

// Invalidate 删除本地和远端缓存中的 key。
func (c *Client) Invalidate(ctx context.Context, key string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if c.cache == nil {
		return nil
	}
	c.cache.Invalidate(key)
	return c.cache.Forget(ctx, key)
}

// InvalidateFunc 删除 pred 返回 true 的本地条目，并同步删除远端。
func (c *Client) InvalidateFunc(ctx context.Context, pred func(xrespcache.Entry) bool) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if c.cache == nil || pred == nil {
		return nil, nil
	}
	keys := c.cache.InvalidateFunc(pred)
	return keys, c.cache.Forget(ctx, keys...)
}

// =============================================================================
// token 池
// =============================================================================

// AddToken 加入 token。
func (c *Client) AddToken(t xtoken.Token) error {
	return c.tokens.Add(t)
}

// onTokenRemoved 清理按 token ID 保存的熔断器和配额状态。
// 替换后的新 token 是新的凭据，熔断器从 Closed 开始，配额等下一次响应头。
func (c *Client) onTokenRemoved(id string) {
	if c.cfg.BreakerScope == BreakerScopeToken {
		c.breakers.Reset(id)
	}
	c.limits.Forget(id)
}

// RemoveToken 按 ID 移除 token，不存在时返回 false。
func (c *Client) RemoveToken(id string) bool {
	return c.tokens.Remove(id)
}

// SyncTokens 把 token 池调整为 want：移除不在 want 里的，加入新的。
// 已存在的 token 保留健康统计。
func (c *Client) SyncTokens(want []xtoken.Token) (added, removed int, err error) {
	keep := make(map[string]xtoken.Token, len(want))
	for _, t := range want {
		if t.Value != "" {
			keep[t.ID()] = t
		}
	}
	for _, h := range c.tokens.Health() {
		if _, ok := keep[h.ID]; !ok && c.tokens.Remove(h.ID) {
			removed++
		}
	}
	var errs []error
	for _, t := range want {
		id := t.ID()
		if _, ok := keep[id]; !ok {
			continue
		}
		delete(keep, id)
		if _, ok := c.tokens.Get(id); ok {
			continue
		}
		if err := c.tokens.Add(t); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	return added, removed, errors.Join(errs...)
}

// Close 停止后台维护，等待进行中的请求结束。缓存由调用方关闭。
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stopMaintenance()
		c.flights.drain()
		c.closeErr = c.closeGauges()
	})
	return c.closeErr
}

func (c *Client) closeGauges() error {
	if c.unregister == nil {
		return nil
	}
	return c.unregister()
}
