package xgithub

import (
	"net/http"
	"time"

	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
	"github.com/omeyang/ghkit/pkg/resilience/xbreaker"
	"github.com/omeyang/ghkit/pkg/resilience/xlimit"
	"github.com/omeyang/ghkit/pkg/resilience/xretry"
	"github.com/omeyang/ghkit/pkg/storage/xrespcache"
)

// Option Client 配置选项。
type Option func(*options)

type options struct {
	transport  Transport
	httpClient *http.Client

	policy      xretry.Policy
	hooks       xretry.Hooks
	jitter      xretry.JitterSource
	breakerCfg  xbreaker.Config
	tripPolicy  xbreaker.TripPolicy
	tokenCfg    xtoken.Config
	tokenOpts   []xtoken.Option
	limiterOpts []xlimit.CoordinatorOption
	pacer       xlimit.Pacer
	cache       *xrespcache.Cache

	sink     EventSink
	logger   xlog.Logger
	observer xmetrics.Observer
	meter    []xmetrics.Option
	gauges   bool
	clock    func() time.Time
}

func defaultOptions() *options {
	return &options{
		policy:     xretry.DefaultPolicy(),
		breakerCfg: xbreaker.DefaultConfig(),
		tokenCfg:   xtoken.DefaultConfig(),
		pacer:      xlimit.NoopPacer{},
		sink:       NoopSink{},
		logger:     xlog.Discard(),
		observer:   xmetrics.NoopObserver{},
		clock:      time.Now,
	}
}

// WithTransport 替换网络层，测试或自定义协议使用。
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithHTTPClient 默认 HTTP 传输使用的客户端。设置了 WithTransport 时忽略。
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetryPolicy 客户端级重试策略。
func WithRetryPolicy(p xretry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithRetryHooks 替换重试判定、延迟计算或重试通知。
func WithRetryHooks(h xretry.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithJitterSource 替换退避随机源。
func WithJitterSource(src xretry.JitterSource) Option {
	return func(o *options) { o.jitter = src }
}

// WithBreakerConfig 熔断配置。
func WithBreakerConfig(cfg xbreaker.Config) Option {
	return func(o *options) { o.breakerCfg = cfg }
}

// WithTripPolicy 替换熔断判定。
func WithTripPolicy(p xbreaker.TripPolicy) Option {
	return func(o *options) { o.tripPolicy = p }
}

// WithTokenConfig token 轮换配置。
func WithTokenConfig(cfg xtoken.Config) Option {
	return func(o *options) { o.tokenCfg = cfg }
}

// WithTokenOptions 透传给 xtoken.Manager 的选项，如刷新器、随机源。
func WithTokenOptions(opts ...xtoken.Option) Option {
	return func(o *options) { o.tokenOpts = append(o.tokenOpts, opts...) }
}

// WithLimiterOptions 透传给限流协调器的选项。
func WithLimiterOptions(opts ...xlimit.CoordinatorOption) Option {
	return func(o *options) { o.limiterOpts = append(o.limiterOpts, opts...) }
}

// WithPacer 每次网络尝试前的主动节流，nil 表示不节流。
func WithPacer(p xlimit.Pacer) Option {
	return func(o *options) {
		if p == nil {
			p = xlimit.NoopPacer{}
		}
		o.pacer = p
	}
}

// WithCache 响应缓存。缓存由调用方创建和关闭，nil 表示不缓存。
func WithCache(c *xrespcache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithEventSink 事件接收者。
func WithEventSink(s EventSink) Option {
	return func(o *options) {
		if s == nil {
			s = NoopSink{}
		}
		o.sink = s
	}
}

// WithLogger 设置日志，nil 表示不输出。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) { o.logger = xlog.OrDiscard(l) }
}

// WithObserver 链路观测。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) {
		if obs == nil {
			obs = xmetrics.NoopObserver{}
		}
		o.observer = obs
	}
}

// WithGauges 注册剩余配额与可用 token 数的异步指标。
func WithGauges(opts ...xmetrics.Option) Option {
	return func(o *options) {
		o.gauges = true
		o.meter = opts
	}
}

// WithClock 注入时钟，测试用。同时作用于 token 管理和限流协调。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// =============================================================================
// 单次调用选项
// =============================================================================

// ExecuteOption 单次调用选项。
type ExecuteOption func(*callOptions)

type callOptions struct {
	policy      *xretry.Policy
	scopes      []string
	skipCache   bool
	forceCache  bool
	ttl         time.Duration
	priority    xrespcache.Priority
	hasPriority bool
	noRefresh   bool
}

func newCallOptions(opts []ExecuteOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithCallPolicy 本次调用的重试策略，覆盖客户端级策略。
func WithCallPolicy(p xretry.Policy) ExecuteOption {
	return func(o *callOptions) { o.policy = &p }
}

// WithScopes 本次调用要求 token 具备的 scope。
func WithScopes(scopes ...string) ExecuteOption {
	return func(o *callOptions) { o.scopes = append(o.scopes, scopes...) }
}

// SkipCache 不读也不写缓存。
func SkipCache() ExecuteOption {
	return func(o *callOptions) { o.skipCache = true }
}

// ForceCache 非 GET 请求也走缓存，用于只读的 GraphQL 查询。
func ForceCache() ExecuteOption {
	return func(o *callOptions) { o.forceCache = true }
}

// WithCacheTTL 本次响应的缓存时长，<= 0 使用缓存默认值。
func WithCacheTTL(d time.Duration) ExecuteOption {
	return func(o *callOptions) { o.ttl = d }
}

// WithCachePriority 本次响应的缓存优先级。
func WithCachePriority(p xrespcache.Priority) ExecuteOption {
	return func(o *callOptions) {
		o.priority = p
		o.hasPriority = true
	}
}

// WithoutRefresh 本次响应不参与后台刷新。
func WithoutRefresh() ExecuteOption {
	return func(o *callOptions) { o.noRefresh = true }
}
