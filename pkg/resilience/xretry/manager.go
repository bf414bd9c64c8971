package xretry

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// DefaultScope 未指定 scope 时熔断器使用的键。
const DefaultScope = "global"

// Manager 重试管理器。零配置的熔断器为 nil，此时只做重试。
//
// Manager 不持有可变状态，可被多个 goroutine 共享。
type Manager struct {
	policy  Policy
	hooks   Hooks
	breaker Breaker
	scope   string
	jitter  JitterSource
	logger  xlog.Logger
}

// ManagerOption Manager 配置选项。
type ManagerOption func(*Manager)

// WithHooks 注入策略钩子。
func WithHooks(h Hooks) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// WithBreaker 组合熔断器，scope 为默认隔离键。b 为 nil 时忽略。
func WithBreaker(b Breaker, scope string) ManagerOption {
	return func(m *Manager) {
		if b == nil {
			return
		}
		m.breaker = b
		if scope != "" {
			m.scope = scope
		}
	}
}

// WithManagerJitterSource 替换默认退避的随机源。
func WithManagerJitterSource(src JitterSource) ManagerOption {
	return func(m *Manager) {
		if src != nil {
			m.jitter = src
		}
	}
}

// WithLogger 设置日志，nil 表示不输出。
func WithLogger(l xlog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = xlog.OrDiscard(l) }
}

// NewManager 创建重试管理器。
func NewManager(policy Policy, opts ...ManagerOption) *Manager {
	m := &Manager{
		policy: policy,
		scope:  DefaultScope,
		jitter: randomFloat64,
		logger: xlog.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Policy 返回客户端级策略的副本。
func (m *Manager) Policy() Policy {
	if m == nil {
		return Policy{}
	}
	return m.policy
}

// RetryNotice 每次决定重试时的通知内容。
type RetryNotice struct {
	Attempt int
	Err     error
	Delay   time.Duration
}

type callConfig struct {
	policy    *Policy
	scope     string
	scopeFunc func() string
	notify    func(RetryNotice)
}

// CallOption 单次调用的覆盖项。
type CallOption func(*callConfig)

// WithPolicy 仅对本次调用替换策略。
func WithPolicy(p Policy) CallOption {
	return func(c *callConfig) { c.policy = &p }
}

// WithScope 本次调用的熔断 scope。
func WithScope(scope string) CallOption {
	return func(c *callConfig) {
		if scope != "" {
			c.scope = scope
		}
	}
}

// WithScopeFunc 每次尝试前调用 fn 决定熔断 scope，优先于 WithScope。
// 用于同一次调用中途更换凭据等 scope 会变化的场景；返回空串时使用默认 scope。
func WithScopeFunc(fn func() string) CallOption {
	return func(c *callConfig) { c.scopeFunc = fn }
}

// WithNotify 注册重试通知，在 Hooks.OnRetry 之后、等待之前调用。
func WithNotify(fn func(RetryNotice)) CallOption {
	return func(c *callConfig) { c.notify = fn }
}

// Execute 执行带重试的操作。
func (m *Manager) Execute(ctx context.Context, op func(ctx context.Context) error, opts ...CallOption) error {
	if op == nil {
		return ErrNilFunc
	}
	_, err := Do(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Do 执行带重试的操作（有返回值）。
//
// 这是泛型函数，必须作为包级函数使用。
func Do[T any](ctx context.Context, m *Manager, op func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T
	switch {
	case m == nil:
		return zero, ErrNilManager
	case ctx == nil:
		return zero, ErrNilContext
	case op == nil:
		return zero, ErrNilFunc
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	run := m.newRun(ctx, opts)
	result, err := retry.NewWithData[T](run.options()...).Do(func() (T, error) {
		return guarded(run, op)
	})
	if err == nil {
		return result, nil
	}
	return zero, run.outcome(err)
}

func guarded[T any](r *attemptRun, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done, err := r.allow()
	if err != nil {
		return zero, err
	}
	v, err := op(r.ctx)
	done(r.breakerResult(err))
	return v, err
}

// attemptRun 单次逻辑操作的执行状态，只在一个 goroutine 内使用。
type attemptRun struct {
	m        *Manager
	ctx      context.Context
	policy    Policy
	scope     string
	scopeFunc func() string
	notify    func(RetryNotice)
	attempts  int

	attempt   int
	stopped   bool
	exhausted bool
	lastErr   error
	nextDelay time.Duration
}

func (m *Manager) newRun(ctx context.Context, opts []CallOption) *attemptRun {
	cfg := callConfig{scope: m.scope}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	policy := m.policy
	if cfg.policy != nil {
		policy = *cfg.policy
	}
	return &attemptRun{
		m:        m,
		ctx:      ctx,
		policy:    policy,
		scope:     cfg.scope,
		scopeFunc: cfg.scopeFunc,
		notify:    cfg.notify,
		attempts:  policy.Attempts(),
	}
}

func (r *attemptRun) options() []retry.Option {
	return []retry.Option{
		retry.Context(r.ctx),
		retry.Attempts(uint(r.attempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(r.retryIf),
		retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
			return r.nextDelay
		}),
	}
}

// allow 熔断器放行检查，不放行时不调用操作也不等待。
func (r *attemptRun) allow() (func(error), error) {
	if r.m.breaker == nil {
		return func(error) {}, nil
	}
	scope := r.scope
	if r.scopeFunc != nil {
		if s := r.scopeFunc(); s != "" {
			scope = s
		}
	}
	return r.m.breaker.Allow(scope)
}

// breakerResult 决定熔断器看到的结果：4xx 客户端错误和调用方取消不计入失败，
// 限流（包括 403 形式的限流）计入。
func (r *attemptRun) breakerResult(err error) error {
	if err == nil {
		return nil
	}
	if r.ctx.Err() != nil {
		return ExcludeFromBreaker(err)
	}
	if isRateLimited(err) {
		return err
	}
	if isClientError(StatusCodeOf(err)) {
		return ExcludeFromBreaker(err)
	}
	return err
}

// retryIf 在每次失败后调用。
// 设计决策: 尝试计数、OnRetry 钩子和延迟都在这里完成，
// 不依赖 retry-go 内部 RetryIf/OnRetry/DelayType 的调用顺序。
func (r *attemptRun) retryIf(err error) bool {
	r.attempt++
	r.lastErr = err

	if r.ctx.Err() != nil || isCircuitOpen(err) || !r.shouldRetry(err) {
		r.stopped = true
		return false
	}
	if r.attempt >= r.attempts {
		r.exhausted = true
		return false
	}

	r.nextDelay = r.delay(err)
	if r.m.hooks.OnRetry != nil {
		r.m.hooks.OnRetry(err, r.attempt)
	}
	if r.notify != nil {
		r.notify(RetryNotice{Attempt: r.attempt, Err: err, Delay: r.nextDelay})
	}
	r.m.logger.Debug(r.ctx, "retrying",
		xlog.Attempt(r.attempt), xlog.Duration(r.nextDelay), xlog.Err(err))
	return true
}

func (r *attemptRun) shouldRetry(err error) bool {
	if r.m.hooks.ShouldRetry != nil {
		return r.m.hooks.ShouldRetry(err, r.attempt)
	}
	if isRateLimited(err) {
		return IsRetryable(err)
	}
	if r.policy.IsNonRetryableStatus(StatusCodeOf(err)) {
		return false
	}
	return IsRetryable(err)
}

func (r *attemptRun) delay(err error) time.Duration {
	if r.m.hooks.CalculateDelay != nil {
		return max(r.m.hooks.CalculateDelay(r.attempt, err), 0)
	}
	opts := []DelayOption{WithMaxDelay(r.policy.MaxDelay), WithJitterSource(r.m.jitter)}
	if d, ok := RetryAfterOf(err); ok {
		opts = append(opts, WithServerRetryAfter(d))
	}
	return ComputeDelay(r.attempt-1, r.policy.BaseDelay, opts...)
}

// isCircuitOpen 熔断拒绝不经过分类和钩子，直接停止。
func isCircuitOpen(err error) bool {
	var co CircuitOpener
	return errors.As(err, &co) && co.CircuitOpen()
}

func isRateLimited(err error) bool {
	var rl RateLimited
	return errors.As(err, &rl) && rl.RateLimited()
}

// outcome 把 retry-go 的返回映射为对外错误。
func (r *attemptRun) outcome(err error) error {
	switch {
	case r.stopped:
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		return r.lastErr
	case r.exhausted:
		if r.attempts == 1 {
			return r.lastErr
		}
		r.m.logger.Warn(r.ctx, "retries exhausted", xlog.Attempt(r.attempt), xlog.Err(r.lastErr))
		return &RetryExhaustedError{Attempts: r.attempt, Err: r.lastErr}
	case r.ctx.Err() != nil:
		return r.ctx.Err()
	default:
		return err
	}
}
