package xbreaker

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/resilience/xretry"
)

// StateChangeFunc 状态变化回调。
// 在熔断器内部锁内同步调用，不得回调 Registry。
type StateChangeFunc func(scope string, from, to State)

// Snapshot 单个 scope 的状态快照。
type Snapshot struct {
	Scope  string
	State  State
	Counts Counts
}

// Registry 按 scope 懒创建熔断器。并发安全。
type Registry struct {
	cfg      Config
	policy   TripPolicy
	onChange StateChangeFunc
	logger   xlog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

// Option Registry 配置选项。
type Option func(*Registry)

// WithTripPolicy 替换默认的连续失败策略。
func WithTripPolicy(p TripPolicy) Option {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithOnStateChange 注册状态变化回调。
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(r *Registry) { r.onChange = fn }
}

// WithLogger 设置日志。
func WithLogger(l xlog.Logger) Option {
	return func(r *Registry) { r.logger = xlog.OrDiscard(l) }
}

// NewRegistry 创建注册表。cfg 非法时返回错误。
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:      cfg,
		logger:   xlog.Discard(),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
	}
	if cfg.Enabled {
		r.policy = policyFor(cfg)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

var _ xretry.Breaker = (*Registry)(nil)

func noopDone(error) {}

// Allow 放行判断。拒绝时返回 *CircuitOpenError，不做任何 I/O。
// 放行时调用方必须且只能调用一次 done。
func (r *Registry) Allow(scope string) (func(err error), error) {
	if r == nil || !r.cfg.Enabled {
		return noopDone, nil
	}
	cb := r.get(scope)
	done, err := cb.Allow()
	if err != nil {
		return nil, &CircuitOpenError{Scope: scope, State: cb.State(), Err: err}
	}
	return done, nil
}

// State 返回 scope 当前状态，未出现过的 scope 为 Closed。
func (r *Registry) State(scope string) State {
	if r == nil {
		return StateClosed
	}
	r.mu.RLock()
	cb, ok := r.breakers[scope]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Snapshots 返回全部 scope 的状态，按 scope 排序。
func (r *Registry) Snapshots() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for scope, cb := range r.breakers {
		out = append(out, Snapshot{Scope: scope, State: cb.State(), Counts: cb.Counts()})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Snapshot) int {
		switch {
		case a.Scope < b.Scope:
			return -1
		case a.Scope > b.Scope:
			return 1
		}
		return 0
	})
	return out
}

// Reset 丢弃 scope 的熔断器，下次 Allow 时以 Closed 重建。
// 用于 token 被移除或替换的场景。
func (r *Registry) Reset(scope string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.breakers, scope)
	r.mu.Unlock()
}

func (r *Registry) get(scope string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	r.mu.RLock()
	cb, ok := r.breakers[scope]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[scope]; ok {
		return cb
	}
	cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](r.settings(scope))
	r.breakers[scope] = cb
	return cb
}

// settings 半开只放行一个试探请求；Interval 为 0 表示 Closed 状态不按时间清零。
func (r *Registry) settings(scope string) gobreaker.Settings {
	policy := r.policy
	return gobreaker.Settings{
		Name:        scope,
		MaxRequests: 1,
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: policy.ReadyToTrip,
		IsExcluded:  xretry.IsBreakerExcluded,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn(context.Background(), "circuit breaker state changed",
				slog.String("scope", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
	}
}
