package xretry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// httpError 测试用的带状态码错误。
type httpError struct {
	code       int
	retryAfter time.Duration
	hasAfter   bool
}

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.code) }
func (e *httpError) StatusCode() int { return e.code }
func (e *httpError) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasAfter
}

// fakeBreaker 按 scope 计数的简易熔断器。
type fakeBreaker struct {
	mu        sync.Mutex
	open      bool
	successes int
	failures  int
	excluded  int
	scopes    []string
}

type openErr struct{}

func (openErr) Error() string     { return "circuit open" }
func (openErr) Retryable() bool   { return false }
func (openErr) CircuitOpen() bool { return true }

func (b *fakeBreaker) Allow(scope string) (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopes = append(b.scopes, scope)
	if b.open {
		return nil, openErr{}
	}
	return func(err error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case err == nil:
			b.successes++
		case IsBreakerExcluded(err):
			b.excluded++
		default:
			b.failures++
		}
	}, nil
}

func fastPolicy(maxRetries int) Policy {
	p := DefaultPolicy()
	p.MaxRetries = maxRetries
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

func TestManager_Classification(t *testing.T) {
	ctx := context.Background()

	t.Run("NonRetryableStatusOneAttempt", func(t *testing.T) {
		m := NewManager(fastPolicy(3))
		calls := 0
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			return &httpError{code: 404}
		})
		assert.Equal(t, 1, calls)
		var he *httpError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, 404, he.code)
		var ex *RetryExhaustedError
		assert.False(t, errors.As(err, &ex))
	})

	t.Run("ServerErrorUsesAllAttempts", func(t *testing.T) {
		m := NewManager(fastPolicy(3))
		calls := 0
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			return &httpError{code: 500}
		})
		assert.Equal(t, 4, calls)
		var ex *RetryExhaustedError
		require.ErrorAs(t, err, &ex)
		assert.Equal(t, 4, ex.Attempts)
		var he *httpError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, 500, he.code)
	})

	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		m := NewManager(fastPolicy(2))
		calls := 0
		got, err := Do(ctx, m, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &httpError{code: 500}
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, calls)
	})

	t.Run("PermanentErrorStops", func(t *testing.T) {
		m := NewManager(fastPolicy(3))
		calls := 0
		base := errors.New("boom")
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			return NewPermanentError(base)
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, base)
	})

	t.Run("DisabledRunsOnce", func(t *testing.T) {
		p := fastPolicy(5)
		p.Enabled = false
		m := NewManager(p)
		calls := 0
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			return &httpError{code: 500}
		})
		assert.Equal(t, 1, calls)
		var he *httpError
		assert.ErrorAs(t, err, &he)
	})

	t.Run("PerCallPolicyOverride", func(t *testing.T) {
		m := NewManager(fastPolicy(5))
		calls := 0
		_ = m.Execute(ctx, func(context.Context) error {
			calls++
			return &httpError{code: 503}
		}, WithPolicy(fastPolicy(1)))
		assert.Equal(t, 2, calls)
	})
}

func TestManager_RetryAfterShortCircuitsBackoff(t *testing.T) {
	var notices []RetryNotice
	p := fastPolicy(2)
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	m := NewManager(p)

	calls := 0
	err := m.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &httpError{code: 429, retryAfter: time.Millisecond, hasAfter: true}
		}
		return nil
	}, WithNotify(func(n RetryNotice) { notices = append(notices, n) }))

	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, time.Millisecond, notices[0].Delay)
	assert.Equal(t, 1, notices[0].Attempt)
}

// rateLimitedErr 状态码 403 的限流错误。
type rateLimitedErr struct{ httpError }

func (rateLimitedErr) RateLimited() bool { return true }

func TestManager_RateLimitedBypassesStatusSet(t *testing.T) {
	m := NewManager(fastPolicy(2))

	calls := 0
	err := m.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &rateLimitedErr{httpError{code: 403, retryAfter: time.Millisecond, hasAfter: true}}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "403 in the non-retryable set but rate limited")

	// 普通 403 仍然只尝试一次
	calls = 0
	err = m.Execute(context.Background(), func(context.Context) error {
		calls++
		return &httpError{code: 403}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestManager_HooksOverrideDefaults(t *testing.T) {
	var (
		shouldCalls []int
		delayCalls  []int
		retryCalls  []int
	)
	hooks := Hooks{
		// 404 默认不重试，钩子强制重试。
		ShouldRetry: func(_ error, attempt int) bool {
			shouldCalls = append(shouldCalls, attempt)
			return true
		},
		CalculateDelay: func(attempt int, _ error) time.Duration {
			delayCalls = append(delayCalls, attempt)
			return 0
		},
		OnRetry: func(_ error, attempt int) {
			retryCalls = append(retryCalls, attempt)
		},
	}
	m := NewManager(fastPolicy(2), WithHooks(hooks))

	calls := 0
	err := m.Execute(context.Background(), func(context.Context) error {
		calls++
		return &httpError{code: 404, retryAfter: time.Hour, hasAfter: true}
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2, 3}, shouldCalls)
	assert.Equal(t, []int{1, 2}, delayCalls)
	assert.Equal(t, []int{1, 2}, retryCalls)
	var ex *RetryExhaustedError
	assert.ErrorAs(t, err, &ex)
}

func TestManager_ShouldRetryHookStops(t *testing.T) {
	m := NewManager(fastPolicy(5), WithHooks(Hooks{
		ShouldRetry: func(error, int) bool { return false },
	}))
	calls := 0
	err := m.Execute(context.Background(), func(context.Context) error {
		calls++
		return &httpError{code: 500}
	})
	assert.Equal(t, 1, calls)
	var he *httpError
	assert.ErrorAs(t, err, &he)
}

func TestManager_Breaker(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenFailsFast", func(t *testing.T) {
		b := &fakeBreaker{open: true}
		m := NewManager(fastPolicy(3), WithBreaker(b, "tok-1"))
		calls := 0
		start := time.Now()
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			return nil
		})
		assert.Less(t, time.Since(start), time.Millisecond)
		assert.Zero(t, calls)
		assert.ErrorIs(t, err, openErr{})
		assert.Equal(t, []string{"tok-1"}, b.scopes)
	})

	t.Run("ClientErrorsExcluded", func(t *testing.T) {
		b := &fakeBreaker{}
		m := NewManager(fastPolicy(3), WithBreaker(b, ""))
		_ = m.Execute(ctx, func(context.Context) error { return &httpError{code: 404} })
		assert.Equal(t, 1, b.excluded)
		assert.Zero(t, b.failures)
		assert.Equal(t, []string{DefaultScope}, b.scopes)
	})

	t.Run("ServerErrorsCounted", func(t *testing.T) {
		b := &fakeBreaker{}
		m := NewManager(fastPolicy(2), WithBreaker(b, "s"))
		calls := 0
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return &httpError{code: 502}
			}
			return nil
		}, WithScope("override"))
		require.NoError(t, err)
		assert.Equal(t, 2, b.failures)
		assert.Equal(t, 1, b.successes)
		assert.Equal(t, []string{"override", "override", "override"}, b.scopes)
	})

	t.Run("RateLimitCounted", func(t *testing.T) {
		b := &fakeBreaker{}
		m := NewManager(fastPolicy(0), WithBreaker(b, "s"))
		_ = m.Execute(ctx, func(context.Context) error { return &httpError{code: 429} })
		assert.Equal(t, 1, b.failures)
	})

	t.Run("ScopeFuncPerAttempt", func(t *testing.T) {
		b := &fakeBreaker{}
		m := NewManager(fastPolicy(2), WithBreaker(b, "s"))
		current := "tok-a"
		calls := 0
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			if calls == 1 {
				current = "tok-b"
				return &httpError{code: 502}
			}
			return nil
		}, WithScope("ignored"), WithScopeFunc(func() string { return current }))
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-a", "tok-b"}, b.scopes)
	})

	t.Run("EmptyScopeFuncFallsBack", func(t *testing.T) {
		b := &fakeBreaker{}
		m := NewManager(fastPolicy(0), WithBreaker(b, "s"))
		_ = m.Execute(ctx, func(context.Context) error { return nil },
			WithScopeFunc(func() string { return "" }))
		assert.Equal(t, []string{"s"}, b.scopes)
	})
}

func TestManager_Cancellation(t *testing.T) {
	t.Run("CancelledBeforeStart", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := NewManager(fastPolicy(3))
		calls := 0
		err := m.Execute(ctx, func(context.Context) error {
			calls++
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("CancelledDuringBackoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := fastPolicy(5)
		p.BaseDelay = time.Hour
		p.MaxDelay = time.Hour
		m := NewManager(p)

		calls := 0
		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Execute(ctx, func(context.Context) error {
				calls++
				return &httpError{code: 500}
			}, WithNotify(func(RetryNotice) { cancel() }))
		}()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 1, calls)
		case <-time.After(5 * time.Second):
			t.Fatal("cancellation not honored")
		}
	})
}

func TestManager_NilArguments(t *testing.T) {
	var nilMgr *Manager
	assert.ErrorIs(t, nilMgr.Execute(context.Background(), func(context.Context) error { return nil }), ErrNilManager)

	m := NewManager(DefaultPolicy())
	//nolint:staticcheck // 故意传入 nil context
	assert.ErrorIs(t, m.Execute(nil, func(context.Context) error { return nil }), ErrNilContext)
	assert.ErrorIs(t, m.Execute(context.Background(), nil), ErrNilFunc)

	_, err := Do[int](context.Background(), m, nil)
	assert.ErrorIs(t, err, ErrNilFunc)
}
