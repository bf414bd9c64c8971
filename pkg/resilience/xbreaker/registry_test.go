package xbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/ghkit/pkg/resilience/xretry"
)

var errUpstream = errors.New("upstream 502")

func newTestRegistry(t *testing.T, threshold int, timeout time.Duration, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{Enabled: true, FailureThreshold: threshold, RecoveryTimeout: timeout}, opts...)
	require.NoError(t, err)
	return r
}

func fail(t *testing.T, r *Registry, scope string, err error) {
	t.Helper()
	done, allowErr := r.Allow(scope)
	require.NoError(t, allowErr)
	done(err)
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)

	for i := 0; i < 2; i++ {
		fail(t, r, "tok", errUpstream)
		assert.Equal(t, StateClosed, r.State("tok"))
	}
	fail(t, r, "tok", errUpstream)
	assert.Equal(t, StateOpen, r.State("tok"))

	start := time.Now()
	done, err := r.Allow("tok")
	assert.Less(t, time.Since(start), time.Millisecond)
	assert.Nil(t, done)

	var co *CircuitOpenError
	require.ErrorAs(t, err, &co)
	assert.Equal(t, "tok", co.Scope)
	assert.Equal(t, StateOpen, co.State)
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, xretry.IsRetryable(err))
	assert.True(t, IsCircuitOpen(err))
}

func TestRegistry_SuccessResetsConsecutive(t *testing.T) {
	r := newTestRegistry(t, 2, time.Hour)
	fail(t, r, "s", errUpstream)
	fail(t, r, "s", nil)
	fail(t, r, "s", errUpstream)
	assert.Equal(t, StateClosed, r.State("s"))
}

func TestRegistry_ScopesIsolated(t *testing.T) {
	r := newTestRegistry(t, 1, time.Hour)
	fail(t, r, "a", errUpstream)
	assert.Equal(t, StateOpen, r.State("a"))
	assert.Equal(t, StateClosed, r.State("b"))
	_, err := r.Allow("b")
	assert.NoError(t, err)
}

func TestRegistry_HalfOpen(t *testing.T) {
	const timeout = 30 * time.Millisecond

	t.Run("SingleTrialSuccessCloses", func(t *testing.T) {
		r := newTestRegistry(t, 1, timeout)
		fail(t, r, "s", errUpstream)
		time.Sleep(timeout + 10*time.Millisecond)

		assert.Equal(t, StateHalfOpen, r.State("s"))
		done, err := r.Allow("s")
		require.NoError(t, err)

		// 试探期间第二个请求被拒绝。
		_, err = r.Allow("s")
		assert.ErrorIs(t, err, ErrTooManyRequests)

		done(nil)
		assert.Equal(t, StateClosed, r.State("s"))
	})

	t.Run("TrialFailureReopens", func(t *testing.T) {
		r := newTestRegistry(t, 1, timeout)
		fail(t, r, "s", errUpstream)
		time.Sleep(timeout + 10*time.Millisecond)

		fail(t, r, "s", errUpstream)
		assert.Equal(t, StateOpen, r.State("s"))
		_, err := r.Allow("s")
		assert.ErrorIs(t, err, ErrOpenState)
	})

	t.Run("ExcludedTrialFreesSlot", func(t *testing.T) {
		r := newTestRegistry(t, 1, timeout)
		fail(t, r, "s", errUpstream)
		time.Sleep(timeout + 10*time.Millisecond)

		fail(t, r, "s", xretry.ExcludeFromBreaker(errors.New("404")))
		assert.Equal(t, StateHalfOpen, r.State("s"))
		_, err := r.Allow("s")
		assert.NoError(t, err)
	})
}

func TestRegistry_ExcludedNotCounted(t *testing.T) {
	r := newTestRegistry(t, 2, time.Hour)
	for range 5 {
		fail(t, r, "s", xretry.ExcludeFromBreaker(errors.New("422")))
	}
	assert.Equal(t, StateClosed, r.State("s"))
	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint32(5), snaps[0].Counts.TotalExclusions)
	assert.Zero(t, snaps[0].Counts.TotalFailures)
}

func TestRegistry_Disabled(t *testing.T) {
	r, err := NewRegistry(Config{Enabled: false})
	require.NoError(t, err)
	for range 10 {
		fail(t, r, "s", errUpstream)
	}
	assert.Equal(t, StateClosed, r.State("s"))
	assert.Empty(t, r.Snapshots())

	var nilReg *Registry
	done, err := nilReg.Allow("x")
	assert.NoError(t, err)
	done(errUpstream)
}

func TestRegistry_OnStateChange(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	r := newTestRegistry(t, 1, time.Hour, WithOnStateChange(func(scope string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, scope+":"+from.String()+"->"+to.String())
	}))
	fail(t, r, "tok", errUpstream)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tok:closed->open"}, events)
}

func TestRegistry_Reset(t *testing.T) {
	r := newTestRegistry(t, 1, time.Hour)
	fail(t, r, "s", errUpstream)
	require.Equal(t, StateOpen, r.State("s"))
	r.Reset("s")
	assert.Equal(t, StateClosed, r.State("s"))
	_, err := r.Allow("s")
	assert.NoError(t, err)
}

func TestRegistry_WithTripPolicy(t *testing.T) {
	r := newTestRegistry(t, 100, time.Hour, WithTripPolicy(NewFailureRatio(0.5, 4)))
	fail(t, r, "s", nil)
	fail(t, r, "s", errUpstream)
	fail(t, r, "s", nil)
	assert.Equal(t, StateClosed, r.State("s"))
	fail(t, r, "s", errUpstream)
	assert.Equal(t, StateOpen, r.State("s"))
}

func TestRegistry_WithRetryManager(t *testing.T) {
	r := newTestRegistry(t, 2, time.Hour)
	p := xretry.DefaultPolicy()
	p.MaxRetries = 5
	p.BaseDelay = time.Millisecond
	p.MaxDelay = time.Millisecond
	m := xretry.NewManager(p, xretry.WithBreaker(r, "tok"))

	calls := 0
	err := m.Execute(context.Background(), func(context.Context) error {
		calls++
		return errUpstream
	})

	// 第 2 次失败后打开，第 3 次尝试被熔断拒绝，不再调用操作。
	assert.Equal(t, 2, calls)
	assert.True(t, IsCircuitOpen(err))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := newTestRegistry(t, 1000, time.Hour)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scope := []string{"a", "b", "c"}[i%3]
			done, err := r.Allow(scope)
			if err == nil {
				done(nil)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.Snapshots(), 3)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.Validate())

	err := Config{Enabled: true}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewRegistry(Config{Enabled: true, FailureThreshold: 0, RecoveryTimeout: time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPolicies(t *testing.T) {
	cf := NewConsecutiveFailures(0)
	assert.Equal(t, uint32(1), cf.Threshold())
	assert.True(t, cf.ReadyToTrip(Counts{ConsecutiveFailures: 1}))

	fr := NewFailureRatio(2, 10)
	assert.Equal(t, 1.0, fr.Ratio())
	assert.False(t, fr.ReadyToTrip(Counts{}))
	assert.False(t, fr.ReadyToTrip(Counts{Requests: 5, TotalFailures: 5}))
	assert.True(t, fr.ReadyToTrip(Counts{Requests: 10, TotalFailures: 10}))
}

func TestRegistry_FailureRatioConfig(t *testing.T) {
	t.Run("MinRequestsSet", func(t *testing.T) {
		r, err := NewRegistry(Config{
			Enabled:          true,
			FailureThreshold: 100,
			RecoveryTimeout:  time.Hour,
			FailureRatio:     0.5,
			MinRequests:      4,
		})
		require.NoError(t, err)
		fail(t, r, "s", errUpstream)
		fail(t, r, "s", errUpstream)
		fail(t, r, "s", nil)
		// 3 次请求未达到 min_requests，失败率再高也不打开
		assert.Equal(t, StateClosed, r.State("s"))
		fail(t, r, "s", nil)
		assert.Equal(t, StateOpen, r.State("s"))
	})

	t.Run("MinRequestsFallsBackToThreshold", func(t *testing.T) {
		r, err := NewRegistry(Config{
			Enabled:          true,
			FailureThreshold: 2,
			RecoveryTimeout:  time.Hour,
			FailureRatio:     1,
		})
		require.NoError(t, err)
		fail(t, r, "s", errUpstream)
		assert.Equal(t, StateClosed, r.State("s"))
		fail(t, r, "s", errUpstream)
		assert.Equal(t, StateOpen, r.State("s"))
	})

	t.Run("OptionOverridesConfig", func(t *testing.T) {
		r, err := NewRegistry(Config{
			Enabled:          true,
			FailureThreshold: 1,
			RecoveryTimeout:  time.Hour,
			FailureRatio:     0.1,
			MinRequests:      1,
		}, WithTripPolicy(NewConsecutiveFailures(3)))
		require.NoError(t, err)
		fail(t, r, "s", errUpstream)
		fail(t, r, "s", errUpstream)
		assert.Equal(t, StateClosed, r.State("s"))
	})
}

func TestConfig_ValidateRatio(t *testing.T) {
	base := DefaultConfig()

	bad := base
	bad.FailureRatio = 1.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = base
	bad.FailureRatio = -0.1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = base
	bad.MinRequests = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	ok := base
	ok.FailureRatio = 0.5
	ok.MinRequests = 20
	assert.NoError(t, ok.Validate())
}

func TestPolicyFor(t *testing.T) {
	p := policyFor(Config{FailureThreshold: 7})
	cf, ok := p.(*ConsecutiveFailuresPolicy)
	require.True(t, ok)
	assert.Equal(t, uint32(7), cf.Threshold())

	p = policyFor(Config{FailureThreshold: 7, FailureRatio: 0.25})
	fr, ok := p.(*FailureRatioPolicy)
	require.True(t, ok)
	assert.Equal(t, 0.25, fr.Ratio())
	assert.False(t, fr.ReadyToTrip(Counts{Requests: 6, TotalFailures: 6}))
	assert.True(t, fr.ReadyToTrip(Counts{Requests: 8, TotalFailures: 2}))

	assert.Equal(t, uint32(0), clampUint32(-3))
}
