package xtoken

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func tokens(n int) []Token {
	out := make([]Token, n)
	for i := range out {
		out[i] = Token{Value: fmt.Sprintf("ghp_token_%d", i)}
	}
	return out
}

func newManager(t *testing.T, strategy Strategy, toks []Token, opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	m, err := NewManager(cfg, toks, opts...)
	require.NoError(t, err)
	return m
}

func TestManager_RoundRobinExact(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			const k = 5
			m := newManager(t, StrategyRoundRobin, tokens(n))
			counts := map[string]int{}
			for range n * k {
				tok, ok := m.Next()
				require.True(t, ok)
				counts[tok.Value]++
			}
			require.Len(t, counts, n)
			for v, c := range counts {
				assert.Equal(t, k, c, v)
			}
		})
	}
}

func TestManager_RoundRobinConcurrentFairness(t *testing.T) {
	const (
		n = 4
		k = 250
	)
	m := newManager(t, StrategyRoundRobin, tokens(n))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for range n * k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, ok := m.Next()
			if !ok {
				return
			}
			mu.Lock()
			counts[tok.Value]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, tok := range tokens(n) {
		assert.Equal(t, k, counts[tok.Value], tok.Value)
	}
}

func TestManager_LeastUsed(t *testing.T) {
	toks := tokens(3)
	m := newManager(t, StrategyLeastUsed, toks)

	// 全部为 0，按加入顺序取第一个。
	tok, _ := m.Next()
	assert.Equal(t, toks[0].Value, tok.Value)

	m.RecordSuccess(toks[0].ID())
	tok, _ = m.Next()
	assert.Equal(t, toks[1].Value, tok.Value)

	m.RecordError(toks[1].ID())
	tok, _ = m.Next()
	assert.Equal(t, toks[2].Value, tok.Value)

	m.RecordSuccess(toks[2].ID())
	m.RecordSuccess(toks[2].ID())
	tok, _ = m.Next()
	assert.Equal(t, toks[0].Value, tok.Value, "tie between 0 and 1 goes to insertion order")
}

func TestManager_Random(t *testing.T) {
	toks := tokens(3)
	var picks []int
	m := newManager(t, StrategyRandom, toks, WithRandom(func(n int) int {
		picks = append(picks, n)
		return n - 1
	}))
	tok, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, toks[2].Value, tok.Value)
	assert.Equal(t, []int{3}, picks)

	rnd := newManager(t, StrategyRandom, toks)
	seen := map[string]bool{}
	for range 300 {
		tok, _ := rnd.Next()
		seen[tok.Value] = true
	}
	assert.Len(t, seen, 3)
}

func TestManager_Scopes(t *testing.T) {
	toks := []Token{
		{Value: "a", Scopes: []string{"repo"}},
		{Value: "b", Scopes: []string{"repo", "read:org"}},
		{Value: "c"},
	}
	m := newManager(t, StrategyRoundRobin, toks)

	for range 4 {
		tok, ok := m.Next("repo", "read:org")
		require.True(t, ok)
		assert.Equal(t, "b", tok.Value)
	}

	seen := map[string]int{}
	for range 4 {
		tok, ok := m.Next("repo")
		require.True(t, ok)
		seen[tok.Value]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, seen)

	_, ok := m.Next("admin:org")
	assert.False(t, ok)
}

func TestManager_Expiry(t *testing.T) {
	clk := newFakeClock()
	toks := []Token{
		{Value: "expired", ExpiresAt: clk.Now().Add(-time.Second)},
		{Value: "fresh", ExpiresAt: clk.Now().Add(time.Hour)},
	}
	m := newManager(t, StrategyRoundRobin, toks, WithClock(clk.Now))
	for range 3 {
		tok, ok := m.Next()
		require.True(t, ok)
		assert.Equal(t, "fresh", tok.Value)
	}
	assert.Equal(t, 1, m.UsableCount())

	clk.Advance(time.Hour)
	_, ok := m.Next()
	assert.False(t, ok)
}

func TestManager_AutoQuarantine(t *testing.T) {
	clk := newFakeClock()
	toks := tokens(2)
	bad := toks[0].ID()

	var (
		quarantined []Health
		released    []Health
	)
	m := newManager(t, StrategyRoundRobin, toks, WithClock(clk.Now),
		WithOnQuarantine(func(h Health) { quarantined = append(quarantined, h) }),
		WithOnRelease(func(h Health) { released = append(released, h) }))

	// 2 成功 3 失败：60% 错误率，5 个样本。
	m.RecordSuccess(bad)
	m.RecordSuccess(bad)
	m.RecordError(bad)
	m.RecordError(bad)
	assert.Empty(t, quarantined, "below min samples")
	m.RecordError(bad)
	require.Len(t, quarantined, 1)
	assert.Equal(t, bad, quarantined[0].ID)
	assert.InDelta(t, 0.6, quarantined[0].ErrorRate, 1e-9)
	assert.Equal(t, clk.Now().Add(5*time.Minute), quarantined[0].QuarantinedUntil)

	for range 4 {
		tok, ok := m.Next()
		require.True(t, ok)
		assert.Equal(t, toks[1].Value, tok.Value)
	}

	clk.Advance(5 * time.Minute)
	seen := map[string]bool{}
	for range 2 {
		tok, _ := m.Next()
		seen[tok.Value] = true
	}
	assert.True(t, seen[toks[0].Value], "selectable again after quarantine expiry")
	require.Len(t, released, 1)
	assert.Equal(t, bad, released[0].ID)

	h := m.Health()[0]
	assert.Zero(t, h.Success)
	assert.Zero(t, h.Failure)
	assert.True(t, h.Usable)
	assert.True(t, h.QuarantinedUntil.IsZero())
}

func TestManager_ErrorRateBelowThreshold(t *testing.T) {
	toks := tokens(1)
	m := newManager(t, StrategyRoundRobin, toks)
	id := toks[0].ID()
	for range 3 {
		m.RecordSuccess(id)
	}
	m.RecordError(id)
	m.RecordError(id)
	_, ok := m.Next()
	assert.True(t, ok, "40% error rate stays usable")
}

func TestManager_ManualQuarantine(t *testing.T) {
	clk := newFakeClock()
	toks := tokens(1)
	m := newManager(t, StrategyRoundRobin, toks, WithClock(clk.Now))

	require.NoError(t, m.Quarantine(toks[0].ID(), time.Minute))
	_, ok := m.Next()
	assert.False(t, ok)
	assert.Zero(t, m.UsableCount())

	clk.Advance(time.Minute)
	released := m.Sweep()
	require.Len(t, released, 1)
	_, ok = m.Next()
	assert.True(t, ok)

	assert.ErrorIs(t, m.Quarantine("missing", time.Minute), ErrTokenNotFound)
}

func TestManager_AddRemoveReplace(t *testing.T) {
	m := newManager(t, StrategyRoundRobin, nil)
	_, ok := m.Next()
	assert.False(t, ok)

	require.NoError(t, m.Add(Token{Value: "one"}))
	assert.ErrorIs(t, m.Add(Token{Value: "one"}), ErrDuplicateToken)
	assert.ErrorIs(t, m.Add(Token{}), ErrEmptyToken)
	require.NoError(t, m.Add(Token{Value: "two"}))
	assert.Equal(t, 2, m.Len())

	oneID := IDOf("one")
	m.RecordError(oneID)
	require.NoError(t, m.Replace(oneID, Token{Value: "one-b", Kind: KindInstallation}))
	_, ok = m.Get(oneID)
	assert.False(t, ok)
	got, ok := m.Get(IDOf("one-b"))
	require.True(t, ok)
	assert.Equal(t, KindInstallation, got.Kind)
	h := m.Health()
	assert.Equal(t, IDOf("one-b"), h[0].ID, "position kept")
	assert.Equal(t, 1, h[0].Failure, "health kept")

	assert.ErrorIs(t, m.Replace("nope", Token{Value: "x"}), ErrTokenNotFound)
	assert.ErrorIs(t, m.Replace(IDOf("one-b"), Token{Value: "two"}), ErrDuplicateToken)

	assert.True(t, m.Remove(IDOf("two")))
	assert.False(t, m.Remove(IDOf("two")))
	assert.Equal(t, 1, m.Len())
}

func TestManager_OnRemove(t *testing.T) {
	var (
		mu   sync.Mutex
		gone []string
	)
	m := newManager(t, StrategyRoundRobin, []Token{{Value: "one"}, {Value: "two"}},
		WithOnRemove(func(id string) {
			mu.Lock()
			defer mu.Unlock()
			gone = append(gone, id)
		}))

	require.NoError(t, m.Replace(IDOf("one"), Token{Value: "one-b"}))
	// 值不变的替换不算离开。
	require.NoError(t, m.Replace(IDOf("one-b"), Token{Value: "one-b", Label: "relabel"}))
	assert.True(t, m.Remove(IDOf("two")))
	assert.False(t, m.Remove(IDOf("two")))
	assert.ErrorIs(t, m.Replace("nope", Token{Value: "x"}), ErrTokenNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{IDOf("one"), IDOf("two")}, gone)
}

func TestManager_ConcurrentRecording(t *testing.T) {
	toks := tokens(3)
	m := newManager(t, StrategyRoundRobin, toks)

	var wg sync.WaitGroup
	for range 300 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, ok := m.Next()
			if !ok {
				return
			}
			m.RecordSuccess(tok.ID())
		}()
	}
	wg.Wait()

	total := 0
	for _, h := range m.Health() {
		total += h.Success + h.Failure
	}
	assert.Equal(t, 300, total)
}

type fakeRefresher struct {
	calls []string
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, old Token) (Token, error) {
	f.calls = append(f.calls, old.Value)
	if old.Kind != KindInstallation {
		return Token{}, ErrNotRefreshable
	}
	if f.err != nil {
		return Token{}, f.err
	}
	return Token{Value: old.Value + "-new", Kind: KindInstallation, ExpiresAt: old.ExpiresAt.Add(time.Hour)}, nil
}

func TestManager_RefreshExpiring(t *testing.T) {
	clk := newFakeClock()
	toks := []Token{
		{Value: "pat"},
		{Value: "inst", Kind: KindInstallation, ExpiresAt: clk.Now().Add(2 * time.Minute)},
		{Value: "later", Kind: KindInstallation, ExpiresAt: clk.Now().Add(time.Hour)},
		{Value: "pat-expiring", Kind: KindPersonal, ExpiresAt: clk.Now().Add(time.Minute)},
	}
	r := &fakeRefresher{}
	m := newManager(t, StrategyRoundRobin, toks, WithClock(clk.Now), WithRefresher(r))

	assert.True(t, m.NeedsRefresh(toks[1], 5*time.Minute))
	assert.False(t, m.NeedsRefresh(toks[2], 5*time.Minute))

	n, err := m.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"inst", "pat-expiring"}, r.calls)
	_, ok := m.Get(IDOf("inst-new"))
	assert.True(t, ok)

	r.err = errors.New("boom")
	clk.Advance(2 * time.Hour)
	_, err = m.RefreshExpiring(context.Background())
	assert.Error(t, err)

	noRefresher := newManager(t, StrategyRoundRobin, toks)
	n, err = noRefresher.RefreshExpiring(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	err := Config{Strategy: "fifo"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	for _, s := range []string{"strategy", "quarantine_duration", "error_rate_threshold", "min_samples"} {
		assert.Contains(t, err.Error(), s)
	}
	_, err = NewManager(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewManager(DefaultConfig(), []Token{{Value: "a"}, {Value: "a"}})
	assert.ErrorIs(t, err, ErrDuplicateToken)
}
