package xconf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

const waitTimeout = 5 * time.Second

func startWatch(t *testing.T, path string, cb WatchCallback, opts ...WatchOption) *Watcher {
	t.Helper()
	cfg, err := New(path)
	require.NoError(t, err)
	w, err := Watch(cfg, cb, opts...)
	require.NoError(t, err)
	w.StartAsync()
	t.Cleanup(func() { assert.NoError(t, w.Stop()) })
	return w
}

func TestWatch_Reload(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "tokens:\n  strategy: round-robin\n")
	got := make(chan string, 8)
	startWatch(t, path, func(cfg Config, err error) {
		if err == nil {
			got <- cfg.Client().String("tokens.strategy")
		}
	}, WithDebounce(20*time.Millisecond))

	require.NoError(t, os.WriteFile(path, []byte("tokens:\n  strategy: random\n"), 0o600))
	select {
	case s := <-got:
		assert.Equal(t, "random", s)
	case <-time.After(waitTimeout):
		t.Fatal("no reload callback")
	}
}

func TestWatch_AtomicRename(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "log:\n  level: info\n")
	got := make(chan string, 8)
	startWatch(t, path, func(cfg Config, err error) {
		if err == nil {
			got <- cfg.Client().String("log.level")
		}
	}, WithDebounce(20*time.Millisecond))

	tmp := filepath.Join(filepath.Dir(path), ".ghkit.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("log:\n  level: debug\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		select {
		case s := <-got:
			return s == "debug"
		default:
			return false
		}
	}, waitTimeout, 10*time.Millisecond)
}

func TestWatch_Debounce(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "retry:\n  max_retries: 0\n")
	var calls atomic.Int32
	w := startWatch(t, path, func(Config, error) { calls.Add(1) }, WithDebounce(300*time.Millisecond))

	for i := 1; i <= 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: "+string(rune('0'+i))+"\n"), 0o600))
	}
	require.Eventually(t, func() bool { return calls.Load() > 0 }, waitTimeout, 10*time.Millisecond)
	w.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "log:\n  level: info\n")
	var calls atomic.Int32
	w := startWatch(t, path, func(Config, error) { calls.Add(1) }, WithDebounce(10*time.Millisecond))

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1"), 0o600))
	time.Sleep(100 * time.Millisecond)
	w.Wait()
	assert.Zero(t, calls.Load())
}

func TestWatch_ReloadError(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "log:\n  level: info\n")
	errs := make(chan error, 8)
	startWatch(t, path, func(cfg Config, err error) {
		if err != nil {
			errs <- err
		}
	}, WithDebounce(10*time.Millisecond))

	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o600))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrParseFailed)
	case <-time.After(waitTimeout):
		t.Fatal("no error callback")
	}
}

func TestWatch_Errors(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "a: 1")
	cfg, err := New(path)
	require.NoError(t, err)

	_, err = Watch(cfg, nil)
	assert.ErrorIs(t, err, ErrNilCallback)

	fromBytes, err := NewFromBytes([]byte("a: 1"), FormatYAML)
	require.NoError(t, err)
	_, err = Watch(fromBytes, func(Config, error) {})
	assert.ErrorIs(t, err, ErrNotReloadable)

	_, err = Watch(staticConfig{}, func(Config, error) {})
	assert.Error(t, err)

	_, err = WatchTokens(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestWatcher_StopCancelsPendingReload(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "a: 1")
	cfg, err := New(path)
	require.NoError(t, err)
	var calls atomic.Int32
	w, err := Watch(cfg, func(Config, error) { calls.Add(1) }, WithDebounce(time.Second))
	require.NoError(t, err)
	w.StartAsync()

	require.NoError(t, os.WriteFile(path, []byte("a: 2"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, w.Stop())
	w.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, cfg.Client().Int("a"))
}

func TestWatcher_Lifecycle(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", "a: 1")
	cfg, err := New(path)
	require.NoError(t, err)

	t.Run("StopWithoutStart", func(t *testing.T) {
		w, err := Watch(cfg, func(Config, error) {})
		require.NoError(t, err)
		assert.NoError(t, w.Stop())
		assert.NoError(t, w.Stop())
		// 停止后启动无效
		w.StartAsync()
	})

	t.Run("StopInsideCallback", func(t *testing.T) {
		var w *Watcher
		var once sync.Once
		done := make(chan struct{})
		w, err := Watch(cfg, func(Config, error) {
			once.Do(func() {
				assert.NoError(t, w.Stop())
				close(done)
			})
		}, WithDebounce(10*time.Millisecond))
		require.NoError(t, err)
		w.StartAsync()
		w.StartAsync()

		require.NoError(t, os.WriteFile(path, []byte("a: 3"), 0o600))
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Fatal("callback not invoked")
		}
		w.Wait()
	})
}

// fakeSyncer 记录每次同步的目标列表。
type fakeSyncer struct {
	mu   sync.Mutex
	want [][]xtoken.Token
	err  error
}

func (f *fakeSyncer) SyncTokens(want []xtoken.Token) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.want = append(f.want, want)
	return len(want), 0, f.err
}

func (f *fakeSyncer) last() []xtoken.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.want) == 0 {
		return nil
	}
	return f.want[len(f.want)-1]
}

const tokensYAML = `
tokens:
  env: {enabled: false}
  values:
    - value: ghp_file_a
`

func TestWatchTokens(t *testing.T) {
	path := writeFile(t, "ghkit.yaml", tokensYAML)
	cfg, err := New(path)
	require.NoError(t, err)

	syncer := &fakeSyncer{}
	extra := []xtoken.Token{{Value: "ghp_flag"}}
	w, err := WatchTokens(cfg, syncer, xlog.Discard(), extra, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	w.StartAsync()
	t.Cleanup(func() { assert.NoError(t, w.Stop()) })

	updated := tokensYAML + "    - value: ghp_file_b\n    - value: ghp_flag\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool { return len(syncer.last()) == 3 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"ghp_flag", "ghp_file_a", "ghp_file_b"}, values(syncer.last()))
}

func TestSyncTokens(t *testing.T) {
	ctx := context.Background()

	cfg, err := NewFromBytes([]byte(tokensYAML), FormatYAML)
	require.NoError(t, err)
	syncer := &fakeSyncer{}
	n, err := SyncTokens(ctx, cfg, syncer, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ghp_file_a"}, values(syncer.last()))

	syncer.err = errors.New("pool closed")
	_, err = SyncTokens(ctx, cfg, syncer, nil)
	assert.ErrorContains(t, err, "pool closed")

	bad, err := NewFromBytes([]byte("tokens:\n  strategy: bogus\n"), FormatYAML)
	require.NoError(t, err)
	_, err = SyncTokens(ctx, bad, &fakeSyncer{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// staticConfig 非 koanf 实现的 Config。
type staticConfig struct{}

func (staticConfig) Client() *koanf.Koanf { return koanf.New(".") }
func (staticConfig) Unmarshal(string, any) error { return nil }
func (staticConfig) Reload() error { return nil }
func (staticConfig) Path() string { return "static.yaml" }
func (staticConfig) Format() Format { return FormatYAML }
