package xconf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// DefaultDebounce 默认防抖时间。
const DefaultDebounce = 100 * time.Millisecond

// WatchCallback 文件变更并重载后调用，err 为重载或监视错误。
type WatchCallback func(cfg Config, err error)

// Watcher 监视配置文件，变更时重载并回调。
type Watcher struct {
	cfg      *koanfConfig
	fs       *fsnotify.Watcher
	callback WatchCallback
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	timer   *time.Timer
	// cbWG 跟踪正在执行的回调，Stop 返回前等待它们结束
	cbWG sync.WaitGroup
}

// WatchOption 监视选项。
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce time.Duration
}

// WithDebounce 设置防抖时间，窗口内的多次变更只重载一次。
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// Watch 创建监视器，调用 StartAsync 后开始工作。
//
// 监视的是文件所在目录：编辑器保存时常常先写临时文件再 rename，
// 直接监视文件会丢失之后的事件。
func Watch(cfg Config, callback WatchCallback, opts ...WatchOption) (*Watcher, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	kc, ok := cfg.(*koanfConfig)
	if !ok {
		return nil, fmt.Errorf("xconf: unsupported config type %T", cfg)
	}
	if kc.path == "" {
		return nil, ErrNotReloadable
	}
	o := &watchOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("xconf: create watcher: %w", err)
	}
	dir := filepath.Dir(kc.path)
	if err := fw.Add(dir); err != nil {
		return nil, errors.Join(fmt.Errorf("xconf: watch directory %s: %w", dir, err), fw.Close())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:      kc,
		fs:       fw,
		callback: callback,
		debounce: o.debounce,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// StartAsync 在后台开始监视，重复调用无效。
func (w *Watcher) StartAsync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.stopped {
		return
	}
	w.running = true
	go w.run()
}

// Stop 停止监视。返回后不会再有回调开始执行；在回调中调用也不会死锁。
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil && w.timer.Stop() {
		// 计时器尚未触发，对应的回调不会执行
		w.cbWG.Done()
	}
	w.timer = nil
	running := w.running
	w.mu.Unlock()

	w.cancel()
	err := w.fs.Close()
	if running {
		<-w.done
	}
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	name := filepath.Base(w.cfg.path)
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.callback(w.cfg, fmt.Errorf("xconf: watch error: %w", err))
		}
	}
}

// schedule 重置防抖计时器。
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		w.cbWG.Done()
	}
	w.cbWG.Add(1)
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	defer w.cbWG.Done()
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	w.callback(w.cfg, w.cfg.Reload())
}

// Wait 等待已经触发的回调结束。
func (w *Watcher) Wait() {
	w.cbWG.Wait()
}

// TokenSyncer 按目标列表调整 token 池，*xgithub.Client 满足该接口。
type TokenSyncer interface {
	SyncTokens(want []xtoken.Token) (added, removed int, err error)
}

// WatchTokens 监视配置文件中 tokens 段的变化，重载后重新读取所有来源并同步到 syncer。
// extra 是不来自配置文件、需要一直保留的 token。
func WatchTokens(cfg Config, syncer TokenSyncer, logger xlog.Logger, extra []xtoken.Token, opts ...WatchOption) (*Watcher, error) {
	if syncer == nil {
		return nil, errors.New("xconf: nil token syncer")
	}
	logger = xlog.OrDiscard(logger)
	return Watch(cfg, func(c Config, err error) {
		ctx := context.Background()
		if err != nil {
			logger.Warn(ctx, "config reload failed", xlog.Err(err))
			return
		}
		n, err := SyncTokens(ctx, c, syncer, extra)
		if err != nil {
			logger.Warn(ctx, "token sync failed", xlog.Err(err))
			return
		}
		logger.Info(ctx, "tokens reloaded", slog.Int("tokens", n))
	}, opts...)
}

// SyncTokens 从 cfg 的 tokens 段读取 token 并同步到 syncer，返回同步后的目标数量。
func SyncTokens(ctx context.Context, cfg Config, syncer TokenSyncer, extra []xtoken.Token) (int, error) {
	cc, err := Decode(cfg)
	if err != nil {
		return 0, err
	}
	if err := cc.Tokens.validate(); err != nil {
		return 0, fmt.Errorf("%w: tokens: %w", ErrInvalidConfig, err)
	}
	source, _, err := cc.Tokens.TokenSource()
	if err != nil {
		return 0, err
	}
	loaded, err := source.Load(ctx)
	if err != nil {
		return 0, err
	}
	want := dedupTokens(append(append([]xtoken.Token(nil), extra...), loaded...))
	if _, _, err := syncer.SyncTokens(want); err != nil {
		return 0, err
	}
	return len(want), nil
}
