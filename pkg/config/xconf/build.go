package xconf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/omeyang/ghkit/pkg/client/xgithub"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/resilience/xlimit"
	"github.com/omeyang/ghkit/pkg/storage/xrespcache"
)

// Built 按 ClientConfig 组装好的客户端和它持有的资源。
type Built struct {
	Client *xgithub.Client
	// Cache 未启用缓存时为 nil。
	Cache *xrespcache.Cache
	// Redis 未配置 cache.redis.addr 时为 nil。
	Redis  redis.UniversalClient
	Logger xlog.Logger

	closers []func() error
}

// Close 依次关闭客户端、缓存、Redis 和 NATS 连接、日志文件。
func (b *Built) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, fn := range slices.Backward(b.closers) {
		errs = append(errs, fn())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// BuildOption 组装选项。
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger     xlog.Logger
	tokens     []xtoken.Token
	clientOpts []xgithub.Option
	appOpts    []xtoken.AppOption
	publisher  xgithub.Publisher
}

// WithLogger 使用外部日志，不再按 log 段创建。
func WithLogger(l xlog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = l }
}

// WithTokens 追加 token，排在配置来源之前，例如命令行传入的 --token。
func WithTokens(tokens ...xtoken.Token) BuildOption {
	return func(o *buildOptions) { o.tokens = append(o.tokens, tokens...) }
}

// WithClientOptions 追加客户端选项，在配置生成的选项之后应用。
func WithClientOptions(opts ...xgithub.Option) BuildOption {
	return func(o *buildOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithAppOptions 传给 App 安装 token 来源的选项。
func WithAppOptions(opts ...xtoken.AppOption) BuildOption {
	return func(o *buildOptions) { o.appOpts = append(o.appOpts, opts...) }
}

// WithEventPublisher 事件发布到 pub 而不是按 events.nats_url 建立连接。
// pub 的生命周期由调用方管理。
func WithEventPublisher(pub xgithub.Publisher) BuildOption {
	return func(o *buildOptions) { o.publisher = pub }
}

// NewLogger 按 log 段创建日志。
func (c LogConfig) NewLogger() (xlog.LoggerWithLevel, func() error, error) {
	b := xlog.New().SetLevelString(c.Level)
	if c.Format != "" {
		b = b.SetFormat(c.Format)
	}
	if c.File != "" {
		b = b.SetRotation(c.File,
			xlog.WithMaxSizeMB(c.MaxSizeMB),
			xlog.WithMaxBackups(c.MaxBackups),
			xlog.WithMaxAgeDays(c.MaxAgeDays),
			xlog.WithCompress(c.Compress),
		)
	}
	return b.Build()
}

// TokenSource 按 tokens 段组合来源。配置了 App 时同时返回安装 token 来源，
// 它也负责到期前的刷新。
func (c TokensConfig) TokenSource(opts ...xtoken.AppOption) (xtoken.Source, *xtoken.AppInstallationSource, error) {
	sources := xtoken.MultiSource{xtoken.StaticSource(c.Values)}
	if c.Env.Enabled {
		sources = append(sources, xtoken.EnvSource{Var: c.Env.Var, Files: c.Env.Files})
	}
	if c.Keyring.Enabled {
		sources = append(sources, xtoken.KeyringSource{Service: c.Keyring.Service, User: c.Keyring.User})
	}
	if !c.App.Enabled() {
		return sources, nil, nil
	}
	pem := []byte(c.App.PrivateKeyPEM)
	if len(pem) == 0 && c.App.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.App.PrivateKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tokens.app.private_key_file: %w", ErrInvalidConfig, err)
		}
		pem = data
	}
	app, err := xtoken.NewAppInstallationSource(c.App.AppID, c.App.InstallationID, pem, c.App.BaseURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return append(sources, app), app, nil
}

// Build 校验配置并组装客户端：读取 token、连接 Redis、创建缓存和节流器。
// 出错时已创建的资源会被释放。
func (c ClientConfig) Build(ctx context.Context, opts ...BuildOption) (_ *Built, err error) {
	if ctx == nil {
		return nil, errors.New("xconf: nil context")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := &buildOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	b := &Built{Logger: o.logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, b.Close())
		}
	}()

	if b.Logger == nil {
		logger, cleanup, err := c.Log.NewLogger()
		if err != nil {
			return nil, fmt.Errorf("%w: log: %w", ErrInvalidConfig, err)
		}
		b.Logger = logger
		b.closers = append(b.closers, cleanup)
	}

	source, app, err := c.Tokens.TokenSource(o.appOpts...)
	if err != nil {
		return nil, err
	}
	loaded, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	tokens := dedupTokens(append(slices.Clone(o.tokens), loaded...))

	if c.Cache.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Cache.Redis.Addr,
			Username: c.Cache.Redis.Username,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
		})
		b.Redis = rdb
		b.closers = append(b.closers, rdb.Close)
	}

	pacer, err := xlimit.NewPacer(c.RateLimit.Pacer, b.Redis, b.Logger)
	if err != nil {
		return nil, err
	}

	sink, err := c.Events.sink(b, o.publisher)
	if err != nil {
		return nil, err
	}

	clientOpts := []xgithub.Option{
		xgithub.WithRetryPolicy(c.Retry),
		xgithub.WithBreakerConfig(c.Breaker),
		xgithub.WithTokenConfig(c.Tokens.Config),
		xgithub.WithLimiterOptions(
			xlimit.WithWarnPercent(c.RateLimit.WarnPercent),
			xlimit.WithSecondaryBackoff(c.RateLimit.SecondaryBackoff),
		),
		xgithub.WithPacer(pacer),
		xgithub.WithLogger(b.Logger),
		xgithub.WithEventSink(sink),
	}
	if app != nil {
		clientOpts = append(clientOpts, xgithub.WithTokenOptions(xtoken.WithRefresher(app)))
	}

	if c.Cache.Enabled {
		cacheOpts := []xrespcache.Option{xrespcache.WithLogger(b.Logger)}
		if b.Redis != nil {
			var storeOpts []xrespcache.RedisStoreOption
			if c.Cache.Redis.KeyPrefix != "" {
				storeOpts = append(storeOpts, xrespcache.WithKeyPrefix(c.Cache.Redis.KeyPrefix))
			}
			store, err := xrespcache.NewRedisStore(b.Redis, storeOpts...)
			if err != nil {
				return nil, err
			}
			cacheOpts = append(cacheOpts, xrespcache.WithRemote(store))
		}
		cache, err := xrespcache.New(c.Cache.Config, cacheOpts...)
		if err != nil {
			return nil, err
		}
		b.Cache = cache
		b.closers = append(b.closers, cache.Close)
		clientOpts = append(clientOpts, xgithub.WithCache(cache))
	}

	client, err := xgithub.New(c.Dispatcher, tokens, append(clientOpts, o.clientOpts...)...)
	if err != nil {
		return nil, err
	}
	b.Client = client
	b.closers = append(b.closers, client.Close)
	return b, nil
}

// sink 日志 sink 加上可选的 NATS sink。pub 优先于 nats_url，
// 自己建立的连接登记到 b 上随 Close 一起 Drain。
func (c EventsConfig) sink(b *Built, pub xgithub.Publisher) (xgithub.EventSink, error) {
	logSink := xgithub.NewLogSink(b.Logger)
	sinkOpts := []xgithub.NATSOption{xgithub.WithNATSLogger(b.Logger)}

	var ns *xgithub.NATSSink
	switch {
	case pub != nil:
		s, err := xgithub.NewNATSSink(pub, c.Subject, sinkOpts...)
		if err != nil {
			return nil, err
		}
		ns = s
	case c.NATSURL != "":
		var connOpts []nats.Option
		if c.Name != "" {
			connOpts = append(connOpts, nats.Name(c.Name))
		}
		s, closeFn, err := xgithub.ConnectNATS(c.NATSURL, c.Subject, connOpts, sinkOpts...)
		if err != nil {
			return nil, fmt.Errorf("events: connect nats: %w", err)
		}
		b.closers = append(b.closers, closeFn)
		ns = s
	default:
		return logSink, nil
	}
	return xgithub.MultiSink{logSink, ns}, nil
}

// dedupTokens 按 ID 去重，保留第一次出现的顺序。
func dedupTokens(tokens []xtoken.Token) []xtoken.Token {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if t.Value == "" {
			continue
		}
		if _, ok := seen[t.ID()]; ok {
			continue
		}
		seen[t.ID()] = struct{}{}
		out = append(out, t)
	}
	return out
}
