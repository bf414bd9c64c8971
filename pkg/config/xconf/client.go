package xconf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/ghkit/pkg/client/xgithub"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/resilience/xbreaker"
	"github.com/omeyang/ghkit/pkg/resilience/xlimit"
	"github.com/omeyang/ghkit/pkg/resilience/xretry"
	"github.com/omeyang/ghkit/pkg/storage/xrespcache"
)

// ClientConfig 客户端的完整配置，对应配置文件的顶层结构：
//
//	dispatcher:
//	  base_url: https://api.github.com
//	  breaker_scope: token
//	retry:
//	  max_retries: 3
//	breaker:
//	  failure_threshold: 5
//	tokens:
//	  strategy: least-used
//	  env: {enabled: true, files: [".env"]}
//	rate_limit:
//	  warn_percent: 10
//	  pacer: {kind: local, rate_per_second: 1}
//	cache:
//	  enabled: true
//	  redis: {addr: "localhost:6379"}
//	log:
//	  level: info
//	events:
//	  nats_url: nats://localhost:4222
type ClientConfig struct {
	Dispatcher xgithub.Config  `koanf:"dispatcher"`
	Retry      xretry.Policy   `koanf:"retry"`
	Breaker    xbreaker.Config `koanf:"breaker"`
	Tokens     TokensConfig    `koanf:"tokens"`
	RateLimit  RateLimitConfig `koanf:"rate_limit"`
	Cache      CacheConfig     `koanf:"cache"`
	Log        LogConfig       `koanf:"log"`
	Events     EventsConfig    `koanf:"events"`
}

// TokensConfig token 池配置：轮换策略和各个来源。来源按
// values、env、keyring、app 的顺序合并，相同值只保留第一次出现。
type TokensConfig struct {
	xtoken.Config `koanf:",squash"`

	// Values 直接写在配置里的 token，适合测试环境。
	Values  []xtoken.Token   `koanf:"values"`
	Env     EnvSourceConfig  `koanf:"env"`
	Keyring KeyringConfig    `koanf:"keyring"`
	App     xtoken.AppConfig `koanf:"app"`
}

// EnvSourceConfig 从环境变量和 .env 文件读取 token。
type EnvSourceConfig struct {
	Enabled bool `koanf:"enabled"`
	// Var 变量名，默认 GITHUB_TOKENS。
	Var   string   `koanf:"var"`
	Files []string `koanf:"files"`
}

// KeyringConfig 从系统密钥环读取 token。
type KeyringConfig struct {
	Enabled bool   `koanf:"enabled"`
	Service string `koanf:"service"`
	User    string `koanf:"user"`
}

// RateLimitConfig 限流协调配置。
type RateLimitConfig struct {
	// WarnPercent 剩余配额低于该百分比时发出告警事件，0 关闭。
	WarnPercent float64 `koanf:"warn_percent"`
	// SecondaryBackoff 次级限流没有 Retry-After 时的等待时长。
	SecondaryBackoff time.Duration      `koanf:"secondary_backoff"`
	Pacer            xlimit.PacerConfig `koanf:"pacer"`
}

// CacheConfig 响应缓存配置。Redis.Addr 非空时启用共享的远端层。
type CacheConfig struct {
	xrespcache.Config `koanf:",squash"`

	Enabled bool        `koanf:"enabled"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig Redis 连接，远端缓存和 redis 节流器共用。
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// KeyPrefix 缓存 key 前缀，默认 ghkit:resp:。
	KeyPrefix string `koanf:"key_prefix"`
}

// LogConfig 日志配置，File 非空时按大小轮转写文件。
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// EventsConfig 事件输出。日志 sink 总是开启，NATSURL 非空时
// 额外把事件发布到 NATS 的 <subject>.<event>。
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
	// Subject 主题前缀，默认 ghkit.events。
	Subject string `koanf:"subject"`
	// Name 连接名，出现在 NATS 服务端的连接列表里。
	Name string `koanf:"name"`
}

// DefaultClientConfig 返回默认配置：env 来源开启，缓存开启但只用本地内存。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Dispatcher: xgithub.DefaultConfig(),
		Retry:      xretry.DefaultPolicy(),
		Breaker:    xbreaker.DefaultConfig(),
		Tokens: TokensConfig{
			Config: xtoken.DefaultConfig(),
			Env:    EnvSourceConfig{Enabled: true, Var: xtoken.DefaultEnvVar},
		},
		RateLimit: RateLimitConfig{
			WarnPercent:      xlimit.DefaultWarnPercent,
			SecondaryBackoff: xlimit.DefaultSecondaryBackoff,
			Pacer:            xlimit.PacerConfig{Kind: xlimit.PacerNone},
		},
		Cache:  CacheConfig{Enabled: true, Config: xrespcache.DefaultConfig()},
		Log:    LogConfig{Level: "info", Format: "text"},
		Events: EventsConfig{Subject: xgithub.DefaultNATSSubject, Name: "ghkit"},
	}
}

// Decode 在默认值之上解码 cfg，文件里没有出现的字段保持默认。
func Decode(cfg Config) (ClientConfig, error) {
	out := DefaultClientConfig()
	if cfg == nil {
		return out, nil
	}
	if err := cfg.Unmarshal("", &out); err != nil {
		return ClientConfig{}, err
	}
	return out, nil
}

// Load 读取文件、填充默认值并校验。
func Load(path string, opts ...Option) (ClientConfig, error) {
	cfg, err := New(path, opts...)
	if err != nil {
		return ClientConfig{}, err
	}
	out, err := Decode(cfg)
	if err != nil {
		return ClientConfig{}, err
	}
	if err := out.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return out, nil
}

// Validate 校验每个段，返回合并后的全部问题。每个问题都带段名前缀。
func (c ClientConfig) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, section, err))
		}
	}
	add("dispatcher", c.Dispatcher.Validate())
	add("retry", c.Retry.Validate())
	add("breaker", c.Breaker.Validate())
	add("tokens", c.Tokens.validate())
	add("rate_limit", c.RateLimit.validate())
	if c.Cache.Enabled {
		add("cache", c.Cache.Config.Validate())
	}
	if c.RateLimit.Pacer.Kind == xlimit.PacerRedis && c.Cache.Redis.Addr == "" {
		add("rate_limit", errors.New("redis pacer requires cache.redis.addr"))
	}
	add("log", c.Log.validate())
	add("events", c.Events.validate())
	return errors.Join(errs...)
}

func (c TokensConfig) validate() error {
	var errs []error
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, t := range c.Values {
		if t.Value == "" {
			errs = append(errs, fmt.Errorf("values[%d]: empty token value", i))
		}
	}
	if c.Keyring.Enabled && c.Keyring.Service == "" {
		errs = append(errs, errors.New("keyring.service is required"))
	}
	if c.App.AppID != 0 || c.App.InstallationID != 0 {
		if !c.App.Enabled() {
			errs = append(errs, errors.New("app requires both app_id and installation_id"))
		}
		if c.App.PrivateKeyPEM == "" && c.App.PrivateKeyFile == "" {
			errs = append(errs, errors.New("app requires private_key_pem or private_key_file"))
		}
	}
	return errors.Join(errs...)
}

func (c RateLimitConfig) validate() error {
	var errs []error
	if c.WarnPercent < 0 || c.WarnPercent > 100 {
		errs = append(errs, fmt.Errorf("warn_percent must be within [0, 100], got %v", c.WarnPercent))
	}
	if c.SecondaryBackoff < 0 {
		errs = append(errs, fmt.Errorf("secondary_backoff must be >= 0, got %s", c.SecondaryBackoff))
	}
	if err := c.Pacer.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c LogConfig) validate() error {
	var errs []error
	if c.Level != "" {
		if _, err := xlog.ParseLevel(c.Level); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown format %q", c.Format))
	}
	return errors.Join(errs...)
}

// validate 主题前缀是点分的非空 token，不能带通配符或空白。
func (c EventsConfig) validate() error {
	if c.Subject == "" {
		return nil
	}
	for part := range strings.SplitSeq(c.Subject, ".") {
		if part == "" || strings.ContainsAny(part, "*> \t\r\n") {
			return fmt.Errorf("invalid subject %q", c.Subject)
		}
	}
	return nil
}
