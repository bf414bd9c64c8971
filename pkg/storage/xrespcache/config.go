package xrespcache

import (
	"errors"
	"fmt"
	"time"
)

// Config 缓存配置。
type Config struct {
	// MaxEntries 条目数阈值，超过后按优先级淘汰。0 表示不限。
	MaxEntries int `koanf:"max_entries"`
	// DefaultTTL Set 传入 ttl <= 0 时使用。
	DefaultTTL time.Duration `koanf:"default_ttl"`
	// RefreshFraction TTL 最后多大比例进入刷新窗口，0 关闭后台刷新。
	RefreshFraction float64 `koanf:"refresh_fraction"`
	// RefreshTimeout 单次后台刷新的超时。
	RefreshTimeout time.Duration `koanf:"refresh_timeout"`
	// StaleRetention 远端在过期后继续保留多久，供条件请求使用。
	StaleRetention time.Duration `koanf:"stale_retention"`
}

// DefaultConfig 默认：1000 条，TTL 5 分钟，最后 20% 刷新，远端多留 10 分钟。
func DefaultConfig() Config {
	return Config{
		MaxEntries:      1000,
		DefaultTTL:      5 * time.Minute,
		RefreshFraction: 0.2,
		RefreshTimeout:  30 * time.Second,
		StaleRetention:  10 * time.Minute,
	}
}

// Validate 校验参数。
func (c Config) Validate() error {
	var errs []error
	if c.MaxEntries < 0 || c.MaxEntries > maxTierSize {
		errs = append(errs, fmt.Errorf("%w: max_entries must be in [0, %d]", ErrInvalidConfig, maxTierSize))
	}
	if c.DefaultTTL < 0 {
		errs = append(errs, fmt.Errorf("%w: default_ttl must be >= 0", ErrInvalidConfig))
	}
	if c.RefreshFraction < 0 || c.RefreshFraction >= 1 {
		errs = append(errs, fmt.Errorf("%w: refresh_fraction must be in [0, 1), got %v", ErrInvalidConfig, c.RefreshFraction))
	}
	if c.RefreshFraction > 0 && c.RefreshTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: refresh_timeout must be > 0 when refresh is enabled", ErrInvalidConfig))
	}
	if c.StaleRetention < 0 {
		errs = append(errs, fmt.Errorf("%w: stale_retention must be >= 0", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
