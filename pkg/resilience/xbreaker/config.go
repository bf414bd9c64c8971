package xbreaker

import (
	"errors"
	"fmt"
	"time"
)

// Config 熔断配置。
type Config struct {
	Enabled bool `koanf:"enabled"`
	// FailureThreshold 连续失败多少次后打开。
	FailureThreshold int `koanf:"failure_threshold"`
	// RecoveryTimeout Open 持续多久后进入 HalfOpen。
	RecoveryTimeout time.Duration `koanf:"recovery_timeout"`
	// FailureRatio 大于 0 时改为按失败率打开，(0, 1]。
	FailureRatio float64 `koanf:"failure_ratio"`
	// MinRequests 按失败率判定所需的最少请求数，默认取 FailureThreshold。
	MinRequests int `koanf:"min_requests"`
}

// DefaultConfig 默认：连续 5 次失败打开，30 秒后半开。
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Validate 校验参数，禁用时不校验。
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("%w: failure_threshold must be >= 1, got %d", ErrInvalidConfig, c.FailureThreshold))
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("%w: failure_ratio must be within [0, 1], got %v", ErrInvalidConfig, c.FailureRatio))
	}
	if c.MinRequests < 0 {
		errs = append(errs, fmt.Errorf("%w: min_requests must be >= 0, got %d", ErrInvalidConfig, c.MinRequests))
	}
	if c.RecoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: recovery_timeout must be > 0, got %s", ErrInvalidConfig, c.RecoveryTimeout))
	}
	return errors.Join(errs...)
}
