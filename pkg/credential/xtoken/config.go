package xtoken

import (
	"errors"
	"fmt"
	"time"
)

// Strategy 选择策略。
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyLeastUsed  Strategy = "least-used"
	StrategyRandom     Strategy = "random"
)

// IsValid 判断策略是否合法。
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastUsed, StrategyRandom:
		return true
	}
	return false
}

// Config 轮换管理器配置。
type Config struct {
	Strategy Strategy `koanf:"strategy"`
	// QuarantineDuration 自动隔离时长。
	QuarantineDuration time.Duration `koanf:"quarantine_duration"`
	// ErrorRateThreshold 错误率达到该值触发自动隔离，(0, 1]。
	ErrorRateThreshold float64 `koanf:"error_rate_threshold"`
	// MinSamples 计算错误率所需的最少样本数。
	MinSamples int `koanf:"min_samples"`
	// RefreshBefore 到期前多久刷新。
	RefreshBefore time.Duration `koanf:"refresh_before"`
}

// DefaultConfig 默认：轮询，50% 错误率、最少 5 个样本，隔离 5 分钟，提前 5 分钟刷新。
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyRoundRobin,
		QuarantineDuration: 5 * time.Minute,
		ErrorRateThreshold: 0.5,
		MinSamples:         5,
		RefreshBefore:      5 * time.Minute,
	}
}

// Validate 校验参数。
func (c Config) Validate() error {
	var errs []error
	if !c.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy))
	}
	if c.QuarantineDuration <= 0 {
		errs = append(errs, fmt.Errorf("%w: quarantine_duration must be > 0", ErrInvalidConfig))
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("%w: error_rate_threshold must be in (0, 1], got %v", ErrInvalidConfig, c.ErrorRateThreshold))
	}
	if c.MinSamples < 1 {
		errs = append(errs, fmt.Errorf("%w: min_samples must be >= 1", ErrInvalidConfig))
	}
	if c.RefreshBefore < 0 {
		errs = append(errs, fmt.Errorf("%w: refresh_before must be >= 0", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
