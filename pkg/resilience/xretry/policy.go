package xretry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// DefaultNonRetryableStatusCodes 默认不重试的状态码。429 不在其中。
var DefaultNonRetryableStatusCodes = []int{400, 401, 403, 404, 422}

// Policy 重试策略，客户端级别不可变，可按调用覆盖。
type Policy struct {
	// Enabled 为 false 时只执行一次。
	Enabled bool `koanf:"enabled"`
	// MaxRetries 首次之外的最大重试次数，总尝试次数为 MaxRetries+1。
	MaxRetries int `koanf:"max_retries"`
	// BaseDelay 指数退避基数。
	BaseDelay time.Duration `koanf:"base_delay"`
	// MaxDelay 单次等待上限，<= 0 不设上限。
	MaxDelay time.Duration `koanf:"max_delay"`
	// NonRetryableStatusCodes 命中即停止重试。
	NonRetryableStatusCodes []int `koanf:"non_retryable_status_codes"`
}

// DefaultPolicy 返回默认策略：3 次重试，1s 起步，上限 30s。
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                 true,
		MaxRetries:              3,
		BaseDelay:               time.Second,
		MaxDelay:                30 * time.Second,
		NonRetryableStatusCodes: slices.Clone(DefaultNonRetryableStatusCodes),
	}
}

// Validate 校验参数。
func (p Policy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalidPolicy, p.MaxRetries))
	}
	if p.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("%w: base_delay must be >= 0, got %s", ErrInvalidPolicy, p.BaseDelay))
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		errs = append(errs, fmt.Errorf("%w: max_delay %s < base_delay %s", ErrInvalidPolicy, p.MaxDelay, p.BaseDelay))
	}
	for _, code := range p.NonRetryableStatusCodes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("%w: status code %d out of range", ErrInvalidPolicy, code))
		}
	}
	return errors.Join(errs...)
}

// Attempts 返回总尝试次数。
func (p Policy) Attempts() int {
	if !p.Enabled {
		return 1
	}
	return max(p.MaxRetries, 0) + 1
}

// IsNonRetryableStatus 判断状态码是否在不重试集合中。
func (p Policy) IsNonRetryableStatus(code int) bool {
	return code != 0 && slices.Contains(p.NonRetryableStatusCodes, code)
}

// Hooks 调用方注入的策略函数，非 nil 字段完全替代对应的默认行为。
// attempt 为刚失败的那次尝试序号，从 1 开始。
type Hooks struct {
	// ShouldRetry 替代默认分类（状态码集合 + Retryable 接口）。
	ShouldRetry func(err error, attempt int) bool
	// CalculateDelay 替代默认延迟（retry-after 优先，否则指数退避）。
	CalculateDelay func(attempt int, err error) time.Duration
	// OnRetry 决定重试且还有剩余次数时、等待之前调用。
	OnRetry func(err error, attempt int)
}

// isClientError 4xx（429 除外）不计入熔断统计。
func isClientError(code int) bool {
	return code >= 400 && code < 500 && code != 429
}
