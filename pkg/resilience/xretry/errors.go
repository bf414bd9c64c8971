package xretry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNilContext 传入 nil context。
	ErrNilContext = errors.New("xretry: nil context")
	// ErrNilFunc 传入 nil 操作函数。
	ErrNilFunc = errors.New("xretry: nil function")
	// ErrNilManager 在 nil *Manager 上调用。
	ErrNilManager = errors.New("xretry: nil manager")
	// ErrInvalidPolicy 策略参数非法。
	ErrInvalidPolicy = errors.New("xretry: invalid policy")
)

// RetryableError 可重试错误接口
// 实现此接口的错误会被自动识别为可重试或不可重试
type RetryableError interface {
	error
	Retryable() bool
}

// PermanentError 永久性错误（不应重试）
type PermanentError struct {
	Err error
}

// NewPermanentError 创建永久性错误
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable 始终为 false。
func (e *PermanentError) Retryable() bool { return false }

// TemporaryError 临时性错误（应该重试）
type TemporaryError struct {
	Err error
}

// NewTemporaryError 创建临时性错误
func NewTemporaryError(err error) *TemporaryError {
	return &TemporaryError{Err: err}
}

func (e *TemporaryError) Error() string {
	if e.Err == nil {
		return "temporary error"
	}
	return e.Err.Error()
}

func (e *TemporaryError) Unwrap() error { return e.Err }

// Retryable 始终为 true。
func (e *TemporaryError) Retryable() bool { return true }

// IsRetryable 检查错误是否可重试
// 规则：
//   - nil 错误：不需要重试（视为成功）
//   - 实现 RetryableError 接口：根据 Retryable() 返回值判断
//   - context 取消/超时：不重试
//   - 其他错误：默认视为可重试
//
// 显式分类优先于 context 哨兵：单次尝试自己的超时被包装成可重试错误时仍会重试，
// 调用方 ctx 结束由 Manager 单独检查。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// StatusCodeOf 提取错误链上的 HTTP 状态码，没有返回 0。
func StatusCodeOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// RetryAfterOf 提取错误链上服务端给出的 retry-after。
func RetryAfterOf(err error) (d time.Duration, ok bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0, false
}

// RetryExhaustedError 重试次数耗尽。
// Unwrap 返回最后一次尝试的原始错误，调用方可以用 errors.As 取回真实类型。
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("xretry: exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Retryable 耗尽后不再重试。
func (e *RetryExhaustedError) Retryable() bool { return false }

// breakerExcludedError 标记不计入熔断统计的错误。
type breakerExcludedError struct {
	err error
}

func (e *breakerExcludedError) Error() string         { return e.err.Error() }
func (e *breakerExcludedError) Unwrap() error         { return e.err }
func (e *breakerExcludedError) BreakerExcluded() bool { return true }

// ExcludeFromBreaker 包装 err，使熔断器忽略该结果。nil 原样返回。
func ExcludeFromBreaker(err error) error {
	if err == nil {
		return nil
	}
	return &breakerExcludedError{err: err}
}

// IsBreakerExcluded 判断 err 是否被标记为不计入熔断统计。
func IsBreakerExcluded(err error) bool {
	var ex ExcludedFromBreaker
	return errors.As(err, &ex) && ex.BreakerExcluded()
}
