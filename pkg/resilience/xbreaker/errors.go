package xbreaker

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 配置非法。
var ErrInvalidConfig = errors.New("xbreaker: invalid config")

// CircuitOpenError 熔断拒绝：请求未发出，没有网络 I/O。
//
// Err 为 ErrOpenState 或 ErrTooManyRequests（半开试探名额已占用）。
type CircuitOpenError struct {
	Scope string
	State State
	Err   error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("xbreaker: scope %s is %s: %v", e.Scope, e.State, e.Err)
}

func (e *CircuitOpenError) Unwrap() error { return e.Err }

// Retryable 熔断拒绝不重试。
func (e *CircuitOpenError) Retryable() bool { return false }

// CircuitOpen 供 xretry 识别熔断拒绝。
func (e *CircuitOpenError) CircuitOpen() bool { return true }

// IsCircuitOpen 判断 err 是否为熔断拒绝。
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}
