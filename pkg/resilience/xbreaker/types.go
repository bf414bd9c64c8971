package xbreaker

import "github.com/sony/gobreaker/v2"

// 类型别名，直接暴露 gobreaker 的类型。
type (
	// Counts 统计计数，用于熔断判定
	Counts = gobreaker.Counts

	// State 熔断器状态
	State = gobreaker.State
)

// 状态常量
const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// gobreaker 的拒绝错误
var (
	// ErrOpenState 熔断器处于打开状态
	ErrOpenState = gobreaker.ErrOpenState

	// ErrTooManyRequests 半开状态下试探名额已占用
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)
