package xretry

import "time"

// BackoffPolicy 计算重试间隔。
type BackoffPolicy interface {
	// NextDelay 返回第 attempt 次失败后的等待时间，attempt 从 1 开始。
	NextDelay(attempt int) time.Duration
}

// StatusCoder 由携带 HTTP 状态码的错误实现。
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer 由携带服务端 retry-after 的错误实现。
// ok 为 false 表示服务端未给出。
type RetryAfterer interface {
	RetryAfter() (d time.Duration, ok bool)
}

// Breaker 是 Manager 依赖的熔断器最小接口，按 scope 隔离。
//
// Allow 不放行时返回的错误应实现 RetryableError 且 Retryable() 为 false。
// 放行时必须且只能调用一次 done；done(nil) 表示成功。
type Breaker interface {
	Allow(scope string) (done func(err error), err error)
}

// ExcludedFromBreaker 由不应计入熔断统计的错误实现。
// 熔断器实现通过 errors.As 检查该接口。
type ExcludedFromBreaker interface {
	error
	BreakerExcluded() bool
}

// CircuitOpener 由熔断拒绝错误实现。Manager 遇到它立即停止，不调用 ShouldRetry 钩子。
type CircuitOpener interface {
	error
	CircuitOpen() bool
}

// RateLimited 由限流错误实现。限流错误保留原始状态码（可能是 403），
// 分类时跳过 NonRetryableStatusCodes，只看 Retryable。
type RateLimited interface {
	error
	RateLimited() bool
}
