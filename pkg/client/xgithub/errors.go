package xgithub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/ghkit/pkg/resilience/xbreaker"
	"github.com/omeyang/ghkit/pkg/resilience/xretry"
)

var (
	// ErrNilContext 传入 nil context。
	ErrNilContext = errors.New("xgithub: nil context")
	// ErrNilClient 在 nil Client 上调用。
	ErrNilClient = errors.New("xgithub: nil client")
	// ErrNilRequest 请求或构造函数为 nil。
	ErrNilRequest = errors.New("xgithub: nil request")
	// ErrInvalidRequest 请求缺少必要字段。
	ErrInvalidRequest = errors.New("xgithub: invalid request")
	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = errors.New("xgithub: invalid config")
	// ErrClosed 客户端已关闭。
	ErrClosed = errors.New("xgithub: client closed")
	// ErrResponseTooLarge 响应体超过上限。
	ErrResponseTooLarge = errors.New("xgithub: response too large")
)

// NonRetryableClientError 4xx（429 除外）且不是限流信号，立即返回不重试。
type NonRetryableClientError struct {
	Status  int
	Message string
	// DocumentationURL 上游错误体里的文档链接。
	DocumentationURL string
}

func (e *NonRetryableClientError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("xgithub: client error %d", e.Status)
	}
	return fmt.Sprintf("xgithub: client error %d: %s", e.Status, e.Message)
}

// StatusCode 返回 HTTP 状态码。
func (e *NonRetryableClientError) StatusCode() int { return e.Status }

// Retryable 总是 false。
func (e *NonRetryableClientError) Retryable() bool { return false }

// RateLimitError 429 或 403 限流信号。
// Secondary 为 true 表示次级（滥用检测）限流，否则是主配额耗尽。
type RateLimitError struct {
	Status    int
	Resource  string
	Secondary bool
	// After 服务端要求的等待时间，HasAfter 为 false 时按指数退避。
	After    time.Duration
	HasAfter bool
	// ResetAt 主配额重置时间，未知为零值。
	ResetAt time.Time
	Message string
}

func (e *RateLimitError) Error() string {
	kind := "primary"
	if e.Secondary {
		kind = "secondary"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "xgithub: %s rate limit on %s (status %d)", kind, e.Resource, e.Status)
	if e.HasAfter {
		fmt.Fprintf(&b, ", retry after %s", e.After)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// StatusCode 返回 HTTP 状态码。
func (e *RateLimitError) StatusCode() int { return e.Status }

// RetryAfter 服务端给出的等待时间。
func (e *RateLimitError) RetryAfter() (time.Duration, bool) { return e.After, e.HasAfter }

// Retryable 总是 true。
func (e *RateLimitError) Retryable() bool { return true }

// RateLimited 总是 true，状态码为 403 时也按限流重试。
func (e *RateLimitError) RateLimited() bool { return true }

// TransientServerError 5xx 或网络错误，按指数退避重试。Status 为 0 表示网络错误。
type TransientServerError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransientServerError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return "xgithub: transport error: " + e.Err.Error()
	case e.Message != "":
		return fmt.Sprintf("xgithub: server error %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("xgithub: server error %d", e.Status)
	}
}

// Unwrap 返回底层错误。
func (e *TransientServerError) Unwrap() error { return e.Err }

// StatusCode 返回 HTTP 状态码。
func (e *TransientServerError) StatusCode() int { return e.Status }

// Retryable 总是 true。
func (e *TransientServerError) Retryable() bool { return true }

// NoUsableTokenError 没有满足条件的可用 token：池为空、全部隔离/过期或 scope 不满足。
type NoUsableTokenError struct {
	Scopes []string
	Total  int
}

func (e *NoUsableTokenError) Error() string {
	if len(e.Scopes) > 0 {
		return fmt.Sprintf("xgithub: no usable token with scopes [%s] among %d", strings.Join(e.Scopes, ","), e.Total)
	}
	return fmt.Sprintf("xgithub: no usable token among %d", e.Total)
}

// Retryable 总是 false。
func (e *NoUsableTokenError) Retryable() bool { return false }

// CircuitOpenError 与 xbreaker.CircuitOpenError 相同。
type CircuitOpenError = xbreaker.CircuitOpenError

// RetryExhaustedError 与 xretry.RetryExhaustedError 相同，Unwrap 返回最后一次的错误。
type RetryExhaustedError = xretry.RetryExhaustedError

var (
	_ xretry.RateLimited    = (*RateLimitError)(nil)
	_ xretry.RetryAfterer   = (*RateLimitError)(nil)
	_ xretry.StatusCoder    = (*NonRetryableClientError)(nil)
	_ xretry.StatusCoder    = (*TransientServerError)(nil)
	_ xretry.RetryableError = (*NoUsableTokenError)(nil)
)
