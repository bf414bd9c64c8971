package xlog

import (
	"log/slog"
	"time"

	"github.com/omeyang/ghkit/pkg/context/xctx"
)

// 标准字段名。
const (
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyComponent  = "component"
	KeyOperation  = "operation"
	KeyStatusCode = "status_code"
	KeyAttempt    = "attempt"
	KeyEvent      = "event"
	KeyResource   = xctx.KeyResource
	KeyTokenID    = xctx.KeyTokenID
	KeyRequestKey = xctx.KeyRequestKey
)

// Err 创建错误属性；err 为 nil 时返回空属性（被 slog 忽略）。
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration 创建耗时属性，输出可读格式（如 "1.5s"）。
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Component 标识日志来源组件。
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Operation 标识当前操作。
func Operation(name string) slog.Attr {
	return slog.String(KeyOperation, name)
}

// StatusCode 创建 HTTP 状态码属性。
func StatusCode(code int) slog.Attr {
	return slog.Int(KeyStatusCode, code)
}

// Attempt 创建尝试次数属性（从 1 开始）。
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Resource 创建限流资源属性。
func Resource(name string) slog.Attr {
	return slog.String(KeyResource, name)
}

// TokenID 创建令牌指纹属性。只能传入指纹，不能传入令牌明文。
func TokenID(id string) slog.Attr {
	return slog.String(KeyTokenID, id)
}

// RequestKey 创建请求指纹属性。
func RequestKey(key string) slog.Attr {
	return slog.String(KeyRequestKey, key)
}

// Event 创建事件名属性。
func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}
