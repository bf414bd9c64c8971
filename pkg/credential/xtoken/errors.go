package xtoken

import "errors"

var (
	// ErrNilContext 传入 nil context。
	ErrNilContext = errors.New("xtoken: nil context")
	// ErrEmptyToken token 值为空。
	ErrEmptyToken = errors.New("xtoken: empty token value")
	// ErrDuplicateToken 相同值的 token 已存在。
	ErrDuplicateToken = errors.New("xtoken: duplicate token")
	// ErrTokenNotFound 按 ID 找不到 token。
	ErrTokenNotFound = errors.New("xtoken: token not found")
	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = errors.New("xtoken: invalid config")
	// ErrNotRefreshable Refresher 不负责该 token。
	ErrNotRefreshable = errors.New("xtoken: token not refreshable")
	// ErrInvalidKind 未知的 token 类型。
	ErrInvalidKind = errors.New("xtoken: invalid token kind")
)
