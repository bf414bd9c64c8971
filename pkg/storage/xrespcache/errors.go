package xrespcache

import "errors"

var (
	// ErrNilContext 传入 nil context。
	ErrNilContext = errors.New("xrespcache: nil context")
	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = errors.New("xrespcache: invalid config")
	// ErrNilClient Redis 客户端为 nil。
	ErrNilClient = errors.New("xrespcache: nil redis client")
	// ErrClosed 缓存已关闭。
	ErrClosed = errors.New("xrespcache: cache closed")
	// ErrCacheMiss 远端未命中。
	ErrCacheMiss = errors.New("xrespcache: cache miss")
)
