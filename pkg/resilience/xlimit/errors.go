package xlimit

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNilContext 传入 nil context。
	ErrNilContext = errors.New("xlimit: nil context")
	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = errors.New("xlimit: invalid config")
	// ErrNilClient Redis 客户端为 nil。
	ErrNilClient = errors.New("xlimit: nil redis client")
)

// redisRelatedErrors 包含所有需要检查的 Redis 相关错误
var redisRelatedErrors = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	io.EOF,
	io.ErrUnexpectedEOF,
}

// IsRedisError 检查是否是 Redis 连接类错误，用于决定是否降级。
func IsRedisError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range redisRelatedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
