package xconf

import "github.com/knadh/koanf/v2"

// Format 配置文件格式。
type Format string

// 支持的配置格式。
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Config 一份已加载的配置文件。基础读取直接用 Client() 返回的 koanf 实例，
// 客户端配置用 Decode 得到类型化的 ClientConfig。
type Config interface {
	// Client 返回当前的 koanf 实例。Reload 之后旧实例仍可读，但内容过期。
	Client() *koanf.Koanf

	// Unmarshal 把 path 下的内容解码到 target，path 为空时解码整份配置。
	Unmarshal(path string, target any) error

	// Reload 重新读取文件。从字节创建的配置返回 ErrNotReloadable。
	Reload() error

	// Path 返回文件路径，从字节创建时为空。
	Path() string

	// Format 返回配置格式。
	Format() Format
}
