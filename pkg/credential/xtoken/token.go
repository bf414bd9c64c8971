package xtoken

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/oauth2"
)

// Kind token 类型。
type Kind int

const (
	// KindPersonal 个人访问令牌。
	KindPersonal Kind = iota
	// KindApp GitHub App JWT。
	KindApp
	// KindInstallation App 安装令牌，一小时有效。
	KindInstallation
)

var kindNames = [...]string{"personal", "app", "installation"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText 实现 encoding.TextMarshaler。
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler，空串为 personal。
func (k *Kind) UnmarshalText(data []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(data)))
	if s == "" {
		*k = KindPersonal
		return nil
	}
	i := slices.Index(kindNames[:], s)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	*k = Kind(i)
	return nil
}

// Token 一条凭证。零值 ExpiresAt 表示永不过期。
type Token struct {
	Value     string    `koanf:"value"`
	Kind      Kind      `koanf:"kind"`
	Scopes    []string  `koanf:"scopes"`
	ExpiresAt time.Time `koanf:"expires_at"`
	// Label 可选的人类可读名称。
	Label string `koanf:"label"`
}

// ID 返回 token 值的指纹，可以安全写入日志。
func (t Token) ID() string {
	return IDOf(t.Value)
}

// IDOf 计算 token 值的指纹：xxhash 前 8 位十六进制。
func IDOf(value string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(value))[:8]
}

// String 不输出 token 值。
func (t Token) String() string {
	if t.Label != "" {
		return t.Label + "(" + t.ID() + ")"
	}
	return t.ID()
}

// HasScopes 判断 token 是否拥有全部 required scope。
func (t Token) HasScopes(required []string) bool {
	for _, s := range required {
		if !slices.Contains(t.Scopes, s) {
			return false
		}
	}
	return true
}

// Expired 判断在 now 时刻是否已过期。
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// NeedsRefresh 过期时间落在 now+lead 之内时返回 true，永不过期的 token 返回 false。
func (t Token) NeedsRefresh(now time.Time, lead time.Duration) bool {
	return !t.ExpiresAt.IsZero() && !now.Add(lead).Before(t.ExpiresAt)
}

// OAuth2 转换为 oauth2.Token，用于设置 Authorization 头。
func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.Value,
		TokenType:   "Bearer",
		Expiry:      t.ExpiresAt,
	}
}
