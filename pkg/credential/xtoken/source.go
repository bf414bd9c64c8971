package xtoken

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// Source 提供一组初始 token。
type Source interface {
	Load(ctx context.Context) ([]Token, error)
}

// Refresher 为即将过期的 token 换取新值。
// 不负责该 token 时返回 ErrNotRefreshable。
type Refresher interface {
	Refresh(ctx context.Context, old Token) (Token, error)
}

// DefaultEnvVar 默认读取的环境变量。
const DefaultEnvVar = "GITHUB_TOKENS"

// ParseTokenList 解析 token 列表文本。
//
// 条目以逗号、空白或换行分隔；每个条目为 value 或 value@scope1|scope2。
func ParseTokenList(s string) []Token {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	out := make([]Token, 0, len(fields))
	for _, f := range fields {
		value, scopes, _ := strings.Cut(f, "@")
		if value == "" {
			continue
		}
		t := Token{Value: value, Kind: KindPersonal}
		if scopes != "" {
			t.Scopes = strings.Split(scopes, "|")
		}
		out = append(out, t)
	}
	return out
}

// FormatTokenList 是 ParseTokenList 的逆操作。
func FormatTokenList(tokens []Token) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		p := t.Value
		if len(t.Scopes) > 0 {
			p += "@" + strings.Join(t.Scopes, "|")
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ",")
}

// StaticSource 固定的 token 列表，通常来自配置文件。
type StaticSource []Token

// Load 实现 Source。
func (s StaticSource) Load(context.Context) ([]Token, error) {
	return append([]Token(nil), s...), nil
}

// EnvSource 从 .env 文件和进程环境变量读取。
// 文件中的值优先于进程环境；不存在的文件被忽略。
type EnvSource struct {
	// Var 变量名，默认 GITHUB_TOKENS。
	Var string
	// Files .env 文件路径，按顺序读取，后者覆盖前者。
	Files []string
}

// Load 实现 Source。
func (s EnvSource) Load(context.Context) ([]Token, error) {
	name := s.Var
	if name == "" {
		name = DefaultEnvVar
	}
	value := os.Getenv(name)
	for _, f := range s.Files {
		vars, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("xtoken: read env file %s: %w", f, err)
		}
		if v, ok := vars[name]; ok {
			value = v
		}
	}
	return ParseTokenList(value), nil
}

// KeyringSource 从操作系统密钥环读取，条目格式同 ParseTokenList。
type KeyringSource struct {
	Service string
	User    string
}

// Load 实现 Source。条目不存在时返回空列表。
func (s KeyringSource) Load(context.Context) ([]Token, error) {
	secret, err := keyring.Get(s.Service, s.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("xtoken: keyring get %s/%s: %w", s.Service, s.User, err)
	}
	return ParseTokenList(secret), nil
}

// Store 把 token 列表写入密钥环，覆盖原值。
func (s KeyringSource) Store(tokens []Token) error {
	if err := keyring.Set(s.Service, s.User, FormatTokenList(tokens)); err != nil {
		return fmt.Errorf("xtoken: keyring set %s/%s: %w", s.Service, s.User, err)
	}
	return nil
}

// Delete 删除密钥环条目，不存在时不报错。
func (s KeyringSource) Delete() error {
	if err := keyring.Delete(s.Service, s.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("xtoken: keyring delete %s/%s: %w", s.Service, s.User, err)
	}
	return nil
}

// MultiSource 依次读取多个来源，按值去重，保持首次出现的顺序。
type MultiSource []Source

// Load 实现 Source。任一来源出错即返回。
func (ms MultiSource) Load(ctx context.Context) ([]Token, error) {
	seen := make(map[string]struct{})
	var out []Token
	for _, src := range ms {
		if src == nil {
			continue
		}
		tokens, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			if _, dup := seen[t.Value]; dup || t.Value == "" {
				continue
			}
			seen[t.Value] = struct{}{}
			out = append(out, t)
		}
	}
	return out, nil
}

var (
	_ Source = StaticSource(nil)
	_ Source = EnvSource{}
	_ Source = KeyringSource{}
	_ Source = MultiSource(nil)
)
