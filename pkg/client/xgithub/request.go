package xgithub

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Request 一次逻辑请求。Path 相对于 BaseURL，也可以是绝对 URL。
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// GraphQL 为 true 时资源固定为 graphql。
	GraphQL bool
	// Resource 显式指定限流资源，为空时按路径推断。
	Resource string
}

// BuildFunc 构造请求。
type BuildFunc func() (*Request, error)

// NewRequest 创建 REST 请求。
func NewRequest(method, path string) *Request {
	return &Request{Method: method, Path: path, Header: make(http.Header)}
}

// graphQLPayload GraphQL 请求体。
type graphQLPayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// NewGraphQLRequest 创建 GraphQL 请求，POST 到 path。
func NewGraphQLRequest(path, query string, variables map[string]any) (*Request, error) {
	body, err := json.Marshal(graphQLPayload{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("xgithub: marshal graphql payload failed: %w", err)
	}
	return &Request{
		Method:  http.MethodPost,
		Path:    path,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Body:    body,
		GraphQL: true,
	}, nil
}

func (r *Request) validate() error {
	if r == nil {
		return ErrNilRequest
	}
	if r.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	return nil
}

// clone 复制一份可修改 Header 的请求，Body 共享。
func (r *Request) clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Query = maps.Clone(r.Query)
	return &c
}

// cacheable GET/HEAD 请求可以缓存。
func (r *Request) cacheable() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// fingerprintHeaders 影响响应内容的请求头，参与指纹。
var fingerprintHeaders = []string{"Accept", "X-GitHub-Api-Version"}

// Fingerprint 请求指纹：方法、路径、排序后的查询参数、影响内容的请求头和请求体的 xxhash。
// 相同指纹的并发请求只发一次。
func Fingerprint(r *Request) string {
	if r == nil {
		return ""
	}
	d := xxhash.New()
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString("\x00")
	}
	write(strings.ToUpper(method))
	write(r.Path)
	for _, k := range slices.Sorted(maps.Keys(r.Query)) {
		vs := slices.Clone(r.Query[k])
		slices.Sort(vs)
		write(k + "=" + strings.Join(vs, ","))
	}
	for _, h := range fingerprintHeaders {
		if v := r.Header.Get(h); v != "" {
			write(h + ":" + v)
		}
	}
	_, _ = d.Write(r.Body)
	return fmt.Sprintf("%s %s#%016x", strings.ToUpper(method), r.Path, d.Sum64())
}

// ScopedKey 在 key 后附加排序去重后的 scope。没有 scope 时原样返回。
// 要求不同 scope 的请求由不同 token 发出，结果不能互相共享。
func ScopedKey(key string, scopes []string) string {
	if len(scopes) == 0 {
		return key
	}
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	sorted = slices.DeleteFunc(sorted, func(s string) bool { return s == "" })
	if len(sorted) == 0 {
		return key
	}
	return key + " scopes=" + strings.Join(sorted, ",")
}

// Response 上游响应或缓存命中。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache 内容来自缓存。
	FromCache bool
	// Revalidated 经 304 重新校验的缓存内容。
	Revalidated bool
	// Shared 与并发的相同请求共享了一次网络调用。
	Shared bool
	// TokenID 服务最后一次尝试的 token。
	TokenID string
	// Attempts 网络尝试次数，缓存命中为 0。
	Attempts int
}

// JSON 把 Body 解码到 v。
func (r *Response) JSON(v any) error {
	if r == nil {
		return ErrNilRequest
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("xgithub: unmarshal response failed: %w", err)
	}
	return nil
}

// shallowCopy 共享请求的每个调用方拿到独立的 Response 头部字段。
func (r *Response) shallowCopy() *Response {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
