package xgithub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omeyang/ghkit/pkg/context/xctx"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
)

const (
	// DefaultBaseURL GitHub REST API 地址。
	DefaultBaseURL = "https://api.github.com"
	// DefaultUserAgent 默认 User-Agent。
	DefaultUserAgent = "ghkit"
	// DefaultAPIVersion 默认 X-GitHub-Api-Version。
	DefaultAPIVersion = "2022-11-28"
	// DefaultTimeout 单次网络尝试的默认超时。
	DefaultTimeout = 30 * time.Second

	// maxResponseSize 最大响应体大小（10MB）。
	maxResponseSize = 10 * 1024 * 1024

	headerRequestID = "X-Request-Id"
)

// Transport 发送一次网络尝试。实现不重试，也不解释状态码，
// 只在请求没有拿到响应时返回错误。
type Transport interface {
	Send(ctx context.Context, req *Request, tok xtoken.Token) (*Response, error)
}

// TransportFunc 函数适配器。
type TransportFunc func(ctx context.Context, req *Request, tok xtoken.Token) (*Response, error)

// Send 调用 f。
func (f TransportFunc) Send(ctx context.Context, req *Request, tok xtoken.Token) (*Response, error) {
	return f(ctx, req, tok)
}

// HTTPTransportConfig HTTP 传输配置。
type HTTPTransportConfig struct {
	BaseURL    string
	UserAgent  string
	APIVersion string
	// Timeout 仅在未提供 Client 时生效。
	Timeout time.Duration
	// Client 自定义 HTTP 客户端。
	Client   *http.Client
	Observer xmetrics.Observer
}

// HTTPTransport 基于 net/http 的 Transport。
type HTTPTransport struct {
	client     *http.Client
	baseURL    string
	userAgent  string
	apiVersion string
	observer   xmetrics.Observer
}

// NewHTTPTransport 创建 HTTP 传输。
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = xmetrics.NoopObserver{}
	}
	return &HTTPTransport{
		client:     client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		apiVersion: cfg.APIVersion,
		observer:   observer,
	}
}

// Send 发送请求并读取完整响应体。
func (t *HTTPTransport) Send(ctx context.Context, req *Request, tok xtoken.Token) (resp *Response, err error) {
	target := t.buildURL(req)

	// 去掉查询参数，避免高基数
	ctx, span := xmetrics.Start(ctx, t.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "http_request",
		Kind:      xmetrics.KindClient,
		Attrs: []xmetrics.Attr{
			xmetrics.String("http.method", req.Method),
			xmetrics.String("http.path", sanitizeURL(target)),
		},
	})
	defer func() {
		var attrs []xmetrics.Attr
		if resp != nil {
			attrs = append(attrs, xmetrics.Int("http.status_code", resp.StatusCode))
		}
		span.End(xmetrics.Result{Err: err, Attrs: attrs})
	}()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("xgithub: create request failed: %w", err)
	}
	t.setHeaders(ctx, hr, req, tok)

	res, err := t.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("xgithub: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }() //nolint:errcheck // Close 错误无法传播

	// 多读 1 字节用于检测截断
	data, err := io.ReadAll(&io.LimitedReader{R: res.Body, N: maxResponseSize + 1})
	if err != nil {
		return nil, fmt.Errorf("xgithub: read response body failed: %w", err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, maxResponseSize)
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
}

// setHeaders 调用方显式设置的请求头优先，Authorization 总是由 token 决定。
func (t *HTTPTransport) setHeaders(ctx context.Context, hr *http.Request, req *Request, tok xtoken.Token) {
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	setDefault := func(k, v string) {
		if hr.Header.Get(k) == "" && v != "" {
			hr.Header.Set(k, v)
		}
	}
	setDefault("Accept", "application/vnd.github+json")
	setDefault("User-Agent", t.userAgent)
	setDefault("X-GitHub-Api-Version", t.apiVersion)
	setDefault(headerRequestID, xctx.RequestID(ctx))
	if len(req.Body) > 0 {
		setDefault("Content-Type", "application/json")
	}
	if tok.Value != "" {
		tok.OAuth2().SetAuthHeader(hr)
	}
}

// buildURL 绝对 URL 直接使用，否则与 baseURL 拼接。
func (t *HTTPTransport) buildURL(req *Request) string {
	target := req.Path
	if !isAbsoluteURL(target) {
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		target = t.baseURL + target
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}
	return target
}

// isAbsoluteURL scheme 大小写不敏感。
func isAbsoluteURL(path string) bool {
	if len(path) >= 8 && strings.EqualFold(path[:8], "https://") {
		return true
	}
	return len(path) >= 7 && strings.EqualFold(path[:7], "http://")
}

// sanitizeURL 移除查询参数。
func sanitizeURL(rawURL string) string {
	if path, _, found := strings.Cut(rawURL, "?"); found {
		return path
	}
	return rawURL
}

var _ Transport = (*HTTPTransport)(nil)
