package xgithub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/omeyang/ghkit/pkg/resilience/xlimit"
)

// apiError 上游错误体。
type apiError struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url"`
}

func parseAPIError(body []byte) apiError {
	var e apiError
	// 解析失败使用零值
	_ = json.Unmarshal(body, &e) //nolint:errcheck // 非 JSON 错误体按空消息处理
	return e
}

var secondaryMarkers = [][]byte{
	[]byte("secondary rate limit"),
	[]byte("abuse"),
}

// isSecondaryBody 错误体是否提到次级限流或滥用检测。
func isSecondaryBody(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range secondaryMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classify 把一次响应映射到错误分类。2xx 和 304 返回 nil。
//
// 限流判定：
//   - 403/429 错误体提到 secondary rate limit / abuse，或带 Retry-After：次级限流
//   - 403/429 且 X-RateLimit-Remaining 为 0：主配额耗尽，等待到 reset
//   - 其余 429：主限流，无服务端时长时按指数退避
//   - GraphQL 200 且 errors 含 RATE_LIMITED：主限流
func classify(resp *Response, resource string, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		if resource == xlimit.ResourceGraphQL && isGraphQLRateLimited(resp.Body) {
			return graphQLRateLimit(resp, now)
		}
		return nil
	case code == http.StatusNotModified:
		return nil
	case code >= 500:
		return &TransientServerError{Status: code, Message: parseAPIError(resp.Body).Message}
	}

	api := parseAPIError(resp.Body)
	if code == http.StatusForbidden || code == http.StatusTooManyRequests {
		if rl := rateLimitFrom(resp, resource, api.Message, now); rl != nil {
			return rl
		}
	}
	return &NonRetryableClientError{Status: code, Message: api.Message, DocumentationURL: api.DocumentationURL}
}

func rateLimitFrom(resp *Response, resource, msg string, now time.Time) *RateLimitError {
	rl := &RateLimitError{Status: resp.StatusCode, Resource: resource, Message: msg}
	after, hasAfter := xlimit.ParseRetryAfter(resp.Header, now)

	if hasAfter || isSecondaryBody(resp.Body) {
		rl.Secondary = true
		rl.After, rl.HasAfter = after, hasAfter
		return rl
	}
	if u, ok := xlimit.ParseHeaders(resp.Header, resource); ok && u.Remaining == 0 {
		rl.ResetAt = u.ResetAt
		rl.After, rl.HasAfter = max(u.ResetAt.Sub(now), 0), true
		return rl
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return rl
	}
	return nil
}

// graphQLErrors GraphQL 错误体只关心 type。
type graphQLErrors struct {
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

func isGraphQLRateLimited(body []byte) bool {
	if !bytes.Contains(body, []byte("RATE_LIMITED")) {
		return false
	}
	var ge graphQLErrors
	if err := json.Unmarshal(body, &ge); err != nil {
		return false
	}
	for _, e := range ge.Errors {
		if e.Type == "RATE_LIMITED" {
			return true
		}
	}
	return false
}

// graphQLRateLimit GraphQL 配额耗尽时状态码仍是 200，reset 取自响应头。
func graphQLRateLimit(resp *Response, now time.Time) *RateLimitError {
	rl := &RateLimitError{Status: resp.StatusCode, Resource: xlimit.ResourceGraphQL, Message: "graphql rate limit exceeded"}
	if u, ok := xlimit.ParseHeaders(resp.Header, xlimit.ResourceGraphQL); ok && u.ResetAt.After(now) {
		rl.ResetAt = u.ResetAt
		rl.After, rl.HasAfter = u.ResetAt.Sub(now), true
	}
	return rl
}
