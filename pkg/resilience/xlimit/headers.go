package xlimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// 资源名
const (
	ResourceCore       = "core"
	ResourceSearch     = "search"
	ResourceCodeSearch = "code_search"
	ResourceGraphQL    = "graphql"
)

// 上游响应头
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderUsed       = "X-RateLimit-Used"
	HeaderResource   = "X-RateLimit-Resource"
	HeaderRetryAfter = "Retry-After"
)

// Update 一次权威配额观测。
type Update struct {
	Resource  string
	Limit     int
	Remaining int
	Used      int
	ResetAt   time.Time
}

// ClassifyResource 按请求路径推断资源，graphql 为 true 时固定为 graphql。
func ClassifyResource(path string, graphql bool) string {
	switch {
	case graphql || strings.HasPrefix(path, "/graphql"):
		return ResourceGraphQL
	case strings.HasPrefix(path, "/search/code"):
		return ResourceCodeSearch
	case strings.HasPrefix(path, "/search/"):
		return ResourceSearch
	default:
		return ResourceCore
	}
}

// Key 组合资源和 token ID。上游按 token 分别计算配额，
// Coordinator 以 Key 为键时每个 token 的每个资源各自跟踪。tokenID 为空时就是资源名。
func Key(resource, tokenID string) string {
	if tokenID == "" {
		return resource
	}
	return resource + "@" + tokenID
}

// SplitKey 是 Key 的逆操作。
func SplitKey(key string) (resource, tokenID string) {
	resource, tokenID, _ = strings.Cut(key, "@")
	return resource, tokenID
}

// ParseHeaders 解析限流响应头。limit/remaining/reset 缺任何一个返回 ok=false。
// X-RateLimit-Resource 存在时覆盖 fallbackResource。
func ParseHeaders(h http.Header, fallbackResource string) (u Update, ok bool) {
	limit, okL := headerInt(h, HeaderLimit)
	remaining, okR := headerInt(h, HeaderRemaining)
	reset, okT := headerInt(h, HeaderReset)
	if !okL || !okR || !okT {
		return Update{}, false
	}
	used, okU := headerInt(h, HeaderUsed)
	if !okU {
		used = max(limit-remaining, 0)
	}
	resource := h.Get(HeaderResource)
	if resource == "" {
		resource = fallbackResource
	}
	return Update{
		Resource:  resource,
		Limit:     limit,
		Remaining: remaining,
		Used:      used,
		ResetAt:   time.Unix(int64(reset), 0),
	}, true
}

// ParseRetryAfter 解析 Retry-After，支持秒数和 HTTP 日期两种形式。
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}

// graphQLRateLimit GraphQL 响应体里的 rateLimit 字段。
type graphQLRateLimit struct {
	Data struct {
		RateLimit *struct {
			Limit     int       `json:"limit"`
			Remaining int       `json:"remaining"`
			Used      int       `json:"used"`
			ResetAt   time.Time `json:"resetAt"`
		} `json:"rateLimit"`
	} `json:"data"`
}

// ParseGraphQLRateLimit 从 GraphQL 响应体提取 data.rateLimit。
func ParseGraphQLRateLimit(body []byte) (Update, bool) {
	var payload graphQLRateLimit
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data.RateLimit == nil {
		return Update{}, false
	}
	rl := payload.Data.RateLimit
	if rl.Limit <= 0 {
		return Update{}, false
	}
	return Update{
		Resource:  ResourceGraphQL,
		Limit:     rl.Limit,
		Remaining: rl.Remaining,
		Used:      rl.Used,
		ResetAt:   rl.ResetAt,
	}, true
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
