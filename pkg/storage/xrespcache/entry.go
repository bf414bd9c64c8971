package xrespcache

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Priority 条目优先级，决定淘汰顺序。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh

	numPriorities = 3
)

var priorityNames = [...]string{"low", "medium", "high"}

func (p Priority) String() string {
	if p.valid() {
		return priorityNames[p]
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

func (p Priority) valid() bool {
	return p >= 0 && p < numPriorities
}

// MarshalText 实现 encoding.TextMarshaler。
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler，空串为 medium。
func (p *Priority) UnmarshalText(data []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(data)))
	if s == "" {
		*p = PriorityMedium
		return nil
	}
	i := slices.Index(priorityNames[:], s)
	if i < 0 {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, s)
	}
	*p = Priority(i)
	return nil
}

// Status 查找结果。
type Status int

const (
	// StatusMiss 不存在，或已过期且不能作为校验器。
	StatusMiss Status = iota
	// StatusFresh 未过期，可直接返回。
	StatusFresh
	// StatusStale 已过期但带 ETag，只能用于条件请求。
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry 一条缓存的响应。调用方不得修改 Value 的内容。
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	ETag  string `json:"etag,omitempty"`
	// LastModified 上游 Last-Modified，可用于 If-Modified-Since。
	LastModified string    `json:"last_modified,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	// ExpiresAt 零值表示不过期。
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Priority  Priority  `json:"priority"`
}

// TTL 条目的生存时长，不过期时为 0。
func (e Entry) TTL() time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(e.CreatedAt)
}

// Stale 判断在 now 时刻是否已过期。
func (e Entry) Stale(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Validatable 是否能发起条件请求。
func (e Entry) Validatable() bool {
	return e.ETag != "" || e.LastModified != ""
}
