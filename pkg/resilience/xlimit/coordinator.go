package xlimit

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// DefaultSecondaryBackoff 次级限流未给出 Retry-After 时的惩罚时长。
const DefaultSecondaryBackoff = time.Minute

// DefaultWarnPercent 默认在剩余低于 10% 时告警。
const DefaultWarnPercent = 10.0

// State 单个资源的配额快照。
type State struct {
	Resource       string
	Limit          int
	Remaining      int
	Used           int
	ResetAt        time.Time
	SecondaryUntil time.Time
	// Reserved 已登记未完成的在途请求数。
	Reserved int
	// Warned 本窗口是否已经告警过。
	Warned bool
}

// Available 扣除在途请求后的可用配额。
func (s State) Available() int {
	return s.Remaining - s.Reserved
}

// resourceState 受 Coordinator.mu 保护。
type resourceState struct {
	State
	known        bool
	warnedWindow time.Time
}

// Coordinator 多资源限流协调器。并发安全。
type Coordinator struct {
	warnPercent      float64
	secondaryBackoff time.Duration
	onWarn           func(State)
	now              func() time.Time
	logger           xlog.Logger

	mu        sync.Mutex
	resources map[string]*resourceState
	// changed 在配额可能变多时关闭并替换，唤醒 Wait 和 Acquire。
	changed chan struct{}
}

// CoordinatorOption 配置选项。
type CoordinatorOption func(*Coordinator)

// WithWarnPercent 剩余百分比低于 p 时告警，p <= 0 关闭告警。
func WithWarnPercent(p float64) CoordinatorOption {
	return func(c *Coordinator) { c.warnPercent = p }
}

// WithOnApproachingLimit 注册告警回调，在锁外调用。
func WithOnApproachingLimit(fn func(State)) CoordinatorOption {
	return func(c *Coordinator) { c.onWarn = fn }
}

// WithSecondaryBackoff 设置次级限流默认惩罚时长。
func WithSecondaryBackoff(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.secondaryBackoff = d
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l xlog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = xlog.OrDiscard(l) }
}

// NewCoordinator 创建协调器。
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		warnPercent:      DefaultWarnPercent,
		secondaryBackoff: DefaultSecondaryBackoff,
		now:              time.Now,
		logger:           xlog.Discard(),
		resources:        make(map[string]*resourceState),
		changed:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// notifyLocked 唤醒所有等待者。调用方持有锁。
func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) entry(resource string) *resourceState {
	rs, ok := c.resources[resource]
	if !ok {
		rs = &resourceState{State: State{Resource: resource}}
		c.resources[resource] = rs
	}
	return rs
}

// Update 写入一次权威观测。Resource 为空时忽略。
func (c *Coordinator) Update(u Update) {
	if u.Resource == "" {
		return
	}
	c.mu.Lock()
	rs := c.entry(u.Resource)
	rs.known = true
	rs.Limit = u.Limit
	rs.Remaining = u.Remaining
	rs.Used = u.Used
	rs.ResetAt = u.ResetAt
	c.notifyLocked()

	var fire *State
	if c.shouldWarn(rs) {
		rs.warnedWindow = rs.ResetAt
		rs.Warned = true
		snap := rs.State
		fire = &snap
	} else if !rs.warnedWindow.Equal(rs.ResetAt) {
		rs.Warned = false
	}
	c.mu.Unlock()

	if fire != nil {
		c.logger.Warn(context.Background(), "rate limit approaching",
			xlog.Resource(fire.Resource),
			slog.Int("remaining", fire.Remaining),
			slog.Int("limit", fire.Limit))
		if c.onWarn != nil {
			c.onWarn(*fire)
		}
	}
}

// shouldWarn 同一 resetAt 窗口只告警一次。调用方持有锁。
func (c *Coordinator) shouldWarn(rs *resourceState) bool {
	if c.warnPercent <= 0 || rs.Limit <= 0 {
		return false
	}
	if rs.Warned && rs.warnedWindow.Equal(rs.ResetAt) {
		return false
	}
	return float64(rs.Remaining)*100/float64(rs.Limit) < c.warnPercent
}

// MarkSecondary 记录次级限流惩罚。hasAfter 为 false 表示服务端没有给出
// Retry-After，使用默认时长；给出的 0 原样生效。多次标记取较晚的截止时间。
func (c *Coordinator) MarkSecondary(resource string, after time.Duration, hasAfter bool) time.Time {
	if !hasAfter {
		after = c.secondaryBackoff
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.entry(resource)
	until := c.now().Add(max(after, 0))
	if until.After(rs.SecondaryUntil) {
		rs.SecondaryUntil = until
	}
	return rs.SecondaryUntil
}

// Reserve 登记一个在途请求。已知配额扣除在途后不足时返回 false，不登记。
// 返回 true 时调用方必须调用 Release。
func (c *Coordinator) Reserve(resource string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserveLocked(c.entry(resource))
}

func (c *Coordinator) reserveLocked(rs *resourceState) bool {
	if rs.known && !c.windowExpired(rs) && rs.Available() <= 0 {
		return false
	}
	rs.Reserved++
	return true
}

// Release 释放 Reserve 登记的在途请求。
func (c *Coordinator) Release(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok := c.resources[resource]; ok && rs.Reserved > 0 {
		rs.Reserved--
		c.notifyLocked()
	}
}

// Forget 删除某个 token 的全部资源状态，token 被移除或替换时调用。
// 返回删除的条目数。
func (c *Coordinator) Forget(tokenID string) int {
	if tokenID == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.resources {
		if _, id := SplitKey(key); id == tokenID {
			delete(c.resources, key)
			n++
		}
	}
	if n > 0 {
		c.notifyLocked()
	}
	return n
}

// windowExpired 调用方持有锁。
func (c *Coordinator) windowExpired(rs *resourceState) bool {
	return !rs.ResetAt.IsZero() && !c.now().Before(rs.ResetAt)
}

// TimeUntilSafe 返回距离可以安全发请求的时间：次级限流期间为剩余惩罚时长，
// 主配额剩余为 0 时为距 reset 的时长，其余为 0。在途登记不影响结果。
func (c *Coordinator) TimeUntilSafe(resource string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.untilSafeLocked(c.resources[resource])
}

// untilSafeLocked rs 可以为 nil。调用方持有锁。
func (c *Coordinator) untilSafeLocked(rs *resourceState) time.Duration {
	if rs == nil {
		return 0
	}
	now := c.now()
	if now.Before(rs.SecondaryUntil) {
		return rs.SecondaryUntil.Sub(now)
	}
	if !rs.known || rs.Remaining > 0 || c.windowExpired(rs) {
		return 0
	}
	return rs.ResetAt.Sub(now)
}

// Wait 阻塞到 TimeUntilSafe 为 0 或 ctx 结束，返回等待的时长。
// 配额状态变化（Update、Release）会提前唤醒并重新计算。
func (c *Coordinator) Wait(ctx context.Context, resource string) (time.Duration, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	var w waitClock
	for {
		c.mu.Lock()
		d := c.untilSafeLocked(c.resources[resource])
		ch := c.changed
		c.mu.Unlock()
		if d <= 0 {
			return w.waited(), nil
		}
		if err := w.sleep(ctx, d, ch); err != nil {
			return w.waited(), err
		}
	}
}

// Acquire 等待到可以安全发请求并登记一个在途请求。
// 配额全部被在途请求占用时等待 Release 或新的观测，最长到窗口 reset。
// 返回 nil 时调用方必须调用 Release。
func (c *Coordinator) Acquire(ctx context.Context, resource string) (time.Duration, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	var w waitClock
	for {
		c.mu.Lock()
		rs := c.entry(resource)
		d := c.untilSafeLocked(rs)
		if d <= 0 {
			if c.reserveLocked(rs) {
				c.mu.Unlock()
				return w.waited(), nil
			}
			d = rs.ResetAt.Sub(c.now())
			if d <= 0 {
				d = maxAcquirePoll
			}
		}
		ch := c.changed
		c.mu.Unlock()
		if err := w.sleep(ctx, d, ch); err != nil {
			return w.waited(), err
		}
	}
}

// maxAcquirePoll 没有 reset 时间可参考时的重查间隔。
const maxAcquirePoll = time.Second

// waitClock 记录第一次真正阻塞的时刻。
type waitClock struct {
	start time.Time
}

// sleep 等待 d、状态变化或 ctx 结束，只有 ctx 结束时返回错误。
func (w *waitClock) sleep(ctx context.Context, d time.Duration, changed <-chan struct{}) error {
	if w.start.IsZero() {
		w.start = time.Now()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-t.C:
		return nil
	}
}

func (w *waitClock) waited() time.Duration {
	if w.start.IsZero() {
		return 0
	}
	return time.Since(w.start)
}

// Snapshot 返回某个资源的快照。
func (c *Coordinator) Snapshot(resource string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.resources[resource]
	if !ok {
		return State{}, false
	}
	return rs.State, true
}

// Snapshots 返回全部资源快照，按资源名排序。
func (c *Coordinator) Snapshots() []State {
	c.mu.Lock()
	out := make([]State, 0, len(c.resources))
	for _, rs := range c.resources {
		out = append(out, rs.State)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.Resource, b.Resource) })
	return out
}

// RemainingByResource 供指标 gauge 使用，只包含已有权威观测的资源。
func (c *Coordinator) RemainingByResource() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.resources))
	for name, rs := range c.resources {
		if rs.known {
			out[name] = rs.Remaining
		}
	}
	return out
}
