package xrespcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// maxTierSize 单个分层的容量上限。淘汰由 MaxEntries 控制，分层本身不自动淘汰。
const maxTierSize = 1 << 24

// RefreshFunc 后台刷新函数，负责重新请求并调用 Set 或 Revalidate。
type RefreshFunc func(ctx context.Context, e Entry) error

// SetOption Set/Revalidate 的可选参数。
type SetOption func(*record)

// WithETag 记录响应的 ETag。
func WithETag(etag string) SetOption {
	return func(r *record) {
		if etag != "" {
			r.entry.ETag = etag
		}
	}
}

// WithLastModified 记录响应的 Last-Modified。
func WithLastModified(v string) SetOption {
	return func(r *record) {
		if v != "" {
			r.entry.LastModified = v
		}
	}
}

// WithRefresh 注册后台刷新函数。
func WithRefresh(fn RefreshFunc) SetOption {
	return func(r *record) {
		if fn != nil {
			r.refresh = fn
		}
	}
}

// Option 缓存可选配置。
type Option func(*Cache)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l xlog.Logger) Option {
	return func(c *Cache) {
		c.logger = xlog.OrDiscard(l)
	}
}

// WithRemote 设置远端二级缓存。
func WithRemote(s RemoteStore) Option {
	return func(c *Cache) {
		c.remote = s
	}
}

// Stats 缓存统计。
type Stats struct {
	Entries     int              `json:"entries"`
	PerPriority map[Priority]int `json:"per_priority"`

	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	StaleServes   uint64 `json:"stale_serves"`
	Revalidations uint64 `json:"revalidations"`
	Evictions     uint64 `json:"evictions"`
	Expired       uint64 `json:"expired"`
	Refreshes     uint64 `json:"refreshes"`
	RefreshErrors uint64 `json:"refresh_errors"`
	RemoteHits    uint64 `json:"remote_hits"`
	RemoteErrors  uint64 `json:"remote_errors"`
}

type record struct {
	entry   Entry
	refresh RefreshFunc
	// staleServed 过期后已作为校验器取出过一次。
	staleServed bool
	refreshing  bool
}

// Cache 按优先级分层的响应缓存，并发安全。
// 必须通过 New 创建。
type Cache struct {
	cfg    Config
	now    func() time.Time
	logger xlog.Logger
	remote RemoteStore

	mu     sync.Mutex
	tiers  [numPriorities]*simplelru.LRU[string, *record]
	stats  Stats
	closed bool

	sf     singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建缓存。
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		now:    time.Now,
		logger: xlog.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for i := range c.tiers {
		tier, err := simplelru.NewLRU[string, *record](maxTierSize, nil)
		if err != nil {
			return nil, err
		}
		c.tiers[i] = tier
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Config 返回配置。
func (c *Cache) Config() Config {
	return c.cfg
}

// Get 只查本地内存。
// 新鲜命中返回 StatusFresh，并在进入刷新窗口时触发后台刷新；
// 过期且可校验的条目返回一次 StatusStale；其余情况返回 StatusMiss。
func (c *Cache) Get(key string) (Entry, Status) {
	c.mu.Lock()
	e, st, refresh := c.getLocked(key)
	c.mu.Unlock()
	if refresh != nil {
		go refresh()
	}
	return e, st
}

func (c *Cache) getLocked(key string) (Entry, Status, func()) {
	if c.closed {
		c.stats.Misses++
		return Entry{}, StatusMiss, nil
	}
	p, r, ok := c.find(key)
	if !ok {
		c.stats.Misses++
		return Entry{}, StatusMiss, nil
	}
	now := c.now()
	if !r.entry.Stale(now) {
		c.tiers[p].Get(key)
		c.stats.Hits++
		return r.entry, StatusFresh, c.refreshLocked(key, r, now)
	}
	if r.entry.Validatable() && !r.staleServed {
		r.staleServed = true
		c.stats.StaleServes++
		return r.entry, StatusStale, nil
	}
	c.tiers[p].Remove(key)
	c.stats.Expired++
	c.stats.Misses++
	return Entry{}, StatusMiss, nil
}

// refreshLocked 判断是否需要后台刷新，需要时返回待启动的函数。
// wg.Add 在锁内完成，保证 Close 之后不会再有新的刷新。
func (c *Cache) refreshLocked(key string, r *record, now time.Time) func() {
	if r.refresh == nil || r.refreshing || c.cfg.RefreshFraction <= 0 {
		return nil
	}
	ttl := r.entry.TTL()
	if ttl <= 0 {
		return nil
	}
	window := time.Duration(float64(ttl) * c.cfg.RefreshFraction)
	if now.Before(r.entry.ExpiresAt.Add(-window)) {
		return nil
	}
	r.refreshing = true
	c.stats.Refreshes++
	c.wg.Add(1)
	entry, fn := r.entry, r.refresh
	return func() { c.runRefresh(key, r, entry, fn) }
}

func (c *Cache) runRefresh(key string, r *record, e Entry, fn RefreshFunc) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RefreshTimeout)
	defer cancel()

	err := fn(ctx, e)

	c.mu.Lock()
	r.refreshing = false
	if err != nil {
		c.stats.RefreshErrors++
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn(ctx, "background refresh failed", xlog.RequestKey(key), xlog.Err(err))
	}
}

// Set 写入本地内存。ttl <= 0 使用 DefaultTTL；DefaultTTL 也为 0 时永不过期。
// 非法优先级按 Medium 处理。写入后超过 MaxEntries 会立即执行淘汰。
func (c *Cache) Set(key string, value []byte, ttl time.Duration, priority Priority, opts ...SetOption) Entry {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if !priority.valid() {
		priority = PriorityMedium
	}
	now := c.now()
	r := &record{entry: Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		Priority:  priority,
	}}
	if ttl > 0 {
		r.entry.ExpiresAt = now.Add(ttl)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return r.entry
	}
	c.insertLocked(r)
	return r.entry
}

func (c *Cache) insertLocked(r *record) {
	key := r.entry.Key
	for p, tier := range c.tiers {
		if Priority(p) != r.entry.Priority {
			tier.Remove(key)
		}
	}
	c.tiers[r.entry.Priority].Add(key, r)
	if c.overLimit() {
		c.evictLocked()
	}
}

// Revalidate 处理 304：刷新 CreatedAt/ExpiresAt，Value 不变。
// ttl <= 0 沿用条目原有的 TTL。opts 可更新 ETag。
func (c *Cache) Revalidate(key string, ttl time.Duration, opts ...SetOption) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false
	}
	p, r, ok := c.find(key)
	if !ok {
		return Entry{}, false
	}
	if ttl <= 0 {
		ttl = r.entry.TTL()
	}
	now := c.now()
	r.entry.CreatedAt = now
	if ttl > 0 {
		r.entry.ExpiresAt = now.Add(ttl)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.staleServed = false
	c.tiers[p].Get(key)
	c.stats.Revalidations++
	return r.entry, true
}

// Invalidate 删除 key，High 优先级的条目也会删除。
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := false
	for _, tier := range c.tiers {
		if tier.Remove(key) {
			removed = true
		}
	}
	return removed
}

// InvalidateFunc 删除所有满足 pred 的条目，返回被删除的 key。
// pred 在锁内执行，不能回调 Cache 的方法。
func (c *Cache) InvalidateFunc(pred func(Entry) bool) []string {
	if pred == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []string
	for _, tier := range c.tiers {
		for _, key := range tier.Keys() {
			r, ok := tier.Peek(key)
			if ok && pred(r.entry) {
				tier.Remove(key)
				removed = append(removed, key)
			}
		}
	}
	return removed
}

// Clear 清空本地内存。
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tier := range c.tiers {
		tier.Purge()
	}
}

// PerformEviction 执行一次淘汰，返回移除的条目数。
func (c *Cache) PerformEviction() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *Cache) evictLocked() int {
	now := c.now()
	removed := c.removeStaleLocked(PriorityLow, now)
	if c.overLimit() {
		removed += c.removeStaleLocked(PriorityMedium, now)
	}
	for _, p := range []Priority{PriorityLow, PriorityMedium} {
		for c.overLimit() {
			if _, _, ok := c.tiers[p].RemoveOldest(); !ok {
				break
			}
			removed++
		}
	}
	c.stats.Evictions += uint64(removed)
	return removed
}

func (c *Cache) removeStaleLocked(p Priority, now time.Time) int {
	tier := c.tiers[p]
	n := 0
	for _, key := range tier.Keys() {
		if r, ok := tier.Peek(key); ok && r.entry.Stale(now) {
			tier.Remove(key)
			n++
		}
	}
	return n
}

func (c *Cache) overLimit() bool {
	return c.cfg.MaxEntries > 0 && c.lenLocked() > c.cfg.MaxEntries
}

func (c *Cache) lenLocked() int {
	n := 0
	for _, tier := range c.tiers {
		n += tier.Len()
	}
	return n
}

func (c *Cache) find(key string) (Priority, *record, bool) {
	for p, tier := range c.tiers {
		if r, ok := tier.Peek(key); ok {
			return Priority(p), r, true
		}
	}
	return 0, nil, false
}

// Len 返回本地条目数，包含尚未清理的过期条目。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lenLocked()
}

// Stats 返回统计快照。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lenLocked()
	s.PerPriority = make(map[Priority]int, numPriorities)
	for p, tier := range c.tiers {
		s.PerPriority[Priority(p)] = tier.Len()
	}
	return s
}

// Close 停止后台刷新并等待其退出，然后清空本地内存。幂等。
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.Clear()
	return nil
}
