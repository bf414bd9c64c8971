package xtoken

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// Manager token 轮换管理器。全部方法并发安全。
//
// 设计决策: 选择与记录共用一把互斥锁。轮询游标的推进和可用集合的计算
// 必须原子完成，否则并发下无法保证严格均分。
type Manager struct {
	cfg       Config
	now       func() time.Time
	intn      func(n int) int
	logger    xlog.Logger
	onQuaran  func(Health)
	onRelease func(Health)
	onRemove  func(id string)
	refresher Refresher

	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry
	cursor  uint64
}

// Option Manager 配置选项。
type Option func(*Manager)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom 注入随机源，intn 返回 [0, n)。
func WithRandom(intn func(n int) int) Option {
	return func(m *Manager) {
		if intn != nil {
			m.intn = intn
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l xlog.Logger) Option {
	return func(m *Manager) { m.logger = xlog.OrDiscard(l) }
}

// WithOnQuarantine token 被隔离（自动或手动）时回调，在锁外调用。
func WithOnQuarantine(fn func(Health)) Option {
	return func(m *Manager) { m.onQuaran = fn }
}

// WithOnRelease token 隔离到期恢复时回调，在锁外调用。
func WithOnRelease(fn func(Health)) Option {
	return func(m *Manager) { m.onRelease = fn }
}

// WithOnRemove 某个 ID 离开池时回调：Remove，或 Replace 换成了新 ID。
// 在锁外调用，用于清理按 token ID 保存的状态。
func WithOnRemove(fn func(id string)) Option {
	return func(m *Manager) { m.onRemove = fn }
}

// WithRefresher 设置即将过期 token 的刷新器。
func WithRefresher(r Refresher) Option {
	return func(m *Manager) { m.refresher = r }
}

// NewManager 创建管理器并加入初始 token。
func NewManager(cfg Config, tokens []Token, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		now:    time.Now,
		intn:   rand.IntN,
		logger: xlog.Discard(),
		index:  make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	for _, t := range tokens {
		if err := m.Add(t); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Config 返回配置。
func (m *Manager) Config() Config { return m.cfg }

// Add 加入 token，追加到加入顺序末尾。
func (m *Manager) Add(t Token) error {
	if t.Value == "" {
		return ErrEmptyToken
	}
	id := t.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[id]; ok {
		return ErrDuplicateToken
	}
	e := &entry{token: t, id: id}
	m.entries = append(m.entries, e)
	m.index[id] = e
	return nil
}

// Remove 按 ID 移除 token。
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	e, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.index, id)
	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.removed(id)
	return true
}

func (m *Manager) removed(id string) {
	if m.onRemove != nil {
		m.onRemove(id)
	}
}

// Replace 用新值替换 oldID 对应的 token，保留位置和健康计数。
func (m *Manager) Replace(oldID string, t Token) error {
	if t.Value == "" {
		return ErrEmptyToken
	}
	newID := t.ID()
	m.mu.Lock()
	e, ok := m.index[oldID]
	if !ok {
		m.mu.Unlock()
		return ErrTokenNotFound
	}
	if other, exists := m.index[newID]; exists && other != e {
		m.mu.Unlock()
		return ErrDuplicateToken
	}
	delete(m.index, oldID)
	e.token = t
	e.id = newID
	m.index[newID] = e
	m.mu.Unlock()
	if newID != oldID {
		m.removed(oldID)
	}
	return nil
}

// Len 返回 token 总数。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Get 按 ID 取 token。
func (m *Manager) Get(id string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	if !ok {
		return Token{}, false
	}
	return e.token, true
}

// Next 按策略选择一个可用 token。scopes 非空时只在满足全部 scope 的子集里选。
// 没有可用 token 时返回 false。
func (m *Manager) Next(scopes ...string) (Token, bool) {
	m.mu.Lock()
	now := m.now()
	released := m.expireLocked(now)

	var usable []*entry
	for _, e := range m.entries {
		if e.usable(now, scopes) {
			usable = append(usable, e)
		}
	}

	var picked *entry
	if len(usable) > 0 {
		picked = m.pickLocked(usable)
		picked.lastUsed = now
	}
	m.mu.Unlock()

	m.notifyReleased(released)
	if picked == nil {
		return Token{}, false
	}
	return picked.token, true
}

func (m *Manager) pickLocked(usable []*entry) *entry {
	switch m.cfg.Strategy {
	case StrategyLeastUsed:
		best := usable[0]
		for _, e := range usable[1:] {
			// 严格小于：并列时保留加入顺序靠前者。
			if e.total() < best.total() {
				best = e
			}
		}
		return best
	case StrategyRandom:
		return usable[m.intn(len(usable))]
	default:
		e := usable[m.cursor%uint64(len(usable))]
		m.cursor++
		return e
	}
}

// RecordSuccess 记录一次成功。
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	released := m.expireLocked(m.now())
	if e, ok := m.index[id]; ok {
		e.success++
	}
	m.mu.Unlock()
	m.notifyReleased(released)
}

// RecordError 记录一次失败，达到阈值时自动隔离。
func (m *Manager) RecordError(id string) {
	m.mu.Lock()
	now := m.now()
	released := m.expireLocked(now)
	var quarantined *Health
	if e, ok := m.index[id]; ok {
		e.failure++
		if !e.quarantined(now) && e.total() >= m.cfg.MinSamples && e.errorRate() >= m.cfg.ErrorRateThreshold {
			e.quarantinedUntil = now.Add(m.cfg.QuarantineDuration)
			h := e.health(now)
			quarantined = &h
		}
	}
	m.mu.Unlock()

	m.notifyReleased(released)
	if quarantined != nil {
		m.logger.Warn(context.Background(), "token quarantined",
			xlog.TokenID(quarantined.ID),
			slog.Float64("error_rate", quarantined.ErrorRate),
			slog.Time("until", quarantined.QuarantinedUntil))
		if m.onQuaran != nil {
			m.onQuaran(*quarantined)
		}
	}
}

// Quarantine 手动隔离 token d 时长，覆盖已有的隔离截止时间。
func (m *Manager) Quarantine(id string, d time.Duration) error {
	m.mu.Lock()
	now := m.now()
	e, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return ErrTokenNotFound
	}
	e.quarantinedUntil = now.Add(d)
	h := e.health(now)
	m.mu.Unlock()

	m.logger.Info(context.Background(), "token quarantined manually",
		xlog.TokenID(id), xlog.Duration(d))
	if m.onQuaran != nil {
		m.onQuaran(h)
	}
	return nil
}

// expireLocked 处理隔离到期：清除截止时间并清零计数。调用方持有锁。
func (m *Manager) expireLocked(now time.Time) []Health {
	var released []Health
	for _, e := range m.entries {
		if e.quarantinedUntil.IsZero() || now.Before(e.quarantinedUntil) {
			continue
		}
		e.quarantinedUntil = time.Time{}
		e.success, e.failure = 0, 0
		released = append(released, e.health(now))
	}
	return released
}

func (m *Manager) notifyReleased(released []Health) {
	for _, h := range released {
		m.logger.Info(context.Background(), "token released from quarantine", xlog.TokenID(h.ID))
		if m.onRelease != nil {
			m.onRelease(h)
		}
	}
}

// Sweep 主动处理隔离到期，返回本次恢复的 token。供定时维护调用。
func (m *Manager) Sweep() []Health {
	m.mu.Lock()
	released := m.expireLocked(m.now())
	m.mu.Unlock()
	m.notifyReleased(released)
	return released
}

// Health 返回全部 token 的健康快照，按加入顺序。
func (m *Manager) Health() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Health, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.health(now))
	}
	return out
}

// UsableCount 返回当前可用 token 数（不考虑 scope）。
func (m *Manager) UsableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if e.usable(now, nil) {
			n++
		}
	}
	return n
}

// NeedsRefresh 判断 token 是否在 lead 时间内到期。
func (m *Manager) NeedsRefresh(t Token, lead time.Duration) bool {
	return t.NeedsRefresh(m.now(), lead)
}

// RefreshExpiring 刷新 RefreshBefore 内到期的 token。
// 返回成功刷新的数量；单个失败不影响其他 token，错误合并返回。
func (m *Manager) RefreshExpiring(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if m.refresher == nil {
		return 0, nil
	}

	m.mu.Lock()
	now := m.now()
	var due []entry
	for _, e := range m.entries {
		if e.token.NeedsRefresh(now, m.cfg.RefreshBefore) {
			due = append(due, entry{token: e.token, id: e.id})
		}
	}
	m.mu.Unlock()

	var (
		refreshed int
		errs      []error
	)
	for _, d := range due {
		fresh, err := m.refresher.Refresh(ctx, d.token)
		if err != nil {
			if !errors.Is(err, ErrNotRefreshable) {
				m.logger.Warn(ctx, "token refresh failed", xlog.TokenID(d.id), xlog.Err(err))
				errs = append(errs, err)
			}
			continue
		}
		if err := m.Replace(d.id, fresh); err != nil {
			errs = append(errs, err)
			continue
		}
		refreshed++
		m.logger.Info(ctx, "token refreshed", xlog.TokenID(d.id), slog.String("new_id", fresh.ID()))
	}
	return refreshed, errors.Join(errs...)
}
