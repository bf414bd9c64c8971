package xrespcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// RemoteStore 远端二级缓存。
type RemoteStore interface {
	// Get 未命中返回 ErrCacheMiss。
	Get(ctx context.Context, key string) (Entry, error)
	// Set expiration 为 0 表示不过期。
	Set(ctx context.Context, e Entry, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// =============================================================================
// Redis 实现
// =============================================================================

// DefaultKeyPrefix RedisStore 默认 key 前缀。
const DefaultKeyPrefix = "ghkit:resp:"

// RedisStore 基于 Redis 的 RemoteStore，条目以 JSON 保存。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisStoreOption RedisStore 选项。
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix 设置 key 前缀。
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore 创建 RedisStore。
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	s := &RedisStore{client: client, keyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + k
}

// Get 读取条目。
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrCacheMiss
		}
		return Entry{}, fmt.Errorf("xrespcache: redis get failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("xrespcache: unmarshal entry failed: %w", err)
	}
	return e, nil
}

// Set 写入条目。
func (s *RedisStore) Set(ctx context.Context, e Entry, expiration time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("xrespcache: marshal entry failed: %w", err)
	}
	if err := s.client.Set(ctx, s.key(e.Key), data, expiration).Err(); err != nil {
		return fmt.Errorf("xrespcache: redis set failed: %w", err)
	}
	return nil
}

// Delete 删除条目。
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("xrespcache: redis del failed: %w", err)
	}
	return nil
}

var _ RemoteStore = (*RedisStore)(nil)

// =============================================================================
// 本地 + 远端
// =============================================================================

// Fetch 先查本地，未命中时查远端并回填本地。
// 同一个 key 的并发远端读取合并为一次。远端故障只记日志，按未命中处理。
func (c *Cache) Fetch(ctx context.Context, key string) (Entry, Status, error) {
	if ctx == nil {
		return Entry{}, StatusMiss, ErrNilContext
	}
	e, st := c.Get(key)
	if st != StatusMiss || c.remote == nil {
		return e, st, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.remote.Get(ctx, key)
	})
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.mu.Lock()
			c.stats.RemoteErrors++
			c.mu.Unlock()
			c.logger.Warn(ctx, "remote cache get failed", xlog.RequestKey(key), xlog.Err(err))
		}
		return Entry{}, StatusMiss, nil
	}
	e, ok := v.(Entry)
	if !ok {
		return Entry{}, StatusMiss, nil
	}

	now := c.now()
	switch {
	case !e.Stale(now):
		st = StatusFresh
	case e.Validatable():
		st = StatusStale
	default:
		return Entry{}, StatusMiss, nil
	}
	if !e.Priority.valid() {
		e.Priority = PriorityMedium
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return e, st, nil
	}
	// 并发回填时保留先到的一份
	if _, _, exists := c.find(key); !exists {
		c.insertLocked(&record{entry: e, staleServed: st == StatusStale})
	}
	c.stats.RemoteHits++
	return e, st, nil
}

// Persist 把本地条目写到远端，过期后再保留 StaleRetention 供条件请求使用。
// 没有远端或本地不存在时什么也不做。
func (c *Cache) Persist(ctx context.Context, key string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if c.remote == nil {
		return nil
	}
	c.mu.Lock()
	_, r, ok := c.find(key)
	var e Entry
	if ok {
		e = r.entry
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return nil
	}

	var expiration time.Duration
	if !e.ExpiresAt.IsZero() {
		expiration = e.ExpiresAt.Sub(c.now()) + c.cfg.StaleRetention
		if expiration <= 0 {
			return nil
		}
	}
	if err := c.remote.Set(ctx, e, expiration); err != nil {
		c.mu.Lock()
		c.stats.RemoteErrors++
		c.mu.Unlock()
		return err
	}
	return nil
}

// Forget 从远端删除 key。
func (c *Cache) Forget(ctx context.Context, keys ...string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if c.remote == nil || len(keys) == 0 {
		return nil
	}
	return c.remote.Delete(ctx, keys...)
}
