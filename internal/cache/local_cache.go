package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期，ttl <= 0 表示永不过期
// - 由 Run 定期清理过期条目
type LocalCache[V any] struct {
	data sync.Map
	ttl  time.Duration
	now  func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *cacheEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - ttl: 默认过期时间
func NewLocalCache[V any](ttl time.Duration) *LocalCache[V] {
	return &LocalCache[V]{ttl: ttl, now: time.Now}
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.data.Load(key)
	if !ok {
		return zero, false
	}

	entry := val.(*cacheEntry[V])
	if entry.expired(c.now()) {
		c.data.CompareAndDelete(key, val)
		return zero, false
	}
	return entry.value, true
}

// Set 使用默认过期时间设置缓存值
func (c *LocalCache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL 设置缓存值
func (c *LocalCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	entry := &cacheEntry[V]{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.data.Store(key, entry)
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	c.data.Delete(key)
}

// Len 返回未过期条目数
func (c *LocalCache[V]) Len() int {
	now := c.now()
	n := 0
	c.data.Range(func(_, value any) bool {
		if !value.(*cacheEntry[V]).expired(now) {
			n++
		}
		return true
	})
	return n
}

// Purge 删除所有过期条目，返回删除数量
func (c *LocalCache[V]) Purge() int {
	now := c.now()
	removed := 0
	c.data.Range(func(key, value any) bool {
		if value.(*cacheEntry[V]).expired(now) && c.data.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})
	return removed
}

// Run 定期清理过期条目，直到 ctx 结束
func (c *LocalCache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}
