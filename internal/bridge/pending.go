package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/storage/redis"
)

// PendingStore 保存每个用户最新一条未投递事件
//
// Put 覆盖旧值；Take 读取并删除。ttl 大于 0 时过期事件视为不存在。
type PendingStore interface {
	Put(ctx context.Context, userID string, ev domain.Event) error
	Take(ctx context.Context, userID string) (domain.Event, bool, error)
	Has(ctx context.Context, userID string) (bool, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Purger 可清理过期事件的存储
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

type pendingItem struct {
	Event    domain.Event `json:"event"`
	StoredAt time.Time    `json:"stored_at"`
}

func (p pendingItem) expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(p.StoredAt) > ttl
}

// MemoryPending 进程内待投递存储
type MemoryPending struct {
	items sync.Map // userID -> pendingItem
	count atomic.Int64
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryPending 创建进程内存储，ttl 为 0 表示直到投递才删除
func NewMemoryPending(ttl time.Duration) *MemoryPending {
	return &MemoryPending{ttl: ttl, now: time.Now}
}

func (m *MemoryPending) Put(_ context.Context, userID string, ev domain.Event) error {
	if _, loaded := m.items.Swap(userID, pendingItem{Event: ev, StoredAt: m.now()}); !loaded {
		m.count.Add(1)
	}
	return nil
}

func (m *MemoryPending) Take(_ context.Context, userID string) (domain.Event, bool, error) {
	v, ok := m.items.LoadAndDelete(userID)
	if !ok {
		return domain.Event{}, false, nil
	}
	m.count.Add(-1)

	item := v.(pendingItem)
	if item.expired(m.ttl, m.now()) {
		return domain.Event{}, false, nil
	}
	return item.Event, true, nil
}

func (m *MemoryPending) Has(_ context.Context, userID string) (bool, error) {
	v, ok := m.items.Load(userID)
	if !ok {
		return false, nil
	}
	return !v.(pendingItem).expired(m.ttl, m.now()), nil
}

func (m *MemoryPending) Count(_ context.Context) (int, error) {
	if m.ttl <= 0 {
		return int(m.count.Load()), nil
	}
	now := m.now()
	n := 0
	m.items.Range(func(_, v any) bool {
		if !v.(pendingItem).expired(m.ttl, now) {
			n++
		}
		return true
	})
	return n, nil
}

func (m *MemoryPending) Ping(context.Context) error {
	return nil
}

// Purge 删除过期事件
func (m *MemoryPending) Purge(context.Context) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	now := m.now()
	removed := 0
	m.items.Range(func(k, v any) bool {
		if v.(pendingItem).expired(m.ttl, now) && m.items.CompareAndDelete(k, v) {
			m.count.Add(-1)
			removed++
		}
		return true
	})
	return removed, nil
}

// DefaultPendingKey Redis 中保存待投递事件的哈希键
const DefaultPendingKey = "otprelay:pending"

// HashStore RedisPending 使用的哈希操作，*redis.Client 实现该接口
type HashStore interface {
	HSet(ctx context.Context, key, field string, value any) error
	HGet(ctx context.Context, key, field string) (string, error)
	HTake(ctx context.Context, key, field string) (string, error)
	HLen(ctx context.Context, key string) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Ping(ctx context.Context) error
}

// RedisPending 基于 Redis 哈希的待投递存储，供多副本部署共享
type RedisPending struct {
	client HashStore
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisPending 创建 Redis 存储
func NewRedisPending(client HashStore, key string, ttl time.Duration) *RedisPending {
	if key == "" {
		key = DefaultPendingKey
	}
	return &RedisPending{client: client, key: key, ttl: ttl, now: time.Now}
}

func (r *RedisPending) Put(ctx context.Context, userID string, ev domain.Event) error {
	data, err := json.Marshal(pendingItem{Event: ev, StoredAt: r.now()})
	if err != nil {
		return fmt.Errorf("encode pending event: %w", err)
	}
	return r.client.HSet(ctx, r.key, userID, data)
}

func (r *RedisPending) Take(ctx context.Context, userID string) (domain.Event, bool, error) {
	raw, err := r.client.HTake(ctx, r.key, userID)
	if errors.Is(err, redis.ErrNotFound) {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, err
	}
	item, err := decodePending(raw)
	if err != nil {
		return domain.Event{}, false, err
	}
	if item.expired(r.ttl, r.now()) {
		return domain.Event{}, false, nil
	}
	return item.Event, true, nil
}

func (r *RedisPending) Has(ctx context.Context, userID string) (bool, error) {
	raw, err := r.client.HGet(ctx, r.key, userID)
	if errors.Is(err, redis.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	item, err := decodePending(raw)
	if err != nil {
		return false, err
	}
	return !item.expired(r.ttl, r.now()), nil
}

func (r *RedisPending) Count(ctx context.Context) (int, error) {
	if r.ttl <= 0 {
		n, err := r.client.HLen(ctx, r.key)
		return int(n), err
	}
	all, err := r.client.HGetAll(ctx, r.key)
	if err != nil {
		return 0, err
	}
	now := r.now()
	n := 0
	for _, raw := range all {
		if item, err := decodePending(raw); err == nil && !item.expired(r.ttl, now) {
			n++
		}
	}
	return n, nil
}

func (r *RedisPending) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Purge 删除过期或无法解析的事件
func (r *RedisPending) Purge(ctx context.Context) (int, error) {
	if r.ttl <= 0 {
		return 0, nil
	}
	all, err := r.client.HGetAll(ctx, r.key)
	if err != nil {
		return 0, err
	}
	now := r.now()
	var stale []string
	for field, raw := range all {
		item, err := decodePending(raw)
		if err != nil || item.expired(r.ttl, now) {
			stale = append(stale, field)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	slices.Sort(stale)
	if err := r.client.HDel(ctx, r.key, stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func decodePending(raw string) (pendingItem, error) {
	var item pendingItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return pendingItem{}, fmt.Errorf("decode pending event: %w", err)
	}
	return item, nil
}
