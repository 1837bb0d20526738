package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"otprelay/backend/internal/config"
	"otprelay/backend/internal/storage/redis"
)

func TestMemoryPending(t *testing.T) {
	ctx := context.Background()

	t.Run("覆盖与读取删除", func(t *testing.T) {
		m := NewMemoryPending(0)
		require.NoError(t, m.Put(ctx, "42", otpEvent("111111")))
		require.NoError(t, m.Put(ctx, "42", otpEvent("222222")))
		require.NoError(t, m.Put(ctx, "7", otpEvent("333333")))

		n, _ := m.Count(ctx)
		assert.Equal(t, 2, n)

		ev, ok, err := m.Take(ctx, "42")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "222222", ev.OTP)

		_, ok, _ = m.Take(ctx, "42")
		assert.False(t, ok)
		n, _ = m.Count(ctx)
		assert.Equal(t, 1, n)
	})

	t.Run("过期事件不可见", func(t *testing.T) {
		now := time.Now()
		m := NewMemoryPending(time.Minute)
		m.now = func() time.Time { return now }

		require.NoError(t, m.Put(ctx, "42", otpEvent("111111")))
		now = now.Add(2 * time.Minute)
		require.NoError(t, m.Put(ctx, "7", otpEvent("222222")))

		has, _ := m.Has(ctx, "42")
		assert.False(t, has)
		n, _ := m.Count(ctx)
		assert.Equal(t, 1, n)

		removed, err := m.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, _ := m.Take(ctx, "42")
		assert.False(t, ok)
		assert.Equal(t, int64(1), m.count.Load())
	})
}

// 需要本地 Redis：设置 OTPRELAY_TEST_REDIS=localhost:6379
func TestRedisPending(t *testing.T) {
	addr := os.Getenv("OTPRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("OTPRELAY_TEST_REDIS not set")
	}
	ctx := context.Background()

	client, err := redis.New(ctx, &config.RedisConfig{Address: addr}, nil)
	require.NoError(t, err)
	defer client.Close()

	key := "otprelay:test:" + time.Now().Format("150405.000000")
	defer client.Client().Del(ctx, key)

	r := NewRedisPending(client, key, 0)
	require.NoError(t, r.Ping(ctx))

	require.NoError(t, r.Put(ctx, "42", otpEvent("111111")))
	require.NoError(t, r.Put(ctx, "42", otpEvent("222222")))

	has, err := r.Has(ctx, "42")
	require.NoError(t, err)
	assert.True(t, has)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, ok, err := r.Take(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "222222", ev.OTP)

	_, ok, err = r.Take(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)
}

type mockHashStore struct {
	mock.Mock
}

func (m *mockHashStore) HSet(ctx context.Context, key, field string, value any) error {
	return m.Called(ctx, key, field, value).Error(0)
}

func (m *mockHashStore) HGet(ctx context.Context, key, field string) (string, error) {
	args := m.Called(ctx, key, field)
	return args.String(0), args.Error(1)
}

func (m *mockHashStore) HTake(ctx context.Context, key, field string) (string, error) {
	args := m.Called(ctx, key, field)
	return args.String(0), args.Error(1)
}

func (m *mockHashStore) HLen(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockHashStore) HDel(ctx context.Context, key string, fields ...string) error {
	return m.Called(ctx, key, fields).Error(0)
}

func (m *mockHashStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	args := m.Called(ctx, key)
	all, _ := args.Get(0).(map[string]string)
	return all, args.Error(1)
}

func (m *mockHashStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func storedItem(t *testing.T, code string, at time.Time) string {
	t.Helper()
	data, err := json.Marshal(pendingItem{Event: otpEvent(code), StoredAt: at})
	require.NoError(t, err)
	return string(data)
}

func TestRedisPendingWithStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	const key = "otprelay:pending"

	newPending := func(store *mockHashStore, ttl time.Duration) *RedisPending {
		r := NewRedisPending(store, "", ttl)
		r.now = func() time.Time { return now }
		return r
	}

	t.Run("写入带时间戳的事件", func(t *testing.T) {
		store := &mockHashStore{}
		store.On("HSet", ctx, key, "42", mock.MatchedBy(func(v []byte) bool {
			var item pendingItem
			return json.Unmarshal(v, &item) == nil && item.Event.OTP == "111111" && item.StoredAt.Equal(now)
		})).Return(nil).Once()

		require.NoError(t, newPending(store, 0).Put(ctx, "42", otpEvent("111111")))
		store.AssertExpectations(t)
	})

	t.Run("原子读取并删除", func(t *testing.T) {
		store := &mockHashStore{}
		store.On("HTake", ctx, key, "42").Return(storedItem(t, "222222", now), nil).Once()
		store.On("HTake", ctx, key, "42").Return("", redis.ErrNotFound).Once()
		r := newPending(store, time.Minute)

		ev, ok, err := r.Take(ctx, "42")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "222222", ev.OTP)

		_, ok, err = r.Take(ctx, "42")
		require.NoError(t, err)
		assert.False(t, ok)
		store.AssertExpectations(t)
	})

	t.Run("过期事件读取后视为不存在", func(t *testing.T) {
		store := &mockHashStore{}
		store.On("HTake", ctx, key, "42").Return(storedItem(t, "333333", now.Add(-2*time.Minute)), nil).Once()
		store.On("HGet", ctx, key, "42").Return(storedItem(t, "333333", now.Add(-2*time.Minute)), nil).Once()
		r := newPending(store, time.Minute)

		has, err := r.Has(ctx, "42")
		require.NoError(t, err)
		assert.False(t, has)

		_, ok, err := r.Take(ctx, "42")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("无法解析的事件返回错误", func(t *testing.T) {
		store := &mockHashStore{}
		store.On("HGet", ctx, key, "42").Return("not json", nil).Once()
		store.On("HTake", ctx, key, "42").Return("{", nil).Once()
		r := newPending(store, 0)

		_, err := r.Has(ctx, "42")
		assert.ErrorContains(t, err, "decode pending event")
		_, _, err = r.Take(ctx, "42")
		assert.ErrorContains(t, err, "decode pending event")
	})

	t.Run("存储错误向上返回", func(t *testing.T) {
		store := &mockHashStore{}
		boom := errors.New("connection refused")
		store.On("HTake", ctx, key, "42").Return("", boom).Once()
		store.On("Ping", ctx).Return(boom).Once()
		r := newPending(store, 0)

		_, _, err := r.Take(ctx, "42")
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, r.Ping(ctx), boom)
	})

	t.Run("计数", func(t *testing.T) {
		store := &mockHashStore{}
		store.On("HLen", ctx, key).Return(int64(3), nil).Once()
		n, err := newPending(store, 0).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		store.On("HGetAll", ctx, key).Return(map[string]string{
			"1": storedItem(t, "111111", now),
			"2": storedItem(t, "222222", now.Add(-time.Hour)),
			"3": "garbage",
		}, nil).Once()
		n, err = newPending(store, time.Minute).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		store.AssertExpectations(t)
	})

	t.Run("清理过期与损坏的事件", func(t *testing.T) {
		store := &mockHashStore{}
		store.On("HGetAll", ctx, key).Return(map[string]string{
			"1": storedItem(t, "111111", now),
			"2": storedItem(t, "222222", now.Add(-time.Hour)),
			"3": "garbage",
		}, nil).Once()
		store.On("HDel", ctx, key, []string{"2", "3"}).Return(nil).Once()

		removed, err := newPending(store, time.Minute).Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		store.AssertExpectations(t)
	})

	t.Run("未设置保留时间时不清理", func(t *testing.T) {
		store := &mockHashStore{}
		removed, err := newPending(store, 0).Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)
		store.AssertNotCalled(t, "HGetAll", mock.Anything, mock.Anything)
	})
}
