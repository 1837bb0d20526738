package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewLocalCache[string](time.Minute)
	c.now = func() time.Time { return now }

	t.Run("读写", func(t *testing.T) {
		c.Set("u1", "a@mail.tm")
		v, ok := c.Get("u1")
		assert.True(t, ok)
		assert.Equal(t, "a@mail.tm", v)

		_, ok = c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("过期后不可见", func(t *testing.T) {
		c.Set("u2", "b@mail.tm")
		c.SetWithTTL("forever", "c@mail.tm", 0)
		now = now.Add(2 * time.Minute)

		_, ok := c.Get("u2")
		assert.False(t, ok)
		v, ok := c.Get("forever")
		assert.True(t, ok)
		assert.Equal(t, "c@mail.tm", v)
	})

	t.Run("清理过期条目", func(t *testing.T) {
		c.Set("u3", "d@mail.tm")
		c.SetWithTTL("old", "e@mail.tm", time.Second)
		now = now.Add(10 * time.Second)

		assert.Equal(t, 2, c.Len())
		assert.Equal(t, 2, c.Purge()) // u1 与 old
		assert.Equal(t, 2, c.Len())
	})

	t.Run("删除", func(t *testing.T) {
		c.Delete("u3")
		_, ok := c.Get("u3")
		assert.False(t, ok)
	})
}

func TestLocalCacheRunStops(t *testing.T) {
	c := NewLocalCache[int](time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()

	c.Set("k", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
