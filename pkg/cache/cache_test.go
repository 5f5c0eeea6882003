package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCacheExpiry(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()

	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "b 应已过期")
	_, ok = c.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	c.cleanup()
	assert.Equal(t, 0, c.Size())
}

func TestInMemoryCacheClear(t *testing.T) {
	c := NewInMemoryCache[string, string](time.Minute)
	defer c.Close()
	c.Set("x", "y", 0)
	c.Clear()
	assert.Equal(t, 0, c.Size())
	c.Close() // 重复关闭不应 panic
}
