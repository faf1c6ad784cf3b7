package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCache_MarkAndSeen(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	assert.False(t, c.Seen(ctx, "alchemy:abc"))
	c.Mark(ctx, "alchemy:abc")
	assert.True(t, c.Seen(ctx, "alchemy:abc"))
	assert.False(t, c.Seen(ctx, "moralis:abc"))
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache(5 * time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Mark(ctx, "k")
	assert.True(t, c.Seen(ctx, "k"))

	now = now.Add(5*time.Minute + time.Second)
	assert.False(t, c.Seen(ctx, "k"))
	// Lazy eviction removed the entry.
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_RemarkRefreshesTimestamp(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Mark(ctx, "k")
	now = now.Add(45 * time.Second)
	c.Mark(ctx, "k")
	now = now.Add(45 * time.Second)

	// 90s after the first mark but 45s after the refresh.
	assert.True(t, c.Seen(ctx, "k"))
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_SweepEvictsExpired(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	c.softLimit = 10
	now := time.Now()
	var mu sync.Mutex
	c.now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Mark(ctx, fmt.Sprintf("old:%d", i))
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	// Crossing the soft limit triggers the async sweep.
	c.Mark(ctx, "fresh")

	assert.Eventually(t, func() bool { return c.Len() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Seen(ctx, "fresh"))
}

func TestMemoryCache_ConcurrentMark(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Mark(ctx, "same-key")
		}()
	}
	wg.Wait()

	assert.True(t, c.Seen(ctx, "same-key"))
	assert.Equal(t, 1, c.Len())
}
