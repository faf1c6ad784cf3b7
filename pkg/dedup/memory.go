package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSoftLimit = 10000

// MemoryCache is the default hint cache: one concurrent map whose values
// carry the observation timestamp. Expired entries are dropped lazily on
// read and by an asynchronous sweep once the soft size budget is exceeded.
// There is no hard cap; overflow merely means extra store probes.
type MemoryCache struct {
	entries   sync.Map // key -> time.Time (observedAt)
	ttl       time.Duration
	softLimit int64

	size     atomic.Int64
	sweeping atomic.Bool

	now func() time.Time
}

// NewMemoryCache creates a MemoryCache with the given entry TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:       ttl,
		softLimit: defaultSoftLimit,
		now:       time.Now,
	}
}

// Seen reports whether key was marked within the TTL. An expired entry is
// evicted on the way out.
func (c *MemoryCache) Seen(_ context.Context, key string) bool {
	v, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	observedAt := v.(time.Time)
	if c.now().Sub(observedAt) > c.ttl {
		if c.entries.CompareAndDelete(key, v) {
			c.size.Add(-1)
		}
		return false
	}
	return true
}

// Mark records key as seen now. Marking is an idempotent hint, so concurrent
// writers for the same key need no coordination.
func (c *MemoryCache) Mark(_ context.Context, key string) {
	if _, loaded := c.entries.Swap(key, c.now()); !loaded {
		if c.size.Add(1) > c.softLimit {
			c.sweepAsync()
		}
	}
}

// Len returns the current entry count, including not-yet-swept expired
// entries.
func (c *MemoryCache) Len() int {
	return int(c.size.Load())
}

// sweepAsync starts at most one concurrent eviction pass over expired
// entries. Races with Mark are benign: the worst case is a stale entry
// surviving one extra pass or a fresh re-mark being swept, and either way
// the store settles the answer.
func (c *MemoryCache) sweepAsync() {
	if !c.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.sweeping.Store(false)
		cutoff := c.now().Add(-c.ttl)
		c.entries.Range(func(key, v any) bool {
			if v.(time.Time).Before(cutoff) {
				if c.entries.CompareAndDelete(key, v) {
					c.size.Add(-1)
				}
			}
			return true
		})
	}()
}
