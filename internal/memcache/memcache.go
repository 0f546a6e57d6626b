package memcache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
)

// Cache is a thread-safe LRU mapping path keys to thumbnail bytes.
//
// Reads that must not contend with writers (the image-serving hot path) use
// Peek, which takes only the read lock and leaves recency untouched. Get
// updates recency and therefore takes the write lock, matching how the
// underlying LRU mutates its internal list on access.
type Cache struct {
	mu    sync.RWMutex
	lru   *simplelru.LRU[string, []byte]
	bytes atomic.Int64
}

// CleanupStats reports what a cleanup pass evicted.
type CleanupStats struct {
	EvictedEntries int
	EvictedBytes   int64
}

// New creates a cache holding at most capacity entries. The byte budget is
// enforced separately through Cleanup.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{}
	lru, err := simplelru.NewLRU(capacity, func(key string, value []byte) {
		c.bytes.Add(-int64(len(value)))
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		// simplelru only errors on capacity < 1, which is guarded above.
		panic(err)
	}
	c.lru = lru
	return c
}

// Peek returns a copy of the bytes for key without updating recency.
func (c *Cache) Peek(key string) ([]byte, bool) {
	c.mu.RLock()
	blob, ok := c.lru.Peek(key)
	c.mu.RUnlock()
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("peek").Inc()
	return cloneBytes(blob), true
}

// Get returns a copy of the bytes for key and marks it most recently used.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	blob, ok := c.lru.Get(key)
	c.mu.Unlock()
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("get").Inc()
	return cloneBytes(blob), true
}

// Contains reports whether key is resident, without updating recency.
func (c *Cache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Contains(key)
}

// Put inserts or replaces the entry for key, evicting the least recently
// used entry if the capacity is exceeded.
func (c *Cache) Put(key string, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(key); ok {
		c.bytes.Add(-int64(len(old)))
	}
	c.bytes.Add(int64(len(blob)))
	c.lru.Add(key, blob)
	c.publishGauges()
}

// PutIfAbsent inserts only when key is not already resident. Used by
// read-through paths so a racing generation result is not clobbered.
func (c *Cache) PutIfAbsent(key string, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(key) {
		return
	}
	c.bytes.Add(int64(len(blob)))
	c.lru.Add(key, blob)
	c.publishGauges()
}

// Remove drops the entry for key if present. The byte ledger is adjusted
// by the eviction callback, which fires for explicit removes too.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.lru.Remove(key)
	if removed {
		c.publishGauges()
	}
	return removed
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Bytes returns the total resident bytes.
func (c *Cache) Bytes() int64 {
	return c.bytes.Load()
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes.Store(0)
	c.publishGauges()
}

// Cleanup enforces the byte budget in two phases. Phase 1 sizes the problem
// under the cheap atomic read: if resident bytes are below
// maxBytes*thresholdPercent/100 nothing happens. Phase 2 takes the write
// lock, re-verifies, drops dropPercent of the entries oldest-first, then
// keeps evicting until resident bytes fall under maxBytes.
func (c *Cache) Cleanup(maxBytes int64, thresholdPercent, dropPercent int) CleanupStats {
	if thresholdPercent < 1 {
		thresholdPercent = 1
	}
	if dropPercent < 1 {
		dropPercent = 1
	}

	// Phase 1: size the eviction without blocking readers.
	threshold := maxBytes * int64(thresholdPercent) / 100
	if c.bytes.Load() < threshold {
		return CleanupStats{}
	}

	// Phase 2: evict under the write lock, re-verifying the condition.
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats CleanupStats
	if c.bytes.Load() < threshold {
		return stats
	}

	dropCount := c.lru.Len() * dropPercent / 100
	if dropCount == 0 {
		dropCount = 1
	}
	for i := 0; i < dropCount; i++ {
		_, blob, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		stats.EvictedEntries++
		stats.EvictedBytes += int64(len(blob))
	}
	for c.bytes.Load() > maxBytes && c.lru.Len() > 0 {
		_, blob, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		stats.EvictedEntries++
		stats.EvictedBytes += int64(len(blob))
	}

	c.publishGauges()
	if stats.EvictedEntries > 0 {
		logging.Debug("memcache: cleanup evicted %d entries (%d bytes), %d entries resident",
			stats.EvictedEntries, stats.EvictedBytes, c.lru.Len())
	}
	return stats
}

// publishGauges must be called with the write lock held.
func (c *Cache) publishGauges() {
	metrics.CacheEntries.Set(float64(c.lru.Len()))
	metrics.CacheBytes.Set(float64(c.bytes.Load()))
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
