package gemini

import (
	"context"
	"sync"
	"time"
)

// Cache maps a content fingerprint to a previously computed full answer.
//
// Invariants:
//   - total entries never exceed capacity after any Put (oldest-inserted
//     entry is evicted first)
//   - an entry older than the TTL is never returned as a hit; Lookup
//     deletes it lazily and Sweep removes the rest periodically
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]cacheEntry
	order    []string // insertion order, oldest first
	hits     uint64
	misses   uint64

	now func() time.Time // injectable for tests
}

type cacheEntry struct {
	text      string
	createdAt time.Time
}

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// NewCache creates a cache with the given capacity and TTL.
func NewCache(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry, capacity),
		now:      time.Now,
	}
}

// Lookup returns the cached text for key if present and not expired.
// An expired entry is deleted instead of returned.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.now().Sub(e.createdAt) < c.ttl {
		c.hits++
		return e.text, true
	}
	if ok {
		c.deleteLocked(key)
	}
	c.misses++
	return "", false
}

// Put stores the fingerprint → text mapping, evicting the oldest-inserted
// entry first when at capacity. Updating an existing key keeps its
// original insertion position.
func (c *Cache) Put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = cacheEntry{text: text, createdAt: c.now()}
		return
	}
	if len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.deleteLocked(c.order[0])
	}
	c.entries[key] = cacheEntry{text: text, createdAt: c.now()}
	c.order = append(c.order, key)
}

// SweepExpired removes all expired entries and returns how many were removed.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			c.deleteLocked(key)
			removed++
		}
	}
	return removed
}

// Sweep runs SweepExpired on the given interval until ctx is done.
// Intended to run on its own goroutine, decoupled from request handling.
func (c *Cache) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// deleteLocked removes key from both the map and the insertion order.
// Caller must hold c.mu.
func (c *Cache) deleteLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
