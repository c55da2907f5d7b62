// Package cache holds query results in a bounded LRU with a TTL per entry.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/mohans/sqlgate/domain"
)

// Entry is a cached result and its bookkeeping.
type Entry struct {
	Key        string
	Result     *domain.Result
	InsertedAt time.Time
	ExpiresAt  time.Time
	LastAccess time.Time
	Hits       int64
	Size       int // approximate JSON size of Result in bytes
}

func (e *Entry) expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Bytes       int64  `json:"bytes"`
}

// Config configures a Cache.
type Config struct {
	// Capacity is the maximum number of entries. Must be positive.
	Capacity int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Cache is safe for concurrent use. A single mutex guards it: every read
// refreshes recency, so there is no read-only path to share.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	capacity int
	now      func() time.Time
	bytes    int64

	hits, misses, evictions, expirations uint64
}

// New creates a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, domain.InvalidInput("cache capacity must be positive, got %d", cfg.Capacity)
	}
	c := &Cache{capacity: cfg.Capacity, now: cfg.Clock}
	if c.now == nil {
		c.now = time.Now
	}
	l, err := simplelru.NewLRU[string, *Entry](cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs under c.mu for every entry leaving the LRU.
func (c *Cache) onEvict(_ string, e *Entry) {
	c.bytes -= int64(e.Size)
}

// Get returns a copy of the entry for key. Expired entries are removed and
// reported as a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return Entry{}, false
	}
	now := c.now()
	if e.expired(now) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return Entry{}, false
	}
	e.Hits++
	e.LastAccess = now
	c.hits++
	return *e, true
}

// Put stores result under key for ttl. A ttl of zero or less disables
// caching for this entry and Put does nothing.
func (c *Cache) Put(key string, result *domain.Result, ttl time.Duration) {
	if ttl <= 0 || result == nil {
		return
	}
	size := 0
	if b, err := json.Marshal(result); err == nil {
		size = len(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= int64(old.Size)
	} else if c.lru.Len() >= c.capacity {
		c.sweepLocked(now)
	}
	e := &Entry{
		Key:        key,
		Result:     result,
		InsertedAt: now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		Size:       size,
	}
	c.bytes += int64(size)
	if evicted := c.lru.Add(key, e); evicted {
		c.evictions++
	}
}

// Invalidate removes key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache) sweepLocked(now time.Time) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.expired(now) {
			c.lru.Remove(k)
			n++
		}
	}
	c.expirations += uint64(n)
	return n
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Bytes:       c.bytes,
	}
}
