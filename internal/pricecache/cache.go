// Package pricecache stores the most recently observed spot price per mint.
// The cache is capacity-bounded with LRU eviction and applies a TTL at read
// time: an entry past its TTL is reported as a miss even while it is still
// physically present, so callers never act on stale pushed prices without
// opting in via GetStale.
package pricecache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	at    time.Time
	price float64
}

// Cache is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
}

// New creates a cache holding at most capacity entries, treating entries
// older than ttl as misses.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pricecache: capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("pricecache: ttl must be positive, got %s", ttl)
	}
	entries, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("pricecache: %w", err)
	}
	return &Cache{entries: entries, ttl: ttl}, nil
}

// Put records the latest price for a mint. Last write wins; duplicate or
// out-of-order pushes from different endpoints simply overwrite.
func (c *Cache) Put(mint string, price float64) {
	c.entries.Add(mint, entry{at: time.Now(), price: price})
}

// Get returns the cached price if it is younger than the TTL.
func (c *Cache) Get(mint string) (float64, bool) {
	e, ok := c.entries.Get(mint)
	if !ok || time.Since(e.at) >= c.ttl {
		return 0, false
	}
	return e.price, true
}

// GetStale returns the cached price regardless of age, along with the time it
// was recorded. Used by the timeout exit path, which must not block on a
// network round-trip just to price a position it is about to liquidate.
func (c *Cache) GetStale(mint string) (float64, time.Time, bool) {
	e, ok := c.entries.Get(mint)
	if !ok {
		return 0, time.Time{}, false
	}
	return e.price, e.at, true
}

// Remove drops an entry, if present.
func (c *Cache) Remove(mint string) {
	c.entries.Remove(mint)
}

// Len reports the number of physically present entries, stale ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}
