package currency

import (
	"sync"
	"time"
)

// Cache is a process-wide, read-mostly rate cache with per-entry freshness.
// It is refreshed by whichever caller first observes staleness; concurrent
// refreshes are last-writer-wins, which is acceptable for rate data.
type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	entries map[string]Rate
}

// NewCache constructs a cache whose entries are considered fresh for ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Rate),
	}
}

func pairKey(from, to string) string {
	return Normalize(from) + "/" + Normalize(to)
}

// Get returns a fresh rate for the pair, consulting the direct entry first
// and the inverted opposite-direction entry second.
func (c *Cache) Get(from, to string) (Rate, bool) {
	if c == nil {
		return Rate{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rate, ok := c.entries[pairKey(from, to)]; ok && c.fresh(rate) {
		return rate, true
	}
	if rate, ok := c.entries[pairKey(to, from)]; ok && c.fresh(rate) && !rate.InverseRate.IsZero() {
		return rate.Inverted(), true
	}
	return Rate{}, false
}

// Put stores the rate under its ordered pair.
func (c *Cache) Put(rate Rate) {
	if c == nil {
		return
	}
	if rate.FetchedAt.IsZero() {
		rate.FetchedAt = c.now()
	}
	c.mu.Lock()
	c.entries[pairKey(rate.From, rate.To)] = rate
	c.mu.Unlock()
}

func (c *Cache) fresh(rate Rate) bool {
	return c.now().Sub(rate.FetchedAt) < c.ttl
}
