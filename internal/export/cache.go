package export

import (
	"sync"
	"time"
)

// ChartCache holds rendered charts for a short period. Stored runs do not
// change once written, so entries only expire to bound memory.
type ChartCache struct {
	mu    sync.RWMutex
	items map[string]cachedChart
	ttl   time.Duration
	now   func() time.Time
}

type cachedChart struct {
	data      []byte
	expiresAt time.Time
}

// NewChartCache creates a chart cache with the given TTL.
func NewChartCache(ttl time.Duration) *ChartCache {
	return &ChartCache{
		items: make(map[string]cachedChart),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the cached chart for key if still valid.
func (c *ChartCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || c.now().After(item.expiresAt) {
		return nil, false
	}
	return item.data, true
}

// Set stores a chart and drops expired entries.
func (c *ChartCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = cachedChart{data: data, expiresAt: now.Add(c.ttl)}
}

// Len returns the number of stored entries, expired or not.
func (c *ChartCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
