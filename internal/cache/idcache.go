package cache

import (
	"sync"
)

// IDCache is a bounded rolling set of recently seen record IDs. When full,
// the oldest entry is evicted to admit the newest.
type IDCache struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	ring     []string
	pos      int
	capacity int
}

// NewIDCache creates an ID cache holding up to capacity entries
func NewIDCache(capacity int) *IDCache {
	if capacity < 1 {
		capacity = 1
	}
	return &IDCache{
		ids:      make(map[string]struct{}, capacity),
		ring:     make([]string, capacity),
		capacity: capacity,
	}
}

// Seen reports whether id is currently in the cache
func (c *IDCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

// Add inserts id, evicting the oldest entry when full. Returns false if the
// id was already present.
func (c *IDCache) Add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; ok {
		return false
	}

	if evicted := c.ring[c.pos]; evicted != "" {
		delete(c.ids, evicted)
	}
	c.ring[c.pos] = id
	c.pos = (c.pos + 1) % c.capacity
	c.ids[id] = struct{}{}
	return true
}

// Len returns the number of cached IDs
func (c *IDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
