package cache

import (
	"sync"
	"time"
)

// Cache holds the rendered lineup JSON with time-based expiration, so the
// frequent media-server polls of /lineup.json do not re-render the document
// from the channel store on every request.
type Cache struct {
	entries  map[string]cacheEntry // rendered lineup JSON, keyed by identifier
	mu       sync.RWMutex          // read-write mutex for concurrent safe access
	duration time.Duration         // expiration duration for each cache entry
}

// cacheEntry represents a single cached document with its creation timestamp.
type cacheEntry struct {
	data      string    // the rendered JSON payload
	timestamp time.Time // when this entry was inserted
}

// NewCache creates a Cache with the specified expiration duration.
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]cacheEntry),
		duration: duration,
	}
}

// GetLineup retrieves rendered lineup JSON from the cache by key. Returns the
// cached string and true only when the key exists and has not expired.
func (c *Cache) GetLineup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Since(entry.timestamp) > c.duration {
		return "", false
	}
	return entry.data, true
}

// SetLineup stores rendered lineup JSON under the given key, stamped with the
// current time for expiration tracking.
func (c *Cache) SetLineup(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		data:      value,
		timestamp: time.Now(),
	}
}

// Invalidate drops all entries immediately, used after a playlist refresh so
// the next lineup request re-renders from the new channel set.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}
