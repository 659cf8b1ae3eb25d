package cortex

import (
	"sync"
	"time"
)

type imageCacheEntry struct {
	value     string
	expiresAt time.Time
}

// ImageCache is an in-memory TTL cache mapping short-lived tokens to
// image attachment URLs. Entries bridge the gap between a /caption
// invocation (which sees the attachment) and the modal submission that
// follows (which does not). Expired entries are removed lazily on read.
type ImageCache struct {
	mu      sync.Mutex
	entries map[string]imageCacheEntry
	ttl     time.Duration
}

// NewImageCache returns an ImageCache whose entries expire after ttl
// unless [ImageCache.Put] is given one of its own.
func NewImageCache(ttl time.Duration) *ImageCache {
	if ttl <= 0 {
		ttl = DefaultImageCacheTTL
	}
	return &ImageCache{
		entries: map[string]imageCacheEntry{},
		ttl:     ttl,
	}
}

// Put stores a value under the given key, resetting its expiry. A
// non-positive ttl falls back to the cache's default.
func (c *ImageCache) Put(key string, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries[key] = imageCacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get returns the value for the given key, if present and unexpired.
// Expired entries are deleted on read.
func (c *ImageCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

// Delete removes the entry for the given key, if present.
func (c *ImageCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, including any not yet reaped.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
