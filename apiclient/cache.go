package apiclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// CacheEntry is one cached response body.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       time.Duration   `json:"ttl"`
}

// Valid reports whether the entry is still live at now.
// Expired entries are treated as absent; nothing purges them eagerly.
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Sub(e.Timestamp) < e.TTL
}

// CacheEngine stores response entries for one client.
type CacheEngine interface {
	// Get returns the entry for key or ErrCacheMiss.
	Get(ctx context.Context, key string) (CacheEntry, error)

	// Set stores the entry under key, replacing any previous value.
	Set(ctx context.Context, key string, entry CacheEntry) error

	// Flush removes every entry owned by this engine.
	Flush(ctx context.Context) error
}

// MemoryCache implements CacheEngine using an in-process map.
type MemoryCache struct {
	items map[string]CacheEntry
	mutex sync.RWMutex
}

// NewMemoryCache creates an empty memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]CacheEntry),
	}
}

// Get retrieves an entry from the cache
func (c *MemoryCache) Get(_ context.Context, key string) (CacheEntry, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, found := c.items[key]
	if !found {
		return CacheEntry{}, ErrCacheMiss
	}
	return entry, nil
}

// Set stores an entry in the cache
func (c *MemoryCache) Set(_ context.Context, key string, entry CacheEntry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = entry
	return nil
}

// Flush removes all entries from the cache
func (c *MemoryCache) Flush(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]CacheEntry)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}
