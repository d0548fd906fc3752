package auth

import (
	"context"
	"sync"
	"time"
)

const (
	// lookupCacheTTL is the TTL for cached principal and access key lookups.
	lookupCacheTTL = 60 * time.Second
	// maxCacheEntries is the maximum number of entries in each cache map.
	maxCacheEntries = 1000
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// lookupCache memoizes catalog lookups for a short TTL. Misses (nil values)
// are cached too so unknown keys do not hit the catalog on every request.
type lookupCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	now     func() time.Time
}

func newLookupCache[V any](ttl time.Duration, now func() time.Time) *lookupCache[V] {
	return &lookupCache[V]{entries: make(map[string]cacheEntry[V]), ttl: ttl, now: now}
}

// get returns the cached value for key or calls load and caches its result.
// Errors are not cached.
func (c *lookupCache[V]) get(ctx context.Context, key string, load func(context.Context, string) (V, error)) (V, error) {
	now := c.now()

	c.mu.RLock()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expiresAt) {
		c.mu.RUnlock()
		return entry.value, nil
	}
	c.mu.RUnlock()

	v, err := load(ctx, key)
	if err != nil {
		return v, err
	}

	c.mu.Lock()
	if len(c.entries) >= maxCacheEntries {
		// Simple eviction: clear the whole map when full.
		c.entries = make(map[string]cacheEntry[V])
	}
	c.entries[key] = cacheEntry[V]{value: v, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}
