// Package cache provides a small TTL cache with single-flight fetch
// semantics. It shields the upstream quote and rate sources from request
// storms: concurrent callers for one key share a single in-flight fetch,
// and fetch failures are never cached.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a value for a cache key on miss or expiry.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache memoises fetch results by key for a per-call TTL. Entries expire
// purely by age; there is no eviction pressure at this scale. Construct one
// instance at startup and share it by reference.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// GetOrFetch returns the cached value for key when fresh, otherwise invokes
// fetch exactly once across concurrent callers and caches its result for
// ttl. A fetch error is returned to every waiting caller and nothing is
// cached, so the next call retries immediately.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error) {
	if value, ok := c.lookup(key); ok {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		// a racing caller may have completed the fetch while this one
		// was queued on the flight group
		if value, ok := c.lookup(key); ok {
			return value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.Put(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores a value directly, stamping it with ttl. The polling cycle uses
// this to publish fresh results so the pull path never refetches data the
// scheduler just produced.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
}

// Invalidate drops a key immediately.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}
