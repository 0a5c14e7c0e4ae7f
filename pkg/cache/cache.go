// Package cache provides the cache contract consumed by polystore and a
// caching decorator for repositories with pluggable population strategies
// and invalidation policies.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache is the backend contract the decorator consumes: byte-valued get, set
// with TTL, and delete. Implementations live outside the core (Redis,
// memcached); MemoryCache is the in-process reference implementation.
type Cache interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL; zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// PatternDeleter is implemented by backends that can delete by key pattern
// ("prefix*"). Backends without it only get local query-cache clearing on
// InvalidateAll.
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// memoryEntry is one stored value with its expiry.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with TTL expiry and pattern deletes.
// Safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get returns the cached value and whether the key was present and fresh.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores a value with the given TTL; zero means no expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// Delete removes a key.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeletePattern removes every key matching the pattern. Only a trailing "*"
// wildcard is supported, matching the common backend capability.
func (c *MemoryCache) DeletePattern(_ context.Context, pattern string) (int, error) {
	prefix := strings.TrimSuffix(pattern, "*")

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, counting expired ones that have
// not been touched yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
