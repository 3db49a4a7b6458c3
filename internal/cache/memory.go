package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process StatusCache with the same expiry
// semantics as the Redis mirror. Used in tests and single-node runs
// without Redis.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Put(_ context.Context, jobID string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = memoryEntry{entry: entry, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, jobID string) (*Entry, error) {
	c.mu.RLock()
	me, ok := c.entries[jobID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !time.Now().After(me.expiresAt) {
		entry := me.entry
		return &entry, nil
	}

	// Re-check under the write lock: a Put may have refreshed the
	// entry since the read, and a fresh entry must not be dropped.
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.entries[jobID]
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(cur.expiresAt) {
		delete(c.entries, jobID)
		return nil, ErrCacheMiss
	}
	entry := cur.entry
	return &entry, nil
}

func (c *MemoryCache) Delete(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
	return nil
}
