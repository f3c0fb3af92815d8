package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	decision  Decision
	expiresAt time.Time
}

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory returns the process-local cache. A non-positive ttl keeps entries
// until the process exits; growth is unbounded in that mode.
func NewMemory(ttl time.Duration) DecisionCache {
	return &memoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Lookup(_ context.Context, host string) (Decision, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if c.expired(entry) {
		c.mu.Lock()
		// Re-check under the write lock so a concurrent Record is not discarded.
		if current, ok := c.entries[host]; ok && c.expired(current) {
			delete(c.entries, host)
		}
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.decision, true, nil
}

func (c *memoryCache) Record(_ context.Context, host string, decision Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("cache: record %q: unknown decision %q", host, decision)
	}
	entry := memoryEntry{decision: decision}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[host] = entry
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Snapshot(_ context.Context) (map[string]Decision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Decision, len(c.entries))
	for host, entry := range c.entries {
		if c.expired(entry) {
			continue
		}
		out[host] = entry.decision
	}
	return out, nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt)
}
