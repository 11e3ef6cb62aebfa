// Package cache defines the resource cache collaborator interface and a
// small in-process implementation for the embedded mode.
//
// The catalog is the source of truth; a cache layered over it detects
// staleness by comparing its remembered time_updated against the store's,
// never by re-reading full content. The cache is an injected collaborator
// scoped to the serving process, not ambient global state.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is the interface the catalog invalidates through.
type Cache interface {
	Get(key string) (interface{}, bool)
	Put(key string, value interface{})
	Invalidate(key string)
}

// KeyForNode returns the cache key of a node's resolved form.
func KeyForNode(nodeID string) string {
	return "node:" + nodeID
}

// KeyForDataSource returns the cache key of a data source's resolved form.
func KeyForDataSource(dataSourceID string) string {
	return "data_source:" + dataSourceID
}

// Stale reports whether a cached entry observed at cachedAt predates the
// store's current time_updated for the same object.
func Stale(cachedAt, timeUpdated time.Time) bool {
	return cachedAt.Before(timeUpdated)
}

// =============================================================================
// In-Memory Implementation
// =============================================================================

// MemoryCache is a mutex-guarded LRU cache bounded by entry count.
// Safe for concurrent use.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
}

type memoryEntry struct {
	key   string
	value interface{}
}

// NewMemoryCache creates a cache bounded to maxEntries; maxEntries <= 0
// disables storage entirely (every Get misses).
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get returns the cached value for key, if present.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*memoryEntry).value, true
}

// Put stores a value, evicting the least recently used entry when full.
func (c *MemoryCache) Put(key string, value interface{}) {
	if c.maxEntries <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*memoryEntry).value = value
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, value: value})

	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}
}

// Invalidate removes a key.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
