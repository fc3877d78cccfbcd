// Package cache provides the LRU cache that holds decoded SSTable blocks.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// Sizer reports the weight of a cached value against the cache capacity.
type Sizer[V any] func(V) int64

type cacheEntry[K comparable, V any] struct {
	key   K
	value V
	size  int64
}

// LRUCache is a weighted least-recently-used cache safe for concurrent use.
// A capacity of zero or less disables caching.
type LRUCache[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int64
	used      int64
	lruList   *list.List
	items     map[K]*list.Element
	sizeOf    Sizer[V]
	onEvicted func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRUCache creates a cache bounded by the total weight reported by sizeOf.
// A nil sizeOf counts every entry as 1.
func NewLRUCache[K comparable, V any](capacity int64, sizeOf Sizer[V], onEvicted func(key K, value V)) *LRUCache[K, V] {
	if sizeOf == nil {
		sizeOf = func(V) int64 { return 1 }
	}
	return &LRUCache[K, V]{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[K]*list.Element),
		sizeOf:    sizeOf,
		onEvicted: onEvicted,
	}
}

func (c *LRUCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}
	if elem, found := c.items[key]; found {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return value, false
}

// Put adds or replaces a value. Values heavier than the whole cache are not stored.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	size := c.sizeOf(value)
	if size > c.capacity {
		return
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry[K, V])
		c.used += size - entry.size
		entry.value = value
		entry.size = size
		c.lruList.MoveToFront(elem)
	} else {
		c.items[key] = c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, size: size})
		c.used += size
	}
	for c.used > c.capacity {
		c.evictOldest()
	}
}

// Remove drops a key if present.
func (c *LRUCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// RemoveIf drops every entry whose key matches pred.
func (c *LRUCache[K, V]) RemoveIf(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, elem := range c.items {
		if pred(key) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Len returns the current number of items in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Used returns the summed weight of cached values.
func (c *LRUCache[K, V]) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Must be called with c.mu held.
func (c *LRUCache[K, V]) evictOldest() {
	if elem := c.lruList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// Must be called with c.mu held.
func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	entry := c.lruList.Remove(elem).(*cacheEntry[K, V])
	delete(c.items, entry.key)
	c.used -= entry.size
	if c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value)
	}
}

// Clear removes all entries from the cache and resets its metrics.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.items {
			entry := elem.Value.(*cacheEntry[K, V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.items = make(map[K]*list.Element)
	c.used = 0
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate. Useful for expvar.Func.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
