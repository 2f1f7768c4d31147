package politeness

import (
	"container/list"
	"net/http"
	"sync"
)

// CacheEntry is a prior response retained for conditional revalidation.
// At least one validator (ETag or LastModified) is always present.
type CacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
	ContentType  string
	Header       http.Header
}

type cacheItem struct {
	url   string
	entry CacheEntry
}

// ConditionalCache is a bounded least-recently-used store of response bodies
// keyed by URL. Capacity 0 disables caching entirely. Get and Put are O(1).
type ConditionalCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

// NewConditionalCache builds a cache holding at most capacity entries.
func NewConditionalCache(capacity int) *ConditionalCache {
	if capacity < 0 {
		capacity = 0
	}
	return &ConditionalCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Enabled reports whether the cache can hold anything at all.
func (c *ConditionalCache) Enabled() bool {
	return c.capacity > 0
}

// Get returns the entry for url, marking it most recently used.
func (c *ConditionalCache) Get(url string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[url]
	if !ok {
		return CacheEntry{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheItem).entry, true
}

// Put stores or refreshes the entry for url at the most-recently-used
// position, evicting the least-recently-used entry when over capacity.
// Entries without a validator are ignored.
func (c *ConditionalCache) Put(url string, entry CacheEntry) {
	if c.capacity == 0 {
		return
	}
	if entry.ETag == "" && entry.LastModified == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[url]; ok {
		elem.Value.(*cacheItem).entry = entry
		c.order.MoveToFront(elem)
		return
	}
	c.items[url] = c.order.PushFront(&cacheItem{url: url, entry: entry})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).url)
	}
}

// Len returns the number of cached entries.
func (c *ConditionalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
