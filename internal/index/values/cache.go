package values

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// defaultCacheSize bounds the lookup cache when no size is configured.
const defaultCacheSize = 4096

// cacheEntry records what a warm lookup needs: the posting count and the heap
// offset of the first id byte, i.e. just past the length prefix.
type cacheEntry struct {
	key    string
	count  int
	offset int64
}

// lookupCache is a bounded LRU map from key to posting metadata. It carries
// its own lock so that unlocked readers and the mutator monitor can both
// touch it; entries are written through on every mutation of the owning
// index.
type lookupCache struct {
	mu     sync.Mutex
	cap    int
	ll     *list.List
	items  map[string]*list.Element
	hits   atomic.Int64
	misses atomic.Int64
}

func newLookupCache(size int) *lookupCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &lookupCache{
		cap:   size,
		ll:    list.New(),
		items: make(map[string]*list.Element, size),
	}
}

// get returns the cached count and first-id offset for key.
func (c *lookupCache) get(key string) (int, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return 0, 0, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*cacheEntry)
	c.hits.Add(1)
	return e.count, e.offset, true
}

// add inserts or refreshes the entry for key, evicting the least recently
// used entry when the cache is full.
func (c *lookupCache) add(key string, count int, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*cacheEntry)
		e.count, e.offset = count, offset
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.cap {
		if back := c.ll.Back(); back != nil {
			c.ll.Remove(back)
			delete(c.items, back.Value.(*cacheEntry).key)
		}
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, count: count, offset: offset})
}

// remove evicts the entry for key, if present.
func (c *lookupCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// reset drops every entry.
func (c *lookupCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element, c.cap)
}

// stats returns the running hit and miss counters.
func (c *lookupCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
