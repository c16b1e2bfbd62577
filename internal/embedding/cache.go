package embedding

import (
	"container/list"
	"sync"
)

// textCache is an LRU cache for embeddings keyed by input text. It sits below
// the durable id-keyed cache and only saves repeated model invocations for
// identical texts within one process.
type textCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type textCacheEntry struct {
	key   string
	value []float32
}

// newTextCache creates a cache holding up to capacity entries.
func newTextCache(capacity int) *textCache {
	return &textCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// get returns the cached embedding for key if present.
func (c *textCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*textCacheEntry).value, true
	}
	return nil, false
}

// set stores the embedding for key, evicting the oldest entry if at capacity.
func (c *textCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*textCacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&textCacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*textCacheEntry).key)
		}
	}
}
