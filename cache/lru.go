package cache

import (
	"container/list"
)

// lruOverhead approximates the per-entry bookkeeping cost, charged
// against the capacity on top of the payload size.
const lruOverhead = 64

// EvictCallback is the type of callbacks that are invoked when items
// are evicted.
type EvictCallback func(key string, data []byte)

// SizedLRU is an LRU of byte blobs that keeps its total size below
// maxSize by evicting the least recently used items.
// SizedLRU is not thread-safe.
type SizedLRU struct {
	// Eviction double-linked list. Most recently accessed elements are
	// at the front.
	ll *list.List
	// Map to access the items in O(1) time.
	index       map[string]*list.Element
	currentSize int64
	maxSize     int64
	onEvict     EvictCallback
}

type lruEntry struct {
	key  string
	data []byte
}

func (e *lruEntry) size() int64 {
	return int64(len(e.data)) + lruOverhead
}

// NewSizedLRU returns an empty SizedLRU bounded to maxSize bytes.
func NewSizedLRU(maxSize int64, onEvict EvictCallback) *SizedLRU {
	return &SizedLRU{
		maxSize: maxSize,
		ll:      list.New(),
		index:   make(map[string]*list.Element),
		onEvict: onEvict,
	}
}

// Add stores data under key, evicting older items as necessary. It
// returns false (and stores nothing) when data alone exceeds the
// capacity.
func (c *SizedLRU) Add(key string, data []byte) bool {
	newEntry := &lruEntry{key: key, data: data}
	if newEntry.size() > c.maxSize {
		return false
	}

	var sizeDelta int64
	if ee, ok := c.index[key]; ok {
		c.ll.MoveToFront(ee)
		old := ee.Value.(*lruEntry)
		sizeDelta = newEntry.size() - old.size()
		ee.Value = newEntry
	} else {
		c.index[key] = c.ll.PushFront(newEntry)
		sizeDelta = newEntry.size()
	}

	// Evict even if the key was already present: the replacement value
	// might have pushed the total size over maxSize.
	for c.currentSize+sizeDelta > c.maxSize {
		ele := c.ll.Back()
		if ele == nil {
			break
		}
		c.removeElement(ele)
	}

	c.currentSize += sizeDelta
	return true
}

// Get looks up a key in the cache.
func (c *SizedLRU) Get(key string) ([]byte, bool) {
	if ele, hit := c.index[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*lruEntry).data, true
	}
	return nil, false
}

// Remove drops key from the cache if present.
func (c *SizedLRU) Remove(key string) {
	if ele, hit := c.index[key]; hit {
		c.removeElement(ele)
	}
}

// Clear drops every item without invoking the eviction callback.
func (c *SizedLRU) Clear() {
	c.ll.Init()
	c.index = make(map[string]*list.Element)
	c.currentSize = 0
}

// Len returns the number of items in the cache.
func (c *SizedLRU) Len() int {
	return len(c.index)
}

func (c *SizedLRU) CurrentSize() int64 {
	return c.currentSize
}

func (c *SizedLRU) MaxSize() int64 {
	return c.maxSize
}

func (c *SizedLRU) removeElement(e *list.Element) {
	c.ll.Remove(e)
	kv := e.Value.(*lruEntry)
	delete(c.index, kv.key)
	c.currentSize -= kv.size()

	if c.onEvict != nil {
		c.onEvict(kv.key, kv.data)
	}
}
