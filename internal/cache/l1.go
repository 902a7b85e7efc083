package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Fixed per-entry bookkeeping estimate used when the caller does not
// supply a size: map bucket, list element, headers.
const entryOverhead = 96

type l1Entry struct {
	value []byte
	size  int64
}

// L1 is the in-process tier: an LRU bounded by both entry count and
// aggregate byte size. All operations are atomic with respect to each
// other; values are returned without copying.
type L1 struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, l1Entry]
	maxBytes int64
	bytes    int64
}

// NewL1 builds an L1 tier holding at most maxEntries entries and
// maxBytes aggregate bytes. Capacities floor at one entry and one byte.
func NewL1(maxEntries int, maxBytes int64) *L1 {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if maxBytes < 1 {
		maxBytes = 1
	}
	c := &L1{maxBytes: maxBytes}
	// NewLRU only errors on a non-positive size, excluded above.
	c.lru, _ = simplelru.NewLRU[string, l1Entry](maxEntries, func(_ string, e l1Entry) {
		c.bytes -= e.size
	})
	return c
}

// Get returns the cached value and marks the entry most recently used.
func (c *L1) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set inserts or replaces an entry, then evicts from the LRU end until
// both the count and the byte budgets hold. size <= 0 means "estimate".
// A value larger than the whole byte budget is not cached at all.
func (c *L1) Set(key string, value []byte, size int64) {
	if size <= 0 {
		size = int64(len(key)+len(value)) + entryOverhead
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	if size > c.maxBytes {
		return
	}
	c.lru.Add(key, l1Entry{value: value, size: size})
	c.bytes += size
	for c.bytes > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// Delete removes an entry if present.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Clear drops every entry.
func (c *L1) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

// Len returns the current entry count.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the current aggregate size estimate.
func (c *L1) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
