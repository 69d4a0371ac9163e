// Package cache provides a size-bounded LRU used for sstable records.
package cache

import (
	"sync"
	"sync/atomic"
)

// LRU evicts the least recently used entries once the summed weight of its
// entries exceeds the capacity. It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
	weight   func(V) uint64
	items    map[K]*entry[K, V]
	head     *entry[K, V]
	tail     *entry[K, V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	weight uint64
	prev   *entry[K, V]
	next   *entry[K, V]
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Entries int    `json:"entries"`
	Bytes   uint64 `json:"bytes"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func New[K comparable, V any](capacity uint64, weight func(V) uint64) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		weight:   weight,
		items:    make(map[K]*entry[K, V]),
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	c.moveToHead(e)
	return e.value, true
}

// Add inserts or replaces key. A value heavier than the whole cache is not
// stored.
func (c *LRU[K, V]) Add(key K, value V) {
	w := c.weight(value)
	if w > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.used = c.used - e.weight + w
		e.value, e.weight = value, w
		c.moveToHead(e)
	} else {
		e := &entry[K, V]{key: key, value: value, weight: w}
		c.addToHead(e)
		c.items[key] = e
		c.used += w
	}

	for c.used > c.capacity {
		c.removeEntry(c.tail)
	}
}

// RemoveFunc drops every entry whose key matches.
func (c *LRU[K, V]) RemoveFunc(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.head; e != nil; {
		next := e.next
		if match(e.key) {
			c.removeEntry(e)
		}
		e = next
	}
}

func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries: len(c.items),
		Bytes:   c.used,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func (c *LRU[K, V]) moveToHead(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToHead(e)
}

func (c *LRU[K, V]) addToHead(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LRU[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *LRU[K, V]) removeEntry(e *entry[K, V]) {
	c.unlink(e)
	delete(c.items, e.key)
	c.used -= e.weight
}
