// Package lru implements the capacity-bounded least-recently-used eviction
// strategy used by the local cache adapter.
//
// A map gives O(1) lookup from key to list element; a doubly linked list keeps
// recency order with the most recently used entry at the front. Every key in
// the map has exactly one element in the list and both always have the same
// length.
//
// Cache is not safe for concurrent use. The owning adapter serializes access.
package lru

import (
	"container/list"

	"rbac-cache/internal/common/errors"
)

// EvictReason describes why an entry left the cache through the eviction callback.
type EvictReason string

const (
	// ReasonCapacity means the entry was the least recently used one when an
	// insertion pushed the size above capacity.
	ReasonCapacity EvictReason = "capacity"
)

// EvictFunc is called once for every evicted entry. It must not call back into
// the Cache that evicted the entry.
type EvictFunc[K comparable, V any] func(key K, value V, reason EvictReason)

// Entry is a key/value pair returned by Entries.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// node is the value stored in each list element.
type node[K comparable, V any] struct {
	key   K
	value V
}

// Cache is a generic LRU map.
type Cache[K comparable, V any] struct {
	capacity  int
	items     map[K]*list.Element
	order     *list.List // Front = MRU, Back = LRU
	onEvict   EvictFunc[K, V]
	evictions uint64
}

// New creates a cache holding at most capacity entries. onEvict may be nil.
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	if capacity < 1 {
		return nil, errors.ConfigError("lru capacity must be at least 1").WithContext("capacity", capacity)
	}
	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}, nil
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*node[K, V]).value, true
}

// Peek returns the value for key without changing its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*node[K, V]).value, true
}

// Contains reports whether key is present without changing its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Set inserts or updates key and marks it most recently used. When a new key
// pushes the size above capacity the least recently used entry is evicted and
// reported through the eviction callback. Set returns true if an eviction
// happened.
func (c *Cache[K, V]) Set(key K, value V) bool {
	if el, ok := c.items[key]; ok {
		el.Value.(*node[K, V]).value = value
		c.order.MoveToFront(el)
		return false
	}

	c.items[key] = c.order.PushFront(&node[K, V]{key: key, value: value})

	if c.order.Len() <= c.capacity {
		return false
	}
	c.evictOldest()
	return true
}

// Delete removes key and reports whether it was present. The eviction
// callback is not invoked.
func (c *Cache[K, V]) Delete(key K) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Touch marks key most recently used without reading it.
func (c *Cache[K, V]) Touch(key K) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.MoveToFront(el)
	return true
}

// Clear removes every entry. The eviction counter is preserved.
func (c *Cache[K, V]) Clear() {
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	return c.order.Len()
}

// Cap returns the configured capacity.
func (c *Cache[K, V]) Cap() int {
	return c.capacity
}

// Evictions returns how many entries were evicted for capacity.
func (c *Cache[K, V]) Evictions() uint64 {
	return c.evictions
}

// Keys returns keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*node[K, V]).key)
	}
	return keys
}

// Entries returns entries from most to least recently used.
func (c *Cache[K, V]) Entries() []Entry[K, V] {
	entries := make([]Entry[K, V], 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node[K, V])
		entries = append(entries, Entry[K, V]{Key: n.key, Value: n.value})
	}
	return entries
}

// LeastRecentKey returns the key that would be evicted next.
func (c *Cache[K, V]) LeastRecentKey() (K, bool) {
	el := c.order.Back()
	if el == nil {
		var zero K
		return zero, false
	}
	return el.Value.(*node[K, V]).key, true
}

// MostRecentKey returns the most recently used key.
func (c *Cache[K, V]) MostRecentKey() (K, bool) {
	el := c.order.Front()
	if el == nil {
		var zero K
		return zero, false
	}
	return el.Value.(*node[K, V]).key, true
}

func (c *Cache[K, V]) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	n := c.removeElement(el)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(n.key, n.value, ReasonCapacity)
	}
}

func (c *Cache[K, V]) removeElement(el *list.Element) *node[K, V] {
	n := c.order.Remove(el).(*node[K, V])
	delete(c.items, n.key)
	return n
}
