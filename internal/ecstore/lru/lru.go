// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package lru provides typed bounded containers with least recently used
// eviction on top of ecache2. Each container is a single ecache2 bucket
// without expiration, so the eviction order is exact LRU over the whole
// container. Recency is updated on every successful lookup, not only on
// insertion.
package lru

import (
	"math"

	"github.com/orca-zhang/ecache2"
)

// Cache is a fixed capacity map. When an insertion exceeds the capacity, the
// entry which was accessed least recently is dropped.
type Cache[K ecache2.Hashable, V any] struct {
	items    *ecache2.Cache[K]
	capacity int
}

// Returns empty cache holding at most capacity entries. Capacity is clamped
// to [1; 65535], the range of one ecache2 bucket.
func New[K ecache2.Hashable, V any](capacity int) *Cache[K, V] {
	capacity = min(max(capacity, 1), math.MaxUint16)

	return &Cache[K, V]{
		items:    ecache2.NewLRUCache[K](1, uint16(capacity)),
		capacity: capacity,
	}
}

// Registers callback invoked for every entry dropped because of the capacity.
// Removed and cleared entries are not reported.
func (c *Cache[K, V]) OnEvict(f func(K, V)) {
	c.items.Inspect(func(action int, key K, iface *interface{}, _ []byte, status int) {
		if action != ecache2.PUT || status >= 0 {
			return
		}

		var v V
		if iface != nil {
			v, _ = (*iface).(V)
		}
		f(key, v)
	})
}

// Get returns the value and refreshes its recency.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	raw, ok := c.items.Get(key)
	if !ok {
		var zero V
		return zero, false
	}

	v, ok := raw.(V)

	return v, ok
}

// Contains reports presence of the key without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	found := false
	c.items.Walk(func(k K, _ *interface{}, _ []byte, _ int64) bool {
		found = k == key
		return !found
	})

	return found
}

// Put inserts or replaces the value and marks it as the most recently used.
func (c *Cache[K, V]) Put(key K, value V) {
	c.items.Put(key, value)
}

// Remove deletes the key. Returns whether it was present.
func (c *Cache[K, V]) Remove(key K) bool {
	ok := c.Contains(key)
	if ok {
		c.items.Del(key)
	}

	return ok
}

// Keys returns keys ordered from the most recently used to the least.
func (c *Cache[K, V]) Keys() []K {
	var keys []K
	c.items.Walk(func(k K, _ *interface{}, _ []byte, _ int64) bool {
		keys = append(keys, k)
		return true
	})

	return keys
}

func (c *Cache[K, V]) Len() int {
	return len(c.Keys())
}

func (c *Cache[K, V]) Cap() int {
	return c.capacity
}

// Clear drops all entries without calling the eviction callback.
func (c *Cache[K, V]) Clear() {
	// Walk holds the bucket lock, Del takes it again.
	for _, k := range c.Keys() {
		c.items.Del(k)
	}
}

// Set is a bounded membership set with the same eviction policy as Cache.
type Set[K ecache2.Hashable] struct {
	cache *Cache[K, struct{}]
}

func NewSet[K ecache2.Hashable](capacity int) *Set[K] {
	return &Set[K]{cache: New[K, struct{}](capacity)}
}

// Contains reports membership and refreshes recency of the member.
func (s *Set[K]) Contains(key K) bool {
	_, ok := s.cache.Get(key)
	return ok
}

func (s *Set[K]) Add(key K) {
	s.cache.Put(key, struct{}{})
}

func (s *Set[K]) Remove(key K) bool {
	return s.cache.Remove(key)
}

func (s *Set[K]) Len() int {
	return s.cache.Len()
}

func (s *Set[K]) Clear() {
	s.cache.Clear()
}
