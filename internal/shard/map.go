// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package shard provides a sharded map and striped locks so that operations
// on disjoint keys do not contend on a single mutex.
package shard

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is the shard count used when a non-positive count is requested.
const DefaultShards = 32

type bucket[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Map is a concurrent map split into independently locked shards.
//
// All access to a key happens under its shard's lock, so readers never observe
// a value that an Update callback is still producing.
type Map[K comparable, V any] struct {
	seed    maphash.Seed
	buckets []*bucket[K, V]
}

// NewMap creates a map with n shards.
func NewMap[K comparable, V any](n int) *Map[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[K, V]{
		seed:    maphash.MakeSeed(),
		buckets: make([]*bucket[K, V], n),
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket[K, V]{m: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) bucketFor(key K) *bucket[K, V] {
	h := maphash.Comparable(m.seed, key)
	return m.buckets[h%uint64(len(m.buckets))]
}

// Load returns the value stored for key.
func (m *Map[K, V]) Load(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

// View runs fn with the value for key while holding the shard read lock.
func (m *Map[K, V]) View(key K, fn func(v V, ok bool)) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	fn(v, ok)
}

// Update atomically replaces the value for key with the result of fn.
//
// fn receives the current value and whether it exists. It returns the new
// value, whether to keep it (false deletes the key), and an error. When fn
// returns an error the map is left unchanged and the error is returned.
func (m *Map[K, V]) Update(key K, fn func(old V, ok bool) (V, bool, error)) error {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.m[key]
	v, keep, err := fn(old, ok)
	if err != nil {
		return err
	}
	if keep {
		b.m[key] = v
	} else if ok {
		delete(b.m, key)
	}
	return nil
}

// UpdateEach applies fn to every entry, one shard at a time under that
// shard's write lock. Returning keep=false deletes the entry.
func (m *Map[K, V]) UpdateEach(fn func(key K, v V) (V, bool)) {
	for _, b := range m.buckets {
		b.mu.Lock()
		for k, v := range b.m {
			nv, keep := fn(k, v)
			if keep {
				b.m[k] = nv
			} else {
				delete(b.m, k)
			}
		}
		b.mu.Unlock()
	}
}

// Range calls fn for every entry until fn returns false. Each shard is read
// under its own read lock; the walk is not a global snapshot.
func (m *Map[K, V]) Range(fn func(key K, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}
