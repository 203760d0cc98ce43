// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shard

import (
	"hash/maphash"
	"sync"
)

// Stripes is a fixed set of RW mutexes selected by key hash. Two keys that
// hash to the same stripe serialize; distinct stripes never contend.
type Stripes[K comparable] struct {
	seed  maphash.Seed
	locks []sync.RWMutex
}

// NewStripes creates n striped locks.
func NewStripes[K comparable](n int) *Stripes[K] {
	if n <= 0 {
		n = DefaultShards
	}
	return &Stripes[K]{
		seed:  maphash.MakeSeed(),
		locks: make([]sync.RWMutex, n),
	}
}

// For returns the lock guarding key.
func (s *Stripes[K]) For(key K) *sync.RWMutex {
	h := maphash.Comparable(s.seed, key)
	return &s.locks[h%uint64(len(s.locks))]
}
