// Package xmap implements a striped concurrent map: an array of
// independently-locked shards used for cross-goroutine entity lookup
// (Guid -> owning cell, Guid -> last-known snapshot, and similar global
// indices). Striping keeps writer contention local to one shard, so the
// map scales with cores instead of serializing on a single lock.
package xmap

import (
	"sync"

	"github.com/aistore-labs/worldcore/cmn/cos"
)

// DefaultNumShards is the shard count used when Config.NumShards is zero.
const DefaultNumShards = 64

// cacheLinePad absorbs the rest of a 64-byte cache line after a shard's
// mutex + map header, so adjacent shards never false-share.
type cacheLinePad [32]byte

// shard is one independently-locked segment of the map.
type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
	_  cacheLinePad
}

// Map is a hash map sharded into NumShards independently-locked segments.
// Shard selection is hash(key) & (N-1); N must be a power of two.
//
// ForEach and Snapshot are NOT atomic global snapshots: they iterate
// shard-by-shard under each shard's reader lock, so a concurrent writer
// to a shard not yet visited may or may not be observed. This weak
// consistency is deliberate — sufficient for "all currently-known
// players" style use — and is exercised by TestForEachWeakConsistency.
type Map[K comparable, V any] struct {
	shards []*shard[K, V]
	mask   uint64
	hash   func(K) uint64
}

// New creates a striped map with numShards segments (rounded up to the
// next power of two, minimum 1) using hashFn to place keys.
func New[K comparable, V any](numShards int, hashFn func(K) uint64) *Map[K, V] {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	numShards = cos.CeilPowerOfTwo(numShards)
	m := &Map[K, V]{
		shards: make([]*shard[K, V], numShards),
		mask:   uint64(numShards - 1),
		hash:   hashFn,
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return m
}

// NewString builds a striped map keyed by string, hashed with xxhash.
func NewString[V any](numShards int) *Map[string, V] {
	return New[string, V](numShards, cos.HashString)
}

// NewUint64 builds a striped map keyed by uint64 (e.g. Guid), hashed with
// xxhash.
func NewUint64[V any](numShards int) *Map[uint64, V] {
	return New[uint64, V](numShards, cos.HashUint64)
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return m.shards[m.hash(key)&m.mask]
}

// Insert adds key/value only if key is absent; returns false if it was
// already present (value left untouched).
func (m *Map[K, V]) Insert(key K, val V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = val
	return true
}

// InsertOrAssign sets key to val regardless of prior presence; returns
// true if the key already existed (and was overwritten).
func (m *Map[K, V]) InsertOrAssign(key K, val V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.m[key]
	s.m[key] = val
	return existed
}

// Remove deletes key, reporting whether it was present.
func (m *Map[K, V]) Remove(key K) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; !ok {
		return false
	}
	delete(s.m, key)
	return true
}

// Find returns a copy of the value stored for key, or the zero value and
// false if absent. The returned value is always a copy, never a borrow
// into shard-internal storage.
func (m *Map[K, V]) Find(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Find(key)
	return ok
}

// Update atomically re-finds key under the shard's writer lock and
// applies fn to the in-place value, storing fn's result back. Returns
// false if key is absent (fn is not invoked).
func (m *Map[K, V]) Update(key K, fn func(V) V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return false
	}
	s.m[key] = fn(v)
	return true
}

// GetOrInsert returns the current value for key, inserting def if absent.
// The second return is true when def was the one inserted.
func (m *Map[K, V]) GetOrInsert(key K, def V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, false
	}
	s.m[key] = def
	return def, true
}

// ForEach invokes fn for every key/value pair, shard by shard, each under
// that shard's reader lock. See the weak-consistency caveat on Map.
func (m *Map[K, V]) ForEach(fn func(K, V)) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.m {
			fn(k, v)
		}
		s.mu.RUnlock()
	}
}

// Size returns the sum of shard sizes. At quiescence (no concurrent
// writers) this equals the true cardinality; under concurrent writes it
// is a point-in-time estimate, same caveat as ForEach.
func (m *Map[K, V]) Size() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Empty reports whether Size() == 0.
func (m *Map[K, V]) Empty() bool { return m.Size() == 0 }

// Clear removes all entries from every shard.
func (m *Map[K, V]) Clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.m = make(map[K]V)
		s.mu.Unlock()
	}
}

// Pair is one key/value pair returned by Snapshot.
type Pair[K comparable, V any] struct {
	Key K
	Val V
}

// Snapshot returns a point-in-time vector of all pairs, shard by shard
// under reader locks (same weak-consistency caveat as ForEach).
func (m *Map[K, V]) Snapshot() []Pair[K, V] {
	out := make([]Pair[K, V], 0, m.Size())
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.m {
			out = append(out, Pair[K, V]{Key: k, Val: v})
		}
		s.mu.RUnlock()
	}
	return out
}

// NumShards reports the shard count.
func (m *Map[K, V]) NumShards() int { return len(m.shards) }
