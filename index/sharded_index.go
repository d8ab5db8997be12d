// Package index implements the Block Cache engine's sharded concurrent
// key-hash index: mutations take the owning shard's write lock, reads
// take its read lock, so reads of one shard run concurrently with each
// other but not with a mutation of that shard.
package index

import (
	"sync"

	"github.com/dolthub/swiss"
)

type shard[V any] struct {
	mu    sync.RWMutex
	table *swiss.Map[uint64, V]
}

// ShardedIndex maps a 64-bit key hash to an arbitrary index entry,
// sharded across shardCount swiss.Map instances to spread lock
// contention, following the teacher's MemIndexShard-over-SwissIndex
// layering.
type ShardedIndex[V any] struct {
	shards []*shard[V]
	mask   uint64
}

// NewShardedIndex builds an index with shardCount shards (rounded up to
// the next power of two) each pre-sized for perShardHint entries.
func NewShardedIndex[V any](shardCount int, perShardHint uint32) *ShardedIndex[V] {
	n := nextPowerOfTwo(shardCount)
	shards := make([]*shard[V], n)
	for i := range shards {
		shards[i] = &shard[V]{table: swiss.NewMap[uint64, V](perShardHint)}
	}
	return &ShardedIndex[V]{shards: shards, mask: uint64(n - 1)}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (idx *ShardedIndex[V]) shardFor(keyHash uint64) *shard[V] {
	return idx.shards[keyHash&idx.mask]
}

// Put inserts or overwrites the entry for keyHash.
func (idx *ShardedIndex[V]) Put(keyHash uint64, entry V) {
	s := idx.shardFor(keyHash)
	s.mu.Lock()
	s.table.Put(keyHash, entry)
	s.mu.Unlock()
}

// Get looks up keyHash without taking a write lock.
func (idx *ShardedIndex[V]) Get(keyHash uint64) (V, bool) {
	s := idx.shardFor(keyHash)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Get(keyHash)
}

// Delete removes keyHash's entry, returning whether it was present.
func (idx *ShardedIndex[V]) Delete(keyHash uint64) bool {
	s := idx.shardFor(keyHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Delete(keyHash)
}

// ForEach visits every entry across all shards; f returning false stops
// the scan early within a shard only (used for metadata snapshotting).
func (idx *ShardedIndex[V]) ForEach(f func(keyHash uint64, entry V) bool) {
	for _, s := range idx.shards {
		s.mu.RLock()
		s.table.Iter(func(k uint64, v V) bool {
			return !f(k, v)
		})
		s.mu.RUnlock()
	}
}

// Clear empties every shard, used on cold start after a failed recovery.
func (idx *ShardedIndex[V]) Clear() {
	for _, s := range idx.shards {
		s.mu.Lock()
		s.table.Clear()
		s.mu.Unlock()
	}
}
