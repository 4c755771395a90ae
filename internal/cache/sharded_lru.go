package cache

import (
	"hash/maphash"
	"time"
)

const defaultShards = 16

// Cache is satisfied by LRU and ShardedLRU.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
	Delete(key K)
	Purge()
	Len() int
}

var (
	_ Cache[string, int] = (*LRU[string, int])(nil)
	_ Cache[string, int] = (*ShardedLRU[int])(nil)
)

// ShardedLRU is a string-keyed LRU split into independently locked shards.
// Capacity is divided evenly, so eviction order is only per shard.
type ShardedLRU[V any] struct {
	seed   maphash.Seed
	shards []*LRU[string, V]
}

// NewShardedLRU uses shards when positive and a default count otherwise.
func NewShardedLRU[V any](capacity int, ttl time.Duration, shards int) *ShardedLRU[V] {
	if shards <= 0 {
		shards = defaultShards
	}
	per := max(capacity/shards, 1)
	s := &ShardedLRU[V]{seed: maphash.MakeSeed(), shards: make([]*LRU[string, V], shards)}
	for i := range s.shards {
		s.shards[i] = NewLRU[string, V](per, ttl)
	}
	return s
}

func (s *ShardedLRU[V]) pick(key string) *LRU[string, V] {
	return s.shards[maphash.String(s.seed, key)%uint64(len(s.shards))]
}

func (s *ShardedLRU[V]) Get(key string) (V, bool) { return s.pick(key).Get(key) }

func (s *ShardedLRU[V]) Put(key string, value V) { s.pick(key).Put(key, value) }

func (s *ShardedLRU[V]) Delete(key string) { s.pick(key).Delete(key) }

func (s *ShardedLRU[V]) Purge() {
	for _, sh := range s.shards {
		sh.Purge()
	}
}

func (s *ShardedLRU[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.Len()
	}
	return n
}
