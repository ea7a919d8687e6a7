// Package syncutil provides bounded per-key locks for in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex serialises work per key using a fixed pool of mutexes.
// Memory stays bounded however many keys are seen; keys that share a shard
// also share a lock. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the lock for key and returns its release function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a ShardedMutex whose waiters give up when their
// context ends. Each shard is a one-slot channel holding a token while the
// shard is free.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns a mutex pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext waits for the lock on key. On success the caller must invoke
// the returned release function exactly once. If ctx ends first the lock is
// not taken and ctx.Err() is returned.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardOf(key)]
	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
