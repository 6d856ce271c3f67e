// Package syncutil provides per-key locking for orders, trades and escrow
// records without a global lock.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes selected by
// key hash. Waiters give up when their context ends. Memory stays bounded no
// matter how many keys are seen; keys sharing a shard serialise.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates a pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the mutex for key. The returned unlock func must be
// called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.acquire(ctx, shardOf(key))
}

// LockPair acquires the mutexes for two keys in shard order, so two callers
// locking the same pair in opposite argument order cannot deadlock. Keys on
// the same shard take the shard once.
func (m *ContextShardedMutex) LockPair(ctx context.Context, a, b string) (func(), error) {
	first, second := shardOf(a), shardOf(b)
	if first == second {
		return m.acquire(ctx, first)
	}
	if second < first {
		first, second = second, first
	}

	unlockFirst, err := m.acquire(ctx, first)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := m.acquire(ctx, second)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}

func (m *ContextShardedMutex) acquire(ctx context.Context, idx uint32) (func(), error) {
	ch := m.shards[idx]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
