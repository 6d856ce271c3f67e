package bookcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBackend keeps snapshots in process.
type MemoryBackend struct {
	mu    sync.RWMutex
	books map[string]*Snapshot
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{books: make(map[string]*Snapshot)}
}

func (m *MemoryBackend) Set(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[s.Token] = copySnapshot(s)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, token string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.books[token]
	if !ok {
		return nil, ErrMiss
	}
	return copySnapshot(s), nil
}

func (m *MemoryBackend) Invalidate(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, token)
	return nil
}

func copySnapshot(s *Snapshot) *Snapshot {
	cp := *s
	cp.Bids = append([]Level(nil), s.Bids...)
	cp.Asks = append([]Level(nil), s.Asks...)
	return &cp
}

// RedisBackend shares snapshots between instances through redis. Entries
// expire after ttl so a missed invalidation heals itself.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a redis backend on client.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisBackend{client: client, ttl: ttl}
}

func key(token string) string { return "orderbook:" + token }

func (r *RedisBackend) Set(ctx context.Context, s *Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key(s.Token), b, r.ttl).Err()
}

func (r *RedisBackend) Get(ctx context.Context, token string) (*Snapshot, error) {
	b, err := r.client.Get(ctx, key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisBackend) Invalidate(ctx context.Context, token string) error {
	return r.client.Del(ctx, key(token)).Err()
}
