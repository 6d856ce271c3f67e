package participants

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory profile store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	cp.Blocked = slices.Clone(p.Blocked)
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	cp.Blocked = slices.Clone(p.Blocked)
	m.profiles[p.UserID] = &cp
	return nil
}
