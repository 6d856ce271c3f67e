package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, mutate func(*Record)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.Status != StatusLocked {
		return nil, ErrNotLocked
	}
	next := copyRecord(r)
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	if next.CompletedAt == nil {
		now := time.Now()
		next.CompletedAt = &now
	}
	m.records[id] = next
	return copyRecord(next), nil
}

func (m *MemoryStore) Split(_ context.Context, parentID string, first, second *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.records[parentID]
	if !ok {
		return ErrRecordNotFound
	}
	if parent.Status != StatusLocked {
		return ErrNotLocked
	}
	now := time.Now()
	parent.Status = StatusSplit
	parent.CompletedAt = &now
	for _, child := range []*Record{first, second} {
		cp := *child
		m.records[child.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) LinkTrade(_ context.Context, id, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if r.Status != StatusLocked {
		return ErrNotLocked
	}
	if r.TradeID != "" && r.TradeID != tradeID {
		return ErrAlreadyLinked
	}
	r.TradeID = tradeID
	return nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			result = append(result, copyRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListLocked(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.Status == StatusLocked {
			result = append(result, copyRecord(r))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.ParentID == parentID {
			result = append(result, copyRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
