package disputes

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func (m *MemoryStore) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.TradeID]; ok {
		return ErrCaseExists
	}
	m.cases[c.TradeID] = copyCase(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tradeID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[tradeID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return copyCase(c), nil
}

func (m *MemoryStore) AddEvidence(_ context.Context, tradeID string, party Party, evidence string) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[tradeID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if c.Status != StatusOpen {
		return nil, ErrCaseClosed
	}
	if party == PartyBuyer {
		c.BuyerEvidence = append(c.BuyerEvidence, evidence)
	} else {
		c.SellerEvidence = append(c.SellerEvidence, evidence)
	}
	return copyCase(c), nil
}

func (m *MemoryStore) Resolve(_ context.Context, tradeID, moderatorID string, outcome Outcome, notes string) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[tradeID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if c.Status != StatusOpen {
		return nil, ErrCaseClosed
	}
	now := time.Now()
	c.Status = StatusResolved
	c.ModeratorID = moderatorID
	c.Resolution = outcome
	c.Notes = notes
	c.ResolvedAt = &now
	return copyCase(c), nil
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.Status == StatusOpen {
			result = append(result, copyCase(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyCase(c *Case) *Case {
	cp := *c
	cp.BuyerEvidence = slices.Clone(c.BuyerEvidence)
	cp.SellerEvidence = slices.Clone(c.SellerEvidence)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
