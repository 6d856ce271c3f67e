package orders

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListOpen(_ context.Context, token string) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.IsOpen() && (token == "" || o.Token == token) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.OwnerID == ownerID {
			result = append(result, copyOrder(o))
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

func (m *MemoryStore) Consume(_ context.Context, fills ...Fill) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every fill before touching any order.
	next := make(map[string]*Order, len(fills))
	for _, f := range fills {
		o, ok := next[f.OrderID]
		if !ok {
			stored, found := m.orders[f.OrderID]
			if !found {
				return nil, ErrOrderNotFound
			}
			o = copyOrder(stored)
			next[f.OrderID] = o
		}
		if !o.IsOpen() || o.RemainingAmount.LessThan(f.Amount) {
			return nil, ErrCapacity
		}
		applyFill(o, f.Amount, time.Now())
	}

	result := make([]*Order, 0, len(fills))
	for _, f := range fills {
		m.orders[f.OrderID] = next[f.OrderID]
		result = append(result, copyOrder(next[f.OrderID]))
	}
	return result, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !o.IsOpen() {
		return nil, ErrNotOpen
	}
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now()
	return copyOrder(o), nil
}

func (m *MemoryStore) SetEscrowRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.EscrowRef = ref
	return nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.PaymentMethods = slices.Clone(o.PaymentMethods)
	return &cp
}
