package trades

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory trade store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = copyTrade(t)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, mutate func(*Trade)) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if !allowed(from, t.Status) {
		return nil, ErrStatusChanged
	}
	next := copyTrade(t)
	stamp(next, to, time.Now())
	if mutate != nil {
		mutate(next)
	}
	m.trades[id] = next
	return copyTrade(next), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, from []Status, mutate func(*Trade)) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if !allowed(from, t.Status) {
		return nil, ErrStatusChanged
	}
	next := copyTrade(t)
	mutate(next)
	next.UpdatedAt = time.Now()
	m.trades[id] = next
	return copyTrade(next), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if sweepable(t) && !t.ExpiresAt.After(now) {
			result = append(result, copyTrade(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountDue(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.trades {
		if sweepable(t) && t.ExpiresAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListUnsettled(_ context.Context, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if unsettled(t) {
			result = append(result, copyTrade(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountUnsettled(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.trades {
		if unsettled(t) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.IsParticipant(userID) {
			result = append(result, copyTrade(t))
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

func (m *MemoryStore) SumValueSince(_ context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, t := range m.trades {
		if t.IsParticipant(userID) && t.Status != StatusCancelled && !t.CreatedAt.Before(since) {
			total = total.Add(t.TotalValue)
		}
	}
	return total, nil
}

func sweepable(t *Trade) bool {
	return !t.Status.IsTerminal() && t.Status != StatusDisputed
}

func unsettled(t *Trade) bool {
	return t.Status == StatusCompleted && !t.CommissionSettled &&
		(t.BuyerCommission.IsPositive() || t.SellerCommission.IsPositive())
}

func copyTrade(t *Trade) *Trade {
	cp := *t
	cp.PaymentMethods = slices.Clone(t.PaymentMethods)
	for _, p := range []**time.Time{
		&cp.PaymentPendingAt, &cp.PaymentMadeAt, &cp.PaymentConfirmedAt,
		&cp.CompletedAt, &cp.CancelledAt, &cp.DisputeOpenedAt, &cp.ResolvedAt,
	} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &cp
}
