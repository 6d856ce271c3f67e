package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/idgen"
)

type balanceKey struct {
	user  string
	token string
}

// MemoryStore implements Store in memory. One mutex covers balances, entries
// and audit rows, so a posting is applied entirely or not at all.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]*Balance
	entries  []*Entry
	applied  map[string]bool // entryType|reference|user
	audit    *MemoryAuditLogger
}

// NewMemoryStore creates an in-memory ledger store. Audit rows go to audit
// when non-nil.
func NewMemoryStore(audit *MemoryAuditLogger) *MemoryStore {
	if audit == nil {
		audit = NewMemoryAuditLogger()
	}
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
		applied:  make(map[string]bool),
		audit:    audit,
	}
}

// Audit exposes the audit log the store writes to.
func (m *MemoryStore) Audit() *MemoryAuditLogger { return m.audit }

func (m *MemoryStore) GetBalance(_ context.Context, userID, token string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey{userID, token}]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, Token: token, Available: decimal.Zero, Escrowed: decimal.Zero}, nil
}

func (m *MemoryStore) Post(ctx context.Context, p Posting, meta AuditMeta) error {
	legs, err := p.legs()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lg := range legs {
		if m.applied[appliedKey(lg.EntryType, p.Reference, lg.UserID)] {
			return ErrAlreadyApplied
		}
	}

	// Compute every new balance before touching any of them.
	type change struct {
		key           balanceKey
		before, after Balance
	}
	changes := make([]change, 0, len(legs))
	pending := make(map[balanceKey]Balance)
	for _, lg := range legs {
		key := balanceKey{lg.UserID, p.Token}
		cur, ok := pending[key]
		if !ok {
			if bal, exists := m.balances[key]; exists {
				cur = *bal
			} else {
				cur = Balance{UserID: lg.UserID, Token: p.Token, Available: decimal.Zero, Escrowed: decimal.Zero}
			}
		}
		next := cur
		next.Available = cur.Available.Add(lg.AvailableDelta)
		next.Escrowed = cur.Escrowed.Add(lg.EscrowedDelta)
		if next.Available.IsNegative() || next.Escrowed.IsNegative() {
			return ErrInsufficientBalance
		}
		pending[key] = next
		changes = append(changes, change{key: key, before: cur, after: next})
	}

	now := time.Now()
	for i, ch := range changes {
		after := ch.after
		after.UpdatedAt = now
		m.balances[ch.key] = &after

		lg := legs[i]
		m.applied[appliedKey(lg.EntryType, p.Reference, lg.UserID)] = true
		m.entries = append(m.entries, &Entry{
			ID:          idgen.WithPrefix(idgen.LedgerEntry),
			UserID:      lg.UserID,
			Token:       p.Token,
			Type:        lg.EntryType,
			Amount:      p.Amount,
			Reference:   p.Reference,
			Description: p.Description,
			CreatedAt:   now,
		})
		_ = m.audit.LogAudit(ctx, &AuditEntry{
			UserID:      lg.UserID,
			Token:       p.Token,
			ActorType:   meta.ActorType,
			ActorID:     meta.ActorID,
			Operation:   lg.EntryType,
			Amount:      p.Amount.String(),
			Reference:   p.Reference,
			BeforeState: balanceSnapshot(ch.before.Available, ch.before.Escrowed),
			AfterState:  balanceSnapshot(ch.after.Available, ch.after.Escrowed),
			RequestID:   meta.RequestID,
			IPAddress:   meta.IPAddress,
			Description: p.Description,
			CreatedAt:   now,
		})
	}
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, userID, token string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID || (token != "" && e.Token != token) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListBalances(_ context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Balance, 0, len(m.balances))
	for _, b := range m.balances {
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].Token < result[j].Token
	})
	return result, nil
}

func appliedKey(entryType, reference, user string) string {
	return entryType + "|" + reference + "|" + user
}
