// Package ledger tracks per-user, per-token balances on the platform.
//
// Each balance has two buckets:
//   - available: spendable, can be locked into escrow
//   - escrowed:  held for an open trade or order
//
// Every mutation is a Posting. A posting expands into one leg per touched
// user; the legs, their entries and their audit rows commit together or not
// at all. Entries are unique on (kind, reference, user), so replaying a
// posting with the same reference is a no-op.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyApplied      = errors.New("posting already applied")
)

// Kind is the type of a posting.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindCredit        Kind = "credit"
	KindDebit         Kind = "debit"
	KindEscrowLock    Kind = "escrow_lock"
	KindEscrowRelease Kind = "escrow_release"
	KindEscrowRefund  Kind = "escrow_refund"
	KindTransfer      Kind = "transfer"
)

// Balance is one user's holdings of one token.
type Balance struct {
	UserID    string          `json:"userId"`
	Token     string          `json:"token"`
	Available decimal.Decimal `json:"available"`
	Escrowed  decimal.Decimal `json:"escrowed"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Total is available + escrowed.
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Escrowed)
}

// Entry is an immutable ledger line for one user.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Token       string          `json:"token"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Posting is one atomic ledger operation.
type Posting struct {
	Kind        Kind
	From        string // user whose funds leave (or are locked)
	To          string // user who receives; deposits and credits only use To
	Token       string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// leg is one user's share of a posting.
type leg struct {
	UserID         string
	EntryType      string
	AvailableDelta decimal.Decimal
	EscrowedDelta  decimal.Decimal
}

// legs expands a posting into per-user balance deltas.
func (p Posting) legs() ([]leg, error) {
	a := p.Amount
	switch p.Kind {
	case KindDeposit, KindCredit:
		return []leg{{UserID: p.To, EntryType: string(p.Kind), AvailableDelta: a, EscrowedDelta: decimal.Zero}}, nil
	case KindDebit:
		return []leg{{UserID: p.From, EntryType: string(p.Kind), AvailableDelta: a.Neg(), EscrowedDelta: decimal.Zero}}, nil
	case KindEscrowLock:
		return []leg{{UserID: p.From, EntryType: string(p.Kind), AvailableDelta: a.Neg(), EscrowedDelta: a}}, nil
	case KindEscrowRefund:
		return []leg{{UserID: p.From, EntryType: string(p.Kind), AvailableDelta: a, EscrowedDelta: a.Neg()}}, nil
	case KindEscrowRelease:
		return []leg{
			{UserID: p.From, EntryType: "escrow_release_out", AvailableDelta: decimal.Zero, EscrowedDelta: a.Neg()},
			{UserID: p.To, EntryType: "escrow_release_in", AvailableDelta: a, EscrowedDelta: decimal.Zero},
		}, nil
	case KindTransfer:
		return []leg{
			{UserID: p.From, EntryType: "transfer_out", AvailableDelta: a.Neg(), EscrowedDelta: decimal.Zero},
			{UserID: p.To, EntryType: "transfer_in", AvailableDelta: a, EscrowedDelta: decimal.Zero},
		}, nil
	default:
		return nil, fmt.Errorf("unknown posting kind %q", p.Kind)
	}
}

// Store persists balances, entries and audit rows.
type Store interface {
	GetBalance(ctx context.Context, userID, token string) (*Balance, error)
	// Post applies every leg of p atomically together with one entry and one
	// audit row per leg. Returns ErrAlreadyApplied when the entries exist and
	// ErrInsufficientBalance when a bucket would go negative.
	Post(ctx context.Context, p Posting, meta AuditMeta) error
	GetHistory(ctx context.Context, userID, token string, limit int) ([]*Entry, error)
	ListBalances(ctx context.Context) ([]*Balance, error)
}

// Ledger manages user balances
type Ledger struct {
	store       Store
	auditLogger AuditLogger // nil = audit queries disabled
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// WithAuditLogger sets the audit log used for queries and for audit rows of
// state changes that move no funds.
func (l *Ledger) WithAuditLogger(a AuditLogger) *Ledger {
	l.auditLogger = a
	return l
}

// RecordAudit writes an audit row outside a posting. A nil audit logger drops it.
func (l *Ledger) RecordAudit(ctx context.Context, e *AuditEntry) error {
	if l.auditLogger == nil {
		return nil
	}
	return l.auditLogger.LogAudit(ctx, e)
}

// GetBalance returns a user's balance for token. Unknown users read as zero.
func (l *Ledger) GetBalance(ctx context.Context, userID, token string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID, normToken(token))
}

// GetAvailableBalance returns the spendable amount.
func (l *Ledger) GetAvailableBalance(ctx context.Context, userID, token string) (decimal.Decimal, error) {
	bal, err := l.GetBalance(ctx, userID, token)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Available, nil
}

// ListBalances returns every stored balance (reconciliation).
func (l *Ledger) ListBalances(ctx context.Context) ([]*Balance, error) {
	return l.store.ListBalances(ctx)
}

// Deposit credits funds that arrived from outside the platform. reference is
// the external deposit id (tx hash, bank reference).
func (l *Ledger) Deposit(ctx context.Context, userID, token string, amount decimal.Decimal, reference string) error {
	return l.post(ctx, Posting{Kind: KindDeposit, To: userID, Token: token, Amount: amount, Reference: reference, Description: "deposit"})
}

// Credit adds to a user's available balance.
func (l *Ledger) Credit(ctx context.Context, userID, token string, amount decimal.Decimal, reference, description string) error {
	return l.post(ctx, Posting{Kind: KindCredit, To: userID, Token: token, Amount: amount, Reference: reference, Description: description})
}

// Debit removes from a user's available balance.
func (l *Ledger) Debit(ctx context.Context, userID, token string, amount decimal.Decimal, reference, description string) error {
	return l.post(ctx, Posting{Kind: KindDebit, From: userID, Token: token, Amount: amount, Reference: reference, Description: description})
}

// EscrowLock moves available -> escrowed for userID.
func (l *Ledger) EscrowLock(ctx context.Context, userID, token string, amount decimal.Decimal, reference string) error {
	return l.post(ctx, Posting{Kind: KindEscrowLock, From: userID, Token: token, Amount: amount, Reference: reference, Description: "escrow_locked"})
}

// EscrowRelease moves from.escrowed -> to.available.
func (l *Ledger) EscrowRelease(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) error {
	return l.post(ctx, Posting{Kind: KindEscrowRelease, From: from, To: to, Token: token, Amount: amount, Reference: reference, Description: "escrow_released"})
}

// EscrowRefund moves escrowed -> available for userID.
func (l *Ledger) EscrowRefund(ctx context.Context, userID, token string, amount decimal.Decimal, reference string) error {
	return l.post(ctx, Posting{Kind: KindEscrowRefund, From: userID, Token: token, Amount: amount, Reference: reference, Description: "escrow_refunded"})
}

// ExecuteTransfer moves available funds between users and returns a
// deterministic transfer hash for the reference.
func (l *Ledger) ExecuteTransfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) (string, error) {
	if from == to {
		return "", fmt.Errorf("%w: transfer to self", apperr.ErrValidation)
	}
	err := l.post(ctx, Posting{Kind: KindTransfer, From: from, To: to, Token: token, Amount: amount, Reference: reference, Description: "transfer"})
	if err != nil {
		return "", err
	}
	return TransferHash(from, reference), nil
}

// GetHistory returns the newest entries for a user, optionally filtered by token.
func (l *Ledger) GetHistory(ctx context.Context, userID, token string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, userID, normToken(token), limit)
}

func (l *Ledger) post(ctx context.Context, p Posting) error {
	p.Token = normToken(p.Token)
	if !p.Amount.IsPositive() || !p.Amount.Equal(money.Token(p.Amount)) {
		return fmt.Errorf("%w: %w: %s", apperr.ErrValidation, ErrInvalidAmount, p.Amount)
	}
	if p.Reference == "" || p.Token == "" {
		return fmt.Errorf("%w: posting needs a token and a reference", apperr.ErrValidation)
	}

	done := observeOp(string(p.Kind))
	defer done()

	err := l.store.Post(ctx, p, metaFromCtx(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyApplied):
		logging.L(ctx).Debug("ledger posting replayed", "kind", p.Kind, "reference", p.Reference)
		return nil
	case errors.Is(err, ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", apperr.ErrInsufficientFunds, err)
	default:
		return err
	}
}

// TransferHash derives the id returned for a ledger transfer.
func TransferHash(from, reference string) string {
	sum := sha256.Sum256([]byte(from + "|" + reference))
	return "ltx_" + hex.EncodeToString(sum[:12])
}

func normToken(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
