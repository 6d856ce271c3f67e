// Package escrow holds seller tokens for the lifetime of a trade.
//
// Flow:
//  1. Lock: owner available → escrowed (ledger), or tokens into the escrow contract
//  2. Release: owner escrowed → counterparty available
//  3. Refund: owner escrowed → owner available
//  4. Split: a locked record becomes two locked children, no funds move
//
// A record leaves StatusLocked exactly once. The store enforces this with a
// compare-and-set, so concurrent release/refund attempts settle at most once.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
)

var (
	ErrRecordNotFound = fmt.Errorf("escrow record %w", apperr.ErrNotFound)
	ErrNotLocked      = fmt.Errorf("%w: escrow record is not locked", apperr.ErrInvalidTransition)
	ErrAlreadyLinked  = fmt.Errorf("%w: escrow record is linked to another trade", apperr.ErrInvalidTransition)
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusLocked   Status = "locked"   // Funds held
	StatusReleased Status = "released" // Paid out to the counterparty
	StatusRefunded Status = "refunded" // Returned to the owner
	StatusSplit    Status = "split"    // Re-partitioned into two child records
)

// BackingKind says where the locked tokens are held.
type BackingKind string

const (
	BackingDatabase BackingKind = "database"
	BackingOnChain  BackingKind = "onchain"
)

// Backing is resolved once at lock time and never changes.
type Backing struct {
	Kind             BackingKind `json:"kind"`
	ContractEscrowID string      `json:"contractEscrowId,omitempty"`
}

// OnChain reports whether the record is held by the escrow contract.
func (b Backing) OnChain() bool { return b.Kind == BackingOnChain }

// Record is one escrow lock.
type Record struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"ownerId"`
	CounterpartyID string          `json:"counterpartyId,omitempty"`
	TradeID        string          `json:"tradeId,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
	Token          string          `json:"token"`
	Amount         decimal.Decimal `json:"amount"`
	Status         Status          `json:"status"`
	Backing        Backing         `json:"backing"`
	ExternalRef    string          `json:"externalRef,omitempty"`
	ReleasedTo     string          `json:"releasedTo,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal returns true once the record has left StatusLocked.
func (r *Record) IsTerminal() bool {
	return r.Status != StatusLocked
}

// Involves reports whether userID is the owner or the counterparty.
func (r *Record) Involves(userID string) bool {
	return userID != "" && (r.OwnerID == userID || r.CounterpartyID == userID)
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Transition moves a locked record to a terminal status and applies
	// mutate to it in the same step. ErrNotLocked if it is no longer locked.
	Transition(ctx context.Context, id string, to Status, mutate func(*Record)) (*Record, error)
	// Split marks parentID split and inserts both children, atomically.
	Split(ctx context.Context, parentID string, first, second *Record) error
	// LinkTrade sets TradeID on a locked record that has none (or the same one).
	LinkTrade(ctx context.Context, id, tradeID string) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error)
	ListLocked(ctx context.Context) ([]*Record, error)
	// ListChildren returns the records a split of parentID produced.
	ListChildren(ctx context.Context, parentID string) ([]*Record, error)
}

// LedgerService is the slice of the ledger the escrow manager moves funds with.
type LedgerService interface {
	GetAvailableBalance(ctx context.Context, userID, token string) (decimal.Decimal, error)
	EscrowLock(ctx context.Context, userID, token string, amount decimal.Decimal, reference string) error
	EscrowRelease(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) error
	EscrowRefund(ctx context.Context, userID, token string, amount decimal.Decimal, reference string) error
}

// BalanceValidator checks balances moved by exactly the stated deltas.
type BalanceValidator interface {
	Track(ctx context.Context, operation, reference, token string, deltas map[string]decimal.Decimal) func()
}

// LockRequest contains the parameters for locking funds.
type LockRequest struct {
	OwnerID        string
	CounterpartyID string
	TradeID        string
	Token          string
	Amount         decimal.Decimal
	// Duration is the minimum on-chain lock period. Ignored for database backing.
	Duration time.Duration
}
