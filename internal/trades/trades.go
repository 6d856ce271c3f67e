// Package trades drives a matched trade from escrow lock to completion.
//
// Flow:
//
//	escrow_locked → payment_pending → payment_made → payment_confirmed → completed
//
// Any state before payment_confirmed may move to disputed, or be claimed
// for cancellation: cancelling holds the trade while the seller is refunded,
// then becomes cancelled. Every transition is a compare-and-set on the
// stored status, so users, the timeout sweep and dispute resolution never
// both win.
package trades

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
)

var (
	ErrTradeNotFound = fmt.Errorf("trade %w", apperr.ErrNotFound)
	ErrStatusChanged = fmt.Errorf("%w: trade status changed", apperr.ErrInvalidTransition)
)

// Status represents the state of a trade.
type Status string

const (
	StatusEscrowLocked     Status = "escrow_locked"
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentMade      Status = "payment_made"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusCompleted        Status = "completed"
	StatusDisputed         Status = "disputed"
	StatusCancelling       Status = "cancelling"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal returns true for completed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Statuses a trade may be disputed or cancelled from.
var (
	DisputableFrom   = []Status{StatusEscrowLocked, StatusPaymentPending, StatusPaymentMade}
	cancellableFrom  = []Status{StatusEscrowLocked, StatusPaymentPending, StatusPaymentMade}
	sellerCancelFrom = []Status{StatusEscrowLocked, StatusPaymentPending}
	confirmableFrom  = []Status{StatusPaymentPending, StatusPaymentMade}
)

// Side names which order of the trade rested on the book.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one matched exchange of tokens for a fiat payment.
type Trade struct {
	ID                string          `json:"id"`
	BuyOrderID        string          `json:"buyOrderId,omitempty"`
	SellOrderID       string          `json:"sellOrderId,omitempty"`
	BuyerID           string          `json:"buyerId"`
	SellerID          string          `json:"sellerId"`
	Token             string          `json:"token"`
	Amount            decimal.Decimal `json:"amount"`
	PricePerUnit      decimal.Decimal `json:"pricePerUnit"`
	TotalValue        decimal.Decimal `json:"totalValue"`
	BuyerCommission   decimal.Decimal `json:"buyerCommission"`
	SellerCommission  decimal.Decimal `json:"sellerCommission"`
	MakerSide         Side            `json:"makerSide"`
	PaymentMethods    []string        `json:"paymentMethods,omitempty"`
	Status            Status          `json:"status"`
	EscrowID          string          `json:"escrowId"`
	ExpiresAt         time.Time       `json:"expiresAt"`
	DisputeReason     string          `json:"disputeReason,omitempty"`
	DisputeResolution string          `json:"disputeResolution,omitempty"`
	CancelReason      string          `json:"cancelReason,omitempty"`
	CommissionSettled bool            `json:"commissionSettled"`

	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	PaymentPendingAt   *time.Time `json:"paymentPendingAt,omitempty"`
	PaymentMadeAt      *time.Time `json:"paymentMadeAt,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	DisputeOpenedAt    *time.Time `json:"disputeOpenedAt,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Trade) IsParticipant(userID string) bool {
	return userID != "" && (t.BuyerID == userID || t.SellerID == userID)
}

// Store persists trades.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	// Transition moves a trade whose status is in from to status to, applying
	// mutate in the same step. ErrStatusChanged when the status is not in from.
	Transition(ctx context.Context, id string, from []Status, to Status, mutate func(*Trade)) (*Trade, error)
	// Update applies mutate without a status change while status is in from.
	Update(ctx context.Context, id string, from []Status, mutate func(*Trade)) (*Trade, error)
	// ListDue returns non-terminal, non-disputed trades with expiresAt <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
	CountDue(ctx context.Context, cutoff time.Time) (int, error)
	// ListUnsettled returns completed trades whose commission was not
	// collected, oldest first.
	ListUnsettled(ctx context.Context, limit int) ([]*Trade, error)
	CountUnsettled(ctx context.Context) (int, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error)
	// SumValueSince totals the value of userID's non-cancelled trades created since.
	SumValueSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

func allowed(from []Status, s Status) bool {
	return slices.Contains(from, s)
}

// stamp records the transition time of status s on t.
func stamp(t *Trade, s Status, now time.Time) {
	at := now
	switch s {
	case StatusPaymentPending:
		t.PaymentPendingAt = &at
	case StatusPaymentMade:
		t.PaymentMadeAt = &at
	case StatusPaymentConfirmed:
		t.PaymentConfirmedAt = &at
	case StatusCompleted:
		t.CompletedAt = &at
	case StatusCancelled:
		t.CancelledAt = &at
	case StatusDisputed:
		t.DisputeOpenedAt = &at
	}
	t.Status = s
	t.UpdatedAt = now
}
