// Package orders stores buy and sell orders and guards their capacity.
//
// An order's remaining amount only shrinks through Store.Consume, a
// compare-and-update that fails when another trade took the capacity first.
// Orders are never deleted; filled and cancelled are terminal.
package orders

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
)

var (
	ErrOrderNotFound = fmt.Errorf("order %w", apperr.ErrNotFound)
	ErrNotOpen       = fmt.Errorf("%w: order is not open", apperr.ErrInvalidTransition)
	ErrCapacity      = fmt.Errorf("%w: order capacity already consumed", apperr.ErrConcurrencyConflict)
)

// Side is buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status represents the state of an order.
type Status string

const (
	StatusActive    Status = "active"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// Order is a standing offer to buy or sell a token for the settlement currency.
type Order struct {
	ID                   string          `json:"id"`
	OwnerID              string          `json:"ownerId"`
	Side                 Side            `json:"side"`
	Token                string          `json:"token"`
	TotalAmount          decimal.Decimal `json:"totalAmount"`
	RemainingAmount      decimal.Decimal `json:"remainingAmount"`
	FilledAmount         decimal.Decimal `json:"filledAmount"`
	PricePerUnit         decimal.Decimal `json:"pricePerUnit"`
	MinTradeAmount       decimal.Decimal `json:"minTradeAmount"`
	MaxTradeAmount       decimal.Decimal `json:"maxTradeAmount"`
	PaymentMethods       []string        `json:"paymentMethods"`
	MinCounterpartyLevel int             `json:"minCounterpartyLevel"`
	EscrowRef            string          `json:"escrowRef,omitempty"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// IsOpen reports whether the order can still be filled.
func (o *Order) IsOpen() bool {
	return o.Status == StatusActive || o.Status == StatusPartial
}

// AcceptsAmount reports whether amount is a legal trade size for o.
func (o *Order) AcceptsAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() &&
		amount.LessThanOrEqual(o.RemainingAmount) &&
		amount.GreaterThanOrEqual(o.MinTradeAmount) &&
		amount.LessThanOrEqual(o.MaxTradeAmount)
}

// SharedPaymentMethods returns the methods both orders accept.
func SharedPaymentMethods(a, b []string) []string {
	var shared []string
	for _, m := range a {
		if slices.Contains(b, m) {
			shared = append(shared, m)
		}
	}
	return shared
}

// Fill consumes amount of an order's remaining capacity.
type Fill struct {
	OrderID string
	Amount  decimal.Decimal
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// ListOpen returns active and partial orders, oldest first. An empty
	// token lists every token.
	ListOpen(ctx context.Context, token string) ([]*Order, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error)
	// Consume applies every fill or none. A fill succeeds only while the
	// order is open and remaining >= amount; otherwise ErrCapacity.
	Consume(ctx context.Context, fills ...Fill) ([]*Order, error)
	// Cancel moves an open order to cancelled; ErrNotOpen otherwise.
	Cancel(ctx context.Context, id string) (*Order, error)
	SetEscrowRef(ctx context.Context, id, ref string) error
}

// applyFill advances o by amount. Callers have checked capacity.
func applyFill(o *Order, amount decimal.Decimal, now time.Time) {
	o.RemainingAmount = o.RemainingAmount.Sub(amount)
	o.FilledAmount = o.FilledAmount.Add(amount)
	if o.RemainingAmount.IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	o.UpdatedAt = now
}

func normToken(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

func normMethods(methods []string) []string {
	var out []string
	for _, m := range methods {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}
