package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/idgen"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/participants"
	"github.com/p2pdesk/settlement/internal/syncutil"
	"github.com/p2pdesk/settlement/internal/traces"
)

// EscrowLocker is the slice of the escrow manager order-time escrow needs.
type EscrowLocker interface {
	Lock(ctx context.Context, req escrow.LockRequest) (*escrow.Record, error)
	Refund(ctx context.Context, id, reason string) (*escrow.Record, error)
	Backing() escrow.BackingKind
}

// ProfileSource resolves trading profiles.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*participants.Profile, error)
}

// BookListener is told when the open orders of a token change.
type BookListener interface {
	BookChanged(ctx context.Context, token string)
}

// CreateRequest contains the parameters for a new order.
type CreateRequest struct {
	OwnerID              string
	Side                 Side
	Token                string
	Amount               decimal.Decimal
	PricePerUnit         decimal.Decimal
	MinTradeAmount       decimal.Decimal
	MaxTradeAmount       decimal.Decimal // zero means Amount
	PaymentMethods       []string
	MinCounterpartyLevel int
}

// Service implements order creation and cancellation.
type Service struct {
	store        Store
	tokens       map[string]bool
	escrow       EscrowLocker
	profiles     ProfileSource
	listener     BookListener
	locks        *syncutil.ContextShardedMutex
	prelockSells bool
	logger       *slog.Logger
}

// NewService creates an order service for tokens.
func NewService(store Store, tokens []string, logger *slog.Logger) *Service {
	s := &Service{
		store:  store,
		tokens: make(map[string]bool, len(tokens)),
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
	}
	for _, t := range tokens {
		s.tokens[normToken(t)] = true
	}
	return s
}

// WithEscrow enables order-time escrow: sell orders lock their full amount
// when created. Only database-backed escrow supports this, since the order
// has no counterparty yet.
func (s *Service) WithEscrow(e EscrowLocker, prelockSells bool) *Service {
	s.escrow = e
	s.prelockSells = prelockSells && e.Backing() == escrow.BackingDatabase
	return s
}

// WithProfiles rejects orders from users whose trading is disabled.
func (s *Service) WithProfiles(p ProfileSource) *Service {
	s.profiles = p
	return s
}

// WithBookListener registers a listener for order book changes.
func (s *Service) WithBookListener(l BookListener) *Service {
	s.listener = l
	return s
}

// Store returns the underlying order store.
func (s *Service) Store() Store { return s.store }

// Locks returns the per-order locks shared with the matching engine.
func (s *Service) Locks() *syncutil.ContextShardedMutex { return s.locks }

// PrelocksSells reports whether sell orders carry order-time escrow.
func (s *Service) PrelocksSells() bool { return s.prelockSells }

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns the open orders of token, oldest first. An empty token
// lists every token.
func (s *Service) ListOpen(ctx context.Context, token string) ([]*Order, error) {
	return s.store.ListOpen(ctx, normToken(token))
}

// ListByOwner returns the owner's orders, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// Create validates and stores a new order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create", traces.UserID(req.OwnerID), traces.Token(req.Token))
	defer func() { traces.End(span, err) }()

	o, err = s.build(req)
	if err != nil {
		return nil, err
	}
	if s.profiles != nil {
		p, err := s.profiles.Profile(ctx, o.OwnerID)
		if err != nil {
			return nil, err
		}
		if !p.TradingEnabled {
			return nil, apperr.Wrap(apperr.ErrForbidden, "trading is disabled for %s", o.OwnerID)
		}
	}

	if o.Side == SideSell && s.prelockSells {
		rec, err := s.escrow.Lock(ctx, escrow.LockRequest{
			OwnerID: o.OwnerID,
			Token:   o.Token,
			Amount:  o.TotalAmount,
		})
		if err != nil {
			return nil, err
		}
		o.EscrowRef = rec.ID
	}

	if err := s.store.Create(ctx, o); err != nil {
		if o.EscrowRef != "" {
			if _, refundErr := s.escrow.Refund(context.WithoutCancel(ctx), o.EscrowRef, "order_not_created"); refundErr != nil {
				s.logger.Error("failed to refund escrow of unsaved order", "escrowId", o.EscrowRef, "error", refundErr)
			}
		}
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues("created").Inc()
	s.logger.Info("order created", "orderId", o.ID, "owner", o.OwnerID, "side", string(o.Side),
		"token", o.Token, "amount", o.TotalAmount.String(), "price", o.PricePerUnit.String(), "escrowId", o.EscrowRef)
	s.notify(ctx, o.Token)
	return o, nil
}

func (s *Service) build(req CreateRequest) (*Order, error) {
	if req.OwnerID == "" {
		return nil, apperr.Validation("owner is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, apperr.Validation("side must be buy or sell")
	}
	token := normToken(req.Token)
	if !s.tokens[token] {
		return nil, apperr.Wrap(apperr.ErrUnsupportedToken, "%s is not traded", token)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(money.Token(req.Amount)) {
		return nil, apperr.Validation("amount must be positive with at most %d decimal places", money.TokenPlaces)
	}
	if !req.PricePerUnit.IsPositive() || !req.PricePerUnit.Equal(money.Fiat(req.PricePerUnit)) {
		return nil, apperr.Validation("price must be positive with at most %d decimal places", money.FiatPlaces)
	}
	maxAmt := req.MaxTradeAmount
	if maxAmt.IsZero() {
		maxAmt = req.Amount
	}
	minAmt := req.MinTradeAmount
	switch {
	case minAmt.IsNegative():
		return nil, apperr.Validation("minimum trade amount must not be negative")
	case !maxAmt.IsPositive():
		return nil, apperr.Validation("maximum trade amount must be positive")
	case minAmt.GreaterThan(maxAmt):
		return nil, apperr.Validation("minimum trade amount exceeds maximum")
	case minAmt.GreaterThan(req.Amount):
		return nil, apperr.Validation("minimum trade amount exceeds order amount")
	}
	methods := normMethods(req.PaymentMethods)
	if len(methods) == 0 {
		return nil, apperr.Validation("at least one payment method is required")
	}
	if req.MinCounterpartyLevel < 0 {
		return nil, apperr.Validation("minimum counterparty level must not be negative")
	}

	now := time.Now()
	return &Order{
		ID:                   idgen.WithPrefix(idgen.Order),
		OwnerID:              req.OwnerID,
		Side:                 req.Side,
		Token:                token,
		TotalAmount:          req.Amount,
		RemainingAmount:      req.Amount,
		FilledAmount:         decimal.Zero,
		PricePerUnit:         req.PricePerUnit,
		MinTradeAmount:       minAmt,
		MaxTradeAmount:       maxAmt,
		PaymentMethods:       methods,
		MinCounterpartyLevel: req.MinCounterpartyLevel,
		Status:               StatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// Cancel cancels an open order of ownerID and refunds its order-time escrow.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.Cancel", traces.OrderID(id), traces.UserID(ownerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != ownerID {
		return nil, apperr.Wrap(apperr.ErrForbidden, "order %s belongs to another user", id)
	}
	o, err = s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	if o.EscrowRef != "" && s.escrow != nil {
		if _, err := s.escrow.Refund(ctx, o.EscrowRef, "order_cancelled"); err != nil && !errors.Is(err, escrow.ErrNotLocked) {
			// The order is cancelled either way; the sweep flags the stranded lock.
			s.logger.Error("failed to refund order escrow", "orderId", id, "escrowId", o.EscrowRef, "error", err)
			return o, err
		}
	}

	metrics.OrdersTotal.WithLabelValues("cancelled").Inc()
	s.logger.Info("order cancelled", "orderId", id, "owner", ownerID, "remaining", o.RemainingAmount.String())
	s.notify(ctx, o.Token)
	return o, nil
}

// Consume applies fills through the store and notifies the book listener.
func (s *Service) Consume(ctx context.Context, fills ...Fill) ([]*Order, error) {
	updated, err := s.store.Consume(ctx, fills...)
	if err != nil {
		return nil, err
	}
	for _, o := range updated {
		if o.Status == StatusFilled {
			metrics.OrdersTotal.WithLabelValues("filled").Inc()
		}
	}
	if len(updated) > 0 {
		s.notify(ctx, updated[0].Token)
	}
	return updated, nil
}

// SetEscrowRef points an order at the record holding its remaining escrow.
func (s *Service) SetEscrowRef(ctx context.Context, id, ref string) error {
	return s.store.SetEscrowRef(ctx, id, ref)
}

func (s *Service) notify(ctx context.Context, token string) {
	if s.listener != nil {
		s.listener.BookChanged(context.WithoutCancel(ctx), token)
	}
}
