// Package matching pairs buy and sell orders into trades.
//
// Pairs are scanned in price-time priority and execute at the sell order's
// price. The order created first is the maker and alone pays commission.
// Every execution re-reads both orders under their locks, secures the
// seller's escrow and only then consumes order capacity with a
// compare-and-update, so two executions never spend the same capacity.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/orders"
	"github.com/p2pdesk/settlement/internal/participants"
	"github.com/p2pdesk/settlement/internal/syncutil"
	"github.com/p2pdesk/settlement/internal/trades"
)

// ErrNotEligible is returned when two orders may not trade with each other.
var ErrNotEligible = errors.New("orders are not eligible to match")

// OrderService reads and consumes orders.
type OrderService interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	ListOpen(ctx context.Context, token string) ([]*orders.Order, error)
	Consume(ctx context.Context, fills ...orders.Fill) ([]*orders.Order, error)
	SetEscrowRef(ctx context.Context, id, ref string) error
	Locks() *syncutil.ContextShardedMutex
}

// EscrowService locks or carves the seller's escrow for a trade.
type EscrowService interface {
	Lock(ctx context.Context, req escrow.LockRequest) (*escrow.Record, error)
	Split(ctx context.Context, id string, firstAmount decimal.Decimal) (*escrow.Record, *escrow.Record, error)
	LinkToTrade(ctx context.Context, id, tradeID string) error
	Refund(ctx context.Context, id, reason string) (*escrow.Record, error)
}

// ProfileSource resolves trading profiles.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*participants.Profile, error)
}

// VolumeSource reports a user's traded value since a point in time.
type VolumeSource interface {
	SumValueSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

// TradeOpener takes ownership of a trade once its escrow is secured.
type TradeOpener interface {
	OnTradeCreated(ctx context.Context, t *trades.Trade) (*trades.Trade, error)
	Timeout() time.Duration
}

// PairFailure is a compatible pair whose execution failed.
type PairFailure struct {
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Error       string `json:"error"`
	Code        string `json:"code"`
}

// Result is the outcome of one MatchAll pass.
type Result struct {
	Trades   []*trades.Trade `json:"trades"`
	Failures []PairFailure   `json:"failures"`
}

// Engine matches orders and opens trades.
type Engine struct {
	orders         OrderService
	escrow         EscrowService
	profiles       ProfileSource
	volume         VolumeSource
	trades         TradeOpener
	commissionRate decimal.Decimal
	now            func() time.Time
	logger         *slog.Logger
}

// NewEngine creates a matching engine. commissionRate is charged to the
// maker of each trade as a fraction of its value.
func NewEngine(orders OrderService, escrow EscrowService, profiles ProfileSource, volume VolumeSource,
	trades TradeOpener, commissionRate decimal.Decimal, logger *slog.Logger) *Engine {
	return &Engine{
		orders:         orders,
		escrow:         escrow,
		profiles:       profiles,
		volume:         volume,
		trades:         trades,
		commissionRate: commissionRate,
		now:            time.Now,
		logger:         logger,
	}
}

// WithClock replaces time.Now for daily volume windows and taker orders.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Qualify keeps the open orders whose owners may trade at all.
func (e *Engine) Qualify(ctx context.Context, list []*orders.Order) ([]*orders.Order, error) {
	out := make([]*orders.Order, 0, len(list))
	for _, o := range list {
		if !o.IsOpen() || !o.RemainingAmount.IsPositive() {
			continue
		}
		p, err := e.profiles.Profile(ctx, o.OwnerID)
		if err != nil {
			return nil, err
		}
		if p.TradingEnabled {
			out = append(out, o)
		}
	}
	return out, nil
}

// CanMatch reports whether buy and sell can trade the largest amount both
// would accept right now.
func (e *Engine) CanMatch(ctx context.Context, buy, sell *orders.Order) (bool, error) {
	err := e.checkPair(ctx, buy, sell, candidateAmount(buy, sell))
	if errors.Is(err, ErrNotEligible) {
		return false, nil
	}
	return err == nil, err
}

// MatchAll scans every token's book in price-time priority and executes
// each compatible pair. A failed pair is recorded and skipped.
func (e *Engine) MatchAll(ctx context.Context) (*Result, error) {
	open, err := e.orders.ListOpen(ctx, "")
	if err != nil {
		return nil, err
	}
	open, err = e.Qualify(ctx, open)
	if err != nil {
		return nil, err
	}

	byToken := make(map[string][]*orders.Order)
	for _, o := range open {
		byToken[o.Token] = append(byToken[o.Token], o)
	}
	tokens := make([]string, 0, len(byToken))
	for t := range byToken {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)

	result := &Result{}
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		e.matchBook(ctx, byToken[token], result)
	}
	if len(result.Trades) > 0 || len(result.Failures) > 0 {
		e.logger.Info("matching pass", "trades", len(result.Trades), "failures", len(result.Failures))
	}
	return result, nil
}

func (e *Engine) matchBook(ctx context.Context, book []*orders.Order, result *Result) {
	var buys, sells []*orders.Order
	for _, o := range book {
		if o.Side == orders.SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool {
		if !buys[i].PricePerUnit.Equal(buys[j].PricePerUnit) {
			return buys[i].PricePerUnit.GreaterThan(buys[j].PricePerUnit)
		}
		return buys[i].CreatedAt.Before(buys[j].CreatedAt)
	})
	sort.SliceStable(sells, func(i, j int) bool {
		if !sells[i].PricePerUnit.Equal(sells[j].PricePerUnit) {
			return sells[i].PricePerUnit.LessThan(sells[j].PricePerUnit)
		}
		return sells[i].CreatedAt.Before(sells[j].CreatedAt)
	})

	for _, buy := range buys {
		for i, sell := range sells {
			if !buy.IsOpen() {
				break
			}
			if sell.PricePerUnit.GreaterThan(buy.PricePerUnit) {
				break
			}
			if !sell.IsOpen() {
				continue
			}
			amount := candidateAmount(buy, sell)
			if err := e.checkPair(ctx, buy, sell, amount); err != nil {
				if !errors.Is(err, ErrNotEligible) {
					result.Failures = append(result.Failures, failure(buy, sell, err))
				}
				continue
			}

			t, updated, err := e.execute(ctx, pair{buy: buy, sell: sell, amount: amount})
			if err != nil {
				result.Failures = append(result.Failures, failure(buy, sell, err))
				e.logger.Warn("pair execution failed", "buyOrderId", buy.ID, "sellOrderId", sell.ID, "error", err)
				if errors.Is(err, apperr.ErrConcurrencyConflict) {
					// another instance moved these orders since ListOpen
					buy, sells[i] = e.refresh(ctx, buy), e.refresh(ctx, sell)
				}
				continue
			}
			result.Trades = append(result.Trades, t)
			for _, o := range updated {
				switch o.ID {
				case buy.ID:
					buy = o
				case sell.ID:
					sells[i] = o
				}
			}
		}
	}
}

// refresh re-reads o. An order that cannot be read is treated as closed for
// the rest of the pass.
func (e *Engine) refresh(ctx context.Context, o *orders.Order) *orders.Order {
	live, err := e.orders.Get(ctx, o.ID)
	if err != nil {
		closed := *o
		closed.Status = orders.StatusFilled
		return &closed
	}
	return live
}

// CreateTradeFromOrder lets takerID accept amount of a resting order. The
// resting order is the maker.
func (e *Engine) CreateTradeFromOrder(ctx context.Context, takerID, orderID string, amount decimal.Decimal) (*trades.Trade, error) {
	if takerID == "" {
		return nil, apperr.Validation("taker is required")
	}
	if !amount.IsPositive() || !amount.Equal(money.Token(amount)) {
		return nil, apperr.Validation("amount must be positive with at most %d decimal places", money.TokenPlaces)
	}
	resting, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case resting.Status == orders.StatusCancelled:
		return nil, orders.ErrNotOpen
	case !resting.IsOpen() || resting.RemainingAmount.LessThan(amount):
		return nil, orders.ErrCapacity
	case resting.OwnerID == takerID:
		return nil, apperr.Validation("cannot take your own order")
	}

	taker := &orders.Order{
		OwnerID:         takerID,
		Side:            orders.SideBuy,
		Token:           resting.Token,
		TotalAmount:     amount,
		RemainingAmount: amount,
		PricePerUnit:    resting.PricePerUnit,
		MaxTradeAmount:  amount,
		PaymentMethods:  resting.PaymentMethods,
		Status:          orders.StatusActive,
		CreatedAt:       e.now(),
	}
	p := pair{amount: amount, taker: true}
	if resting.Side == orders.SideBuy {
		taker.Side = orders.SideSell
		p.buy, p.sell = resting, taker
	} else {
		p.buy, p.sell = taker, resting
	}

	if err := e.checkPair(ctx, p.buy, p.sell, amount); err != nil {
		if errors.Is(err, ErrNotEligible) {
			return nil, apperr.Wrap(apperr.ErrForbidden, "%w", err)
		}
		return nil, err
	}
	t, _, err := e.execute(ctx, p)
	return t, err
}

// candidateAmount is the largest amount both orders accept.
func candidateAmount(buy, sell *orders.Order) decimal.Decimal {
	amount := money.Min(buy.RemainingAmount, sell.RemainingAmount)
	amount = money.Min(amount, buy.MaxTradeAmount)
	return money.Min(amount, sell.MaxTradeAmount)
}

// checkPair returns ErrNotEligible (wrapped with the reason) when buy and
// sell may not trade amount, or a lookup error.
func (e *Engine) checkPair(ctx context.Context, buy, sell *orders.Order, amount decimal.Decimal) error {
	switch {
	case buy.Token != sell.Token:
		return notEligible("different tokens")
	case buy.PricePerUnit.LessThan(sell.PricePerUnit):
		return notEligible("buy price below sell price")
	case buy.OwnerID == sell.OwnerID:
		return notEligible("same owner")
	case !buy.AcceptsAmount(amount) || !sell.AcceptsAmount(amount):
		return notEligible("amount %s outside trade limits", money.FormatToken(amount))
	case len(orders.SharedPaymentMethods(buy.PaymentMethods, sell.PaymentMethods)) == 0:
		return notEligible("no shared payment method")
	}

	buyer, err := e.profiles.Profile(ctx, buy.OwnerID)
	if err != nil {
		return err
	}
	seller, err := e.profiles.Profile(ctx, sell.OwnerID)
	if err != nil {
		return err
	}
	switch {
	case !buyer.TradingEnabled || !seller.TradingEnabled:
		return notEligible("trading disabled")
	case !participants.MutuallyUnblocked(buyer, seller):
		return notEligible("blocked")
	case buyer.VerificationLevel < sell.MinCounterpartyLevel:
		return notEligible("buyer verification level %d below %d", buyer.VerificationLevel, sell.MinCounterpartyLevel)
	case seller.VerificationLevel < buy.MinCounterpartyLevel:
		return notEligible("seller verification level %d below %d", seller.VerificationLevel, buy.MinCounterpartyLevel)
	}

	value := money.Value(amount, sell.PricePerUnit)
	dayStart := e.now().UTC().Truncate(24 * time.Hour)
	for _, p := range []*participants.Profile{buyer, seller} {
		if !p.WithinSingleLimit(value) {
			return notEligible("%s single trade limit exceeded", p.UserID)
		}
		if p.DailyLimit.IsPositive() {
			today, err := e.volume.SumValueSince(ctx, p.UserID, dayStart)
			if err != nil {
				return err
			}
			if !p.WithinDailyLimit(today, value) {
				return notEligible("%s daily limit exceeded", p.UserID)
			}
		}
	}
	return nil
}

func notEligible(format string, args ...any) error {
	return apperr.Wrap(ErrNotEligible, format, args...)
}

func failure(buy, sell *orders.Order, err error) PairFailure {
	return PairFailure{BuyOrderID: buy.ID, SellOrderID: sell.ID, Error: err.Error(), Code: apperr.Code(err)}
}

func matchResult(err error) string {
	switch {
	case err == nil:
		return "trade"
	case apperr.Retryable(err):
		return "conflict"
	default:
		return "failed"
	}
}

func observe(err error) {
	metrics.MatchesTotal.WithLabelValues(matchResult(err)).Inc()
}
