package matching

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/idgen"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/orders"
	"github.com/p2pdesk/settlement/internal/traces"
	"github.com/p2pdesk/settlement/internal/trades"
)

// pair is one execution attempt. A taker order is synthetic: it has no id
// and is never stored or consumed.
type pair struct {
	buy, sell *orders.Order
	amount    decimal.Decimal
	taker     bool
}

func (p pair) stored() []*orders.Order {
	var out []*orders.Order
	for _, o := range []*orders.Order{p.buy, p.sell} {
		if o.ID != "" {
			out = append(out, o)
		}
	}
	return out
}

// makerSide is the side of the order created first. For a taker the
// resting order is always the maker.
func (p pair) makerSide() trades.Side {
	switch {
	case p.taker && p.buy.ID == "":
		return trades.SideSell
	case p.taker:
		return trades.SideBuy
	case p.buy.CreatedAt.Before(p.sell.CreatedAt):
		return trades.SideBuy
	default:
		return trades.SideSell
	}
}

// escrowHold is the seller's escrow secured for one execution, with what
// it takes to undo or finish it.
type escrowHold struct {
	record   *escrow.Record
	carved   *escrow.Record // remainder left on the sell order after a split
	fromBook bool           // taken from the sell order's order-time escrow
}

// execute re-reads the stored orders under their locks, secures escrow,
// consumes capacity and opens the trade.
func (e *Engine) execute(ctx context.Context, p pair) (t *trades.Trade, updated []*orders.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "matching.execute", traces.OrderID(p.buy.ID+"/"+p.sell.ID), traces.Amount(p.amount.String()))
	defer func() {
		traces.End(span, err)
		observe(err)
	}()

	stored := p.stored()
	var unlock func()
	if len(stored) == 2 {
		unlock, err = e.orders.Locks().LockPair(ctx, stored[0].ID, stored[1].ID)
	} else {
		unlock, err = e.orders.Locks().LockContext(ctx, stored[0].ID)
	}
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	for _, o := range stored {
		live, err := e.orders.Get(ctx, o.ID)
		if err != nil {
			return nil, nil, err
		}
		if !live.IsOpen() || !live.AcceptsAmount(p.amount) {
			return nil, nil, orders.ErrCapacity
		}
		if live.Side == orders.SideBuy {
			p.buy = live
		} else {
			p.sell = live
		}
	}

	tradeID := idgen.WithPrefix(idgen.Trade)
	hold, err := e.secureEscrow(ctx, p, tradeID)
	if err != nil {
		return nil, nil, err
	}

	fills := make([]orders.Fill, 0, len(stored))
	for _, o := range stored {
		fills = append(fills, orders.Fill{OrderID: o.ID, Amount: p.amount})
	}
	updated, err = e.orders.Consume(ctx, fills...)
	if err != nil {
		e.releaseHold(ctx, p, hold, err)
		if errors.Is(err, orders.ErrCapacity) {
			return nil, nil, err
		}
		return nil, nil, apperr.Wrap(apperr.ErrConcurrencyConflict, "consume order capacity: %w", err)
	}

	if err := e.finishHold(ctx, p, hold, tradeID); err != nil {
		return nil, nil, err
	}

	price := p.sell.PricePerUnit
	maker := p.makerSide()
	commission := money.Fiat(e.commissionRate.Mul(p.amount).Mul(price))
	t = &trades.Trade{
		ID:               tradeID,
		BuyOrderID:       p.buy.ID,
		SellOrderID:      p.sell.ID,
		BuyerID:          p.buy.OwnerID,
		SellerID:         p.sell.OwnerID,
		Token:            p.sell.Token,
		Amount:           p.amount,
		PricePerUnit:     price,
		TotalValue:       money.Value(p.amount, price),
		BuyerCommission:  decimal.Zero,
		SellerCommission: decimal.Zero,
		MakerSide:        maker,
		PaymentMethods:   orders.SharedPaymentMethods(p.buy.PaymentMethods, p.sell.PaymentMethods),
		EscrowID:         hold.record.ID,
	}
	if maker == trades.SideBuy {
		t.BuyerCommission = commission
	} else {
		t.SellerCommission = commission
	}

	opened, err := e.trades.OnTradeCreated(context.WithoutCancel(ctx), t)
	if err != nil {
		logging.Critical(ctx, e.logger, "orders consumed and escrow locked but trade not stored",
			"tradeId", tradeID, "escrowId", hold.record.ID, "buyOrderId", p.buy.ID, "sellOrderId", p.sell.ID, "error", err)
		metrics.ManualInterventionsTotal.WithLabelValues("trade_create").Inc()
		return nil, nil, apperr.Wrap(apperr.ErrManualIntervention, "trade %s: %w", tradeID, err)
	}
	e.logger.Info("orders matched", "tradeId", opened.ID, "buyOrderId", p.buy.ID, "sellOrderId", p.sell.ID,
		"amount", p.amount.String(), "price", price.String(), "maker", string(maker), "commission", commission.String())
	return opened, updated, nil
}

// secureEscrow carves the trade's share out of the sell order's order-time
// escrow, or locks fresh funds from the seller's available balance.
func (e *Engine) secureEscrow(ctx context.Context, p pair, tradeID string) (*escrowHold, error) {
	if p.sell.EscrowRef == "" {
		rec, err := e.escrow.Lock(ctx, escrow.LockRequest{
			OwnerID:        p.sell.OwnerID,
			CounterpartyID: p.buy.OwnerID,
			TradeID:        tradeID,
			Token:          p.sell.Token,
			Amount:         p.amount,
			Duration:       e.trades.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		return &escrowHold{record: rec}, nil
	}

	if p.amount.Equal(p.sell.RemainingAmount) {
		// The whole record goes to the trade once capacity is consumed.
		return &escrowHold{record: &escrow.Record{ID: p.sell.EscrowRef}, fromBook: true}, nil
	}
	first, second, err := e.escrow.Split(ctx, p.sell.EscrowRef, p.amount)
	if errors.Is(err, escrow.ErrNotLocked) {
		return nil, apperr.Wrap(apperr.ErrConcurrencyConflict, "order escrow %s already taken: %w", p.sell.EscrowRef, err)
	}
	if err != nil {
		return nil, err
	}
	return &escrowHold{record: first, carved: second, fromBook: true}, nil
}

// finishHold links the escrow to the trade and points the sell order at
// its remaining escrow.
func (e *Engine) finishHold(ctx context.Context, p pair, hold *escrowHold, tradeID string) error {
	if !hold.fromBook {
		return nil
	}
	if err := e.escrow.LinkToTrade(ctx, hold.record.ID, tradeID); err != nil {
		logging.Critical(ctx, e.logger, "order capacity consumed but escrow not linked to trade",
			"tradeId", tradeID, "escrowId", hold.record.ID, "sellOrderId", p.sell.ID, "error", err)
		metrics.ManualInterventionsTotal.WithLabelValues("escrow_link").Inc()
		return apperr.Wrap(apperr.ErrManualIntervention, "link escrow %s: %w", hold.record.ID, err)
	}
	next := ""
	if hold.carved != nil {
		next = hold.carved.ID
	}
	if err := e.orders.SetEscrowRef(ctx, p.sell.ID, next); err != nil {
		e.logger.Error("failed to update order escrow ref", "orderId", p.sell.ID, "escrowId", next, "error", err)
	}
	return nil
}

// releaseHold undoes secureEscrow after capacity could not be consumed. A
// fresh lock is refunded. A carved record is merged back by refunding both
// halves and locking their sum again for the order.
func (e *Engine) releaseHold(ctx context.Context, p pair, hold *escrowHold, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := e.logger.With("sellOrderId", p.sell.ID, "escrowId", hold.record.ID, "cause", cause.Error())

	switch {
	case !hold.fromBook:
		if _, err := e.escrow.Refund(ctx, hold.record.ID, "capacity_conflict"); err != nil {
			log.Error("failed to refund escrow after capacity conflict", "error", err)
			return
		}
		log.Info("escrow refunded after capacity conflict")
	case hold.carved != nil:
		total := hold.record.Amount.Add(hold.carved.Amount)
		for _, rec := range []*escrow.Record{hold.record, hold.carved} {
			if _, err := e.escrow.Refund(ctx, rec.ID, "capacity_conflict"); err != nil {
				log.Error("failed to refund carved escrow", "carvedId", rec.ID, "error", err)
				return
			}
		}
		merged, err := e.escrow.Lock(ctx, escrow.LockRequest{OwnerID: p.sell.OwnerID, Token: p.sell.Token, Amount: total})
		if err != nil {
			log.Error("failed to re-lock order escrow after capacity conflict", "error", err)
			_ = e.orders.SetEscrowRef(ctx, p.sell.ID, "")
			return
		}
		if err := e.orders.SetEscrowRef(ctx, p.sell.ID, merged.ID); err != nil {
			log.Error("failed to update order escrow ref", "mergedId", merged.ID, "error", err)
		}
	}
}
