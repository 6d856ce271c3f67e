package trades

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/syncutil"
	"github.com/p2pdesk/settlement/internal/traces"
)

// Notification kinds sent to trade participants.
const (
	EventTradeCreated     = "trade_created"
	EventPaymentMade      = "payment_made"
	EventPaymentConfirmed = "payment_confirmed"
	EventTradeCompleted   = "trade_completed"
	EventTradeCancelled   = "trade_cancelled"
	EventTradeDisputed    = "trade_disputed"
	EventDisputeResolved  = "dispute_resolved"
)

// EscrowSettler releases or refunds the escrow record behind a trade.
type EscrowSettler interface {
	Get(ctx context.Context, id string) (*escrow.Record, error)
	Release(ctx context.Context, id, toUserID string) (*escrow.Record, error)
	Refund(ctx context.Context, id, reason string) (*escrow.Record, error)
}

// Transferer moves available balance between users.
type Transferer interface {
	ExecuteTransfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) (string, error)
}

// Notifier tells a user something happened to a trade. It must not block.
type Notifier interface {
	Notify(ctx context.Context, userID, tradeID, event string)
}

// BalanceValidator checks balances moved by exactly the stated deltas.
type BalanceValidator interface {
	Track(ctx context.Context, operation, reference, token string, deltas map[string]decimal.Decimal) func()
}

// Controller owns trade state transitions and the escrow settlement each
// transition implies.
type Controller struct {
	store           Store
	escrow          EscrowSettler
	ledger          Transferer
	notifier        Notifier
	validator       BalanceValidator
	locks           *syncutil.ContextShardedMutex
	timeout         time.Duration
	platformAccount string
	now             func() time.Time
	logger          *slog.Logger
}

// NewController creates a trade controller. Trades expire timeout after they
// reach payment_pending.
func NewController(store Store, escrow EscrowSettler, ledger Transferer, timeout time.Duration, logger *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Controller{
		store:   store,
		escrow:  escrow,
		ledger:  ledger,
		locks:   syncutil.NewContextShardedMutex(),
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// WithPlatformAccount sets the ledger account commissions are paid to.
func (c *Controller) WithPlatformAccount(account string) *Controller {
	c.platformAccount = account
	return c
}

// WithNotifier adds a notifier for trade events.
func (c *Controller) WithNotifier(n Notifier) *Controller {
	c.notifier = n
	return c
}

// WithValidator checks commission transfers against balance snapshots.
func (c *Controller) WithValidator(v BalanceValidator) *Controller {
	c.validator = v
	return c
}

// WithClock replaces time.Now for expiry decisions.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Store returns the underlying trade store.
func (c *Controller) Store() Store { return c.store }

// Timeout returns the payment window of a new trade.
func (c *Controller) Timeout() time.Duration { return c.timeout }

// Lock takes the per-trade lock every controller transition runs under.
// While holding it a caller may only use CompleteAfterDispute and
// CancelAfterDispute, which do not lock again.
func (c *Controller) Lock(ctx context.Context, id string) (func(), error) {
	return c.locks.LockContext(ctx, id)
}

// Get returns a trade by id.
func (c *Controller) Get(ctx context.Context, id string) (*Trade, error) {
	return c.store.Get(ctx, id)
}

// ListByUser returns trades where userID is buyer or seller, newest first.
func (c *Controller) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	return c.store.ListByUser(ctx, userID, limit)
}

// OnTradeCreated persists a freshly matched trade at escrow_locked and
// opens its payment window.
func (c *Controller) OnTradeCreated(ctx context.Context, t *Trade) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trades.OnTradeCreated", traces.TradeID(t.ID), traces.EscrowID(t.EscrowID))
	var err error
	defer func() { traces.End(span, err) }()

	now := c.now()
	t.Status = StatusEscrowLocked
	t.CreatedAt = now
	t.UpdatedAt = now
	t.ExpiresAt = now.Add(c.timeout)
	if err = c.store.Create(ctx, t); err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(StatusEscrowLocked)).Inc()

	opened, err := c.transition(ctx, t.ID, []Status{StatusEscrowLocked}, StatusPaymentPending, func(tr *Trade) {
		tr.ExpiresAt = c.now().Add(c.timeout)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("trade created", "tradeId", opened.ID, "buyer", opened.BuyerID, "seller", opened.SellerID,
		"token", opened.Token, "amount", opened.Amount.String(), "price", opened.PricePerUnit.String(),
		"escrowId", opened.EscrowID, "expiresAt", opened.ExpiresAt)
	c.notifyBoth(ctx, opened, EventTradeCreated)
	return opened, nil
}

// MarkPaymentMade records the buyer's claim that the fiat payment was sent.
func (c *Controller) MarkPaymentMade(ctx context.Context, id, byUser string) (*Trade, error) {
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != byUser {
		return nil, apperr.Wrap(apperr.ErrForbidden, "only the buyer can mark payment made")
	}
	updated, err := c.transition(ctx, id, []Status{StatusPaymentPending}, StatusPaymentMade, nil)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, updated.SellerID, updated.ID, EventPaymentMade)
	return updated, nil
}

// ConfirmPayment records the seller's confirmation that the fiat payment
// arrived, releases the escrow to the buyer and completes the trade.
func (c *Controller) ConfirmPayment(ctx context.Context, id, byUser string) (*Trade, error) {
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.SellerID != byUser {
		return nil, apperr.Wrap(apperr.ErrForbidden, "only the seller can confirm payment")
	}
	confirmed, err := c.transition(ctx, id, confirmableFrom, StatusPaymentConfirmed, nil)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, confirmed.BuyerID, confirmed.ID, EventPaymentConfirmed)
	return c.complete(ctx, confirmed)
}

// Cancel cancels a trade on behalf of a participant and refunds the seller.
// The seller cannot cancel once the buyer has marked the payment made.
func (c *Controller) Cancel(ctx context.Context, id, byUser, reason string) (*Trade, error) {
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var from []Status
	switch byUser {
	case t.BuyerID:
		from = cancellableFrom
	case t.SellerID:
		from = sellerCancelFrom
	default:
		return nil, apperr.Wrap(apperr.ErrForbidden, "only trade participants can cancel")
	}
	if !allowed(from, t.Status) {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, "trade %s cannot be cancelled by %s from %s", id, byUser, t.Status)
	}
	if reason == "" {
		reason = "cancelled_by_participant"
	}
	return c.cancel(ctx, t, from, reason)
}

// HandleTimeout settles a trade whose payment window passed. Terminal and
// disputed trades are left alone. A confirmed trade is completed and an
// interrupted cancellation is finished. Anything earlier is refunded and
// cancelled.
func (c *Controller) HandleTimeout(ctx context.Context, id string) (*Trade, error) {
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status.IsTerminal() || t.Status == StatusDisputed:
		return t, nil
	case t.Status == StatusPaymentConfirmed:
		done, err := c.complete(ctx, t)
		c.timeoutOutcome("completed", err)
		return done, err
	case t.Status == StatusCancelling:
		cancelled, err := c.finishCancel(ctx, t, nil)
		c.timeoutOutcome("refunded", err)
		return cancelled, err
	case c.now().Before(t.ExpiresAt):
		return t, nil
	}

	cancelled, err := c.cancel(ctx, t, cancellableFrom, "timeout")
	c.timeoutOutcome("refunded", err)
	return cancelled, err
}

// MarkDisputed moves a trade to disputed and extends its expiry by extension.
// A trade already claimed for cancellation or confirmed cannot be disputed.
func (c *Controller) MarkDisputed(ctx context.Context, id, reason string, extension time.Duration) (*Trade, error) {
	unlock, err := c.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := c.transition(ctx, id, DisputableFrom, StatusDisputed, func(tr *Trade) {
		tr.DisputeReason = reason
		tr.ExpiresAt = tr.ExpiresAt.Add(extension)
	})
	if err != nil {
		return nil, err
	}
	c.notifyBoth(ctx, t, EventTradeDisputed)
	return t, nil
}

// CompleteAfterDispute closes a disputed trade whose escrow was paid out.
// The caller holds Lock(id).
func (c *Controller) CompleteAfterDispute(ctx context.Context, id, resolution string) (*Trade, error) {
	return c.closeDispute(ctx, id, StatusCompleted, resolution)
}

// CancelAfterDispute closes a disputed trade whose escrow was refunded.
// The caller holds Lock(id).
func (c *Controller) CancelAfterDispute(ctx context.Context, id, resolution string) (*Trade, error) {
	return c.closeDispute(ctx, id, StatusCancelled, resolution)
}

func (c *Controller) closeDispute(ctx context.Context, id string, to Status, resolution string) (*Trade, error) {
	t, err := c.transition(ctx, id, []Status{StatusDisputed}, to, func(tr *Trade) {
		now := c.now()
		tr.DisputeResolution = resolution
		tr.ResolvedAt = &now
		if to == StatusCancelled {
			tr.CancelReason = "dispute_" + resolution
		}
	})
	if err != nil {
		return nil, err
	}
	c.notifyBoth(ctx, t, EventDisputeResolved)
	return t, nil
}

// complete releases escrow to the buyer, collects commission and marks the
// trade completed. t must be payment_confirmed.
func (c *Controller) complete(ctx context.Context, t *Trade) (*Trade, error) {
	if err := c.releaseEscrow(ctx, t); err != nil {
		c.logger.Error("escrow release failed, trade stays confirmed", "tradeId", t.ID, "escrowId", t.EscrowID, "error", err)
		return nil, err
	}
	settled := c.settleCommission(ctx, t)

	done, err := c.transition(ctx, t.ID, []Status{StatusPaymentConfirmed}, StatusCompleted, func(tr *Trade) {
		tr.CommissionSettled = settled
	})
	if err != nil {
		logging.Critical(ctx, c.logger, "escrow released but trade not completed",
			"tradeId", t.ID, "escrowId", t.EscrowID, "error", err)
		metrics.ManualInterventionsTotal.WithLabelValues("trade_complete").Inc()
		return nil, apperr.Wrap(apperr.ErrManualIntervention, "trade %s: %w", t.ID, err)
	}
	c.logger.Info("trade completed", "tradeId", done.ID, "buyer", done.BuyerID, "seller", done.SellerID,
		"amount", done.Amount.String(), "commissionSettled", settled)
	c.notifyBoth(ctx, done, EventTradeCompleted)
	return done, nil
}

// cancel claims t for cancellation, refunds the seller and marks the trade
// cancelled. Claiming first means a buyer marking payment or a dispute
// opening concurrently fails instead of landing on a refunded escrow.
func (c *Controller) cancel(ctx context.Context, t *Trade, from []Status, reason string) (*Trade, error) {
	claimed, err := c.transition(ctx, t.ID, from, StatusCancelling, func(tr *Trade) {
		tr.CancelReason = reason
	})
	if err != nil {
		return nil, err
	}
	return c.finishCancel(ctx, claimed, t)
}

// finishCancel refunds a cancelling trade and marks it cancelled. If the
// refund fails the trade goes back to prior, or stays cancelling for the
// sweep to retry when prior is nil.
func (c *Controller) finishCancel(ctx context.Context, t *Trade, prior *Trade) (*Trade, error) {
	if err := c.refundEscrow(ctx, t, t.CancelReason); err != nil {
		c.logger.Error("escrow refund failed", "tradeId", t.ID, "escrowId", t.EscrowID, "error", err)
		if prior != nil {
			c.reopen(ctx, prior)
		}
		return nil, err
	}
	cancelled, err := c.transition(ctx, t.ID, []Status{StatusCancelling}, StatusCancelled, nil)
	if err != nil {
		logging.Critical(ctx, c.logger, "escrow refunded but trade not cancelled",
			"tradeId", t.ID, "escrowId", t.EscrowID, "error", err)
		metrics.ManualInterventionsTotal.WithLabelValues("trade_cancel").Inc()
		return nil, apperr.Wrap(apperr.ErrManualIntervention, "trade %s: %w", t.ID, err)
	}
	c.logger.Info("trade cancelled", "tradeId", cancelled.ID, "reason", cancelled.CancelReason)
	c.notifyBoth(ctx, cancelled, EventTradeCancelled)
	return cancelled, nil
}

// reopen returns a cancelling trade to the status and timestamps it had
// before the claim.
func (c *Controller) reopen(ctx context.Context, prior *Trade) {
	_, err := c.store.Transition(ctx, prior.ID, []Status{StatusCancelling}, prior.Status, func(tr *Trade) {
		tr.CancelReason = prior.CancelReason
		tr.PaymentPendingAt = prior.PaymentPendingAt
		tr.PaymentMadeAt = prior.PaymentMadeAt
	})
	if err != nil {
		c.logger.Error("trade left cancelling after failed refund", "tradeId", prior.ID, "error", err)
	}
}

// releaseEscrow treats a record already released to the buyer as done, so a
// retried completion converges.
func (c *Controller) releaseEscrow(ctx context.Context, t *Trade) error {
	_, err := c.escrow.Release(ctx, t.EscrowID, t.BuyerID)
	if !errors.Is(err, escrow.ErrNotLocked) {
		return err
	}
	rec, getErr := c.escrow.Get(ctx, t.EscrowID)
	if getErr == nil && rec.Status == escrow.StatusReleased && rec.ReleasedTo == t.BuyerID {
		return nil
	}
	return err
}

func (c *Controller) refundEscrow(ctx context.Context, t *Trade, reason string) error {
	_, err := c.escrow.Refund(ctx, t.EscrowID, reason)
	if !errors.Is(err, escrow.ErrNotLocked) {
		return err
	}
	rec, getErr := c.escrow.Get(ctx, t.EscrowID)
	if getErr == nil && rec.Status == escrow.StatusRefunded {
		return nil
	}
	return err
}

// SettleCommissions retries collection for completed trades whose payer
// could not cover the commission at completion. It returns how many trades
// are now settled.
func (c *Controller) SettleCommissions(ctx context.Context, limit int) (int, error) {
	if c.platformAccount == "" {
		return 0, nil
	}
	owed, err := c.store.ListUnsettled(ctx, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, t := range owed {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if !c.settleCommission(ctx, t) {
			continue
		}
		if _, err := c.store.Update(ctx, t.ID, []Status{StatusCompleted}, func(tr *Trade) {
			tr.CommissionSettled = true
		}); err != nil {
			c.logger.Warn("commission collected but not recorded", "tradeId", t.ID, "error", err)
			continue
		}
		settled++
		c.logger.Info("outstanding commission collected", "tradeId", t.ID)
	}
	return settled, nil
}

// settleCommission pays each side's commission to the platform account in
// tokens (commission / price). Transfers are keyed on the trade, so a
// repeated call does not charge twice.
func (c *Controller) settleCommission(ctx context.Context, t *Trade) bool {
	if c.platformAccount == "" {
		return !t.BuyerCommission.IsPositive() && !t.SellerCommission.IsPositive()
	}
	settled := true
	for _, due := range []struct {
		payer string
		side  Side
		fee   decimal.Decimal
	}{
		{t.BuyerID, SideBuy, t.BuyerCommission},
		{t.SellerID, SideSell, t.SellerCommission},
	} {
		if !due.fee.IsPositive() {
			continue
		}
		amount := money.Token(due.fee.Div(t.PricePerUnit))
		if !amount.IsPositive() {
			continue
		}
		ref := "commission:" + t.ID + ":" + string(due.side)
		done := c.track(ctx, ref, t.Token, map[string]decimal.Decimal{
			due.payer:         amount.Neg(),
			c.platformAccount: amount,
		})
		_, err := c.ledger.ExecuteTransfer(ctx, due.payer, c.platformAccount, t.Token, amount, ref)
		done()
		if err != nil {
			settled = false
			c.logger.Warn("commission transfer failed, left for retry", "tradeId", t.ID, "payer", due.payer,
				"amount", amount.String(), "error", err)
			continue
		}
		c.logger.Info("commission collected", "tradeId", t.ID, "payer", due.payer,
			"fiat", due.fee.String(), "amount", amount.String())
	}
	return settled
}

func (c *Controller) transition(ctx context.Context, id string, from []Status, to Status, mutate func(*Trade)) (t *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "trades.transition", traces.TradeID(id), traces.Status(string(to)))
	defer func() { traces.End(span, err) }()

	t, err = c.store.Transition(ctx, id, from, to, mutate)
	if err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(to)).Inc()
	return t, nil
}

func (c *Controller) track(ctx context.Context, ref, token string, deltas map[string]decimal.Decimal) func() {
	if c.validator == nil {
		return func() {}
	}
	return c.validator.Track(ctx, "commission", ref, token, deltas)
}

func (c *Controller) timeoutOutcome(outcome string, err error) {
	if err != nil {
		outcome = "failed"
	}
	metrics.TradeTimeoutsTotal.WithLabelValues(outcome).Inc()
}

func (c *Controller) notifyBoth(ctx context.Context, t *Trade, event string) {
	c.notify(ctx, t.BuyerID, t.ID, event)
	c.notify(ctx, t.SellerID, t.ID, event)
}

func (c *Controller) notify(ctx context.Context, userID, tradeID, event string) {
	if c.notifier != nil {
		c.notifier.Notify(ctx, userID, tradeID, event)
	}
}
