package disputes

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/traces"
	"github.com/p2pdesk/settlement/internal/trades"
)

const (
	maxReasonLength   = 1000
	maxEvidenceLength = 2000
)

// TradeController moves trades in and out of disputed. Lock is the same
// per-trade lock user actions and the timeout sweep take.
type TradeController interface {
	Lock(ctx context.Context, id string) (func(), error)
	Get(ctx context.Context, id string) (*trades.Trade, error)
	MarkDisputed(ctx context.Context, id, reason string, extension time.Duration) (*trades.Trade, error)
	CompleteAfterDispute(ctx context.Context, id, resolution string) (*trades.Trade, error)
	CancelAfterDispute(ctx context.Context, id, resolution string) (*trades.Trade, error)
}

// EscrowService settles the escrow behind a disputed trade.
type EscrowService interface {
	Get(ctx context.Context, id string) (*escrow.Record, error)
	Release(ctx context.Context, id, toUserID string) (*escrow.Record, error)
	Refund(ctx context.Context, id, reason string) (*escrow.Record, error)
	ResolveOnChain(ctx context.Context, id string, favorCounterparty bool, toUserID string) (*escrow.Record, error)
	Split(ctx context.Context, id string, firstAmount decimal.Decimal) (*escrow.Record, *escrow.Record, error)
	Children(ctx context.Context, id string) ([]*escrow.Record, error)
}

// BalanceValidator checks balances moved by exactly the stated deltas.
type BalanceValidator interface {
	Track(ctx context.Context, operation, reference, token string, deltas map[string]decimal.Decimal) func()
}

// Service opens, collects evidence for and resolves trade disputes.
type Service struct {
	store      Store
	trades     TradeController
	escrow     EscrowService
	validator  BalanceValidator
	moderators map[string]bool
	extension  time.Duration
	buyerShare decimal.Decimal
	now        func() time.Time
	logger     *slog.Logger
}

// NewService creates a dispute service. Disputes extend the trade expiry by
// 72h and a compromise gives the buyer half, until configured otherwise.
func NewService(store Store, trades TradeController, escrow EscrowService, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		trades:     trades,
		escrow:     escrow,
		moderators: make(map[string]bool),
		extension:  72 * time.Hour,
		buyerShare: decimal.RequireFromString("0.5"),
		now:        time.Now,
		logger:     logger,
	}
}

// WithModerators sets who may resolve disputes.
func (s *Service) WithModerators(ids ...string) *Service {
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.moderators[id] = true
		}
	}
	return s
}

// WithExtension sets how far opening a dispute pushes back the trade expiry.
func (s *Service) WithExtension(d time.Duration) *Service {
	if d > 0 {
		s.extension = d
	}
	return s
}

// WithBuyerShare sets the fraction of the escrow a compromise releases to
// the buyer.
func (s *Service) WithBuyerShare(share decimal.Decimal) *Service {
	if !share.IsNegative() && share.LessThanOrEqual(decimal.NewFromInt(1)) {
		s.buyerShare = share
	}
	return s
}

// WithValidator adds a balance check around every resolution.
func (s *Service) WithValidator(v BalanceValidator) *Service {
	s.validator = v
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IsModerator reports whether userID may resolve disputes.
func (s *Service) IsModerator(userID string) bool {
	return s.moderators[userID]
}

// Initiate moves a trade to disputed and opens its case.
func (s *Service) Initiate(ctx context.Context, tradeID, initiatorID, reason string) (c *Case, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Initiate", traces.TradeID(tradeID), traces.UserID(initiatorID))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	if len(reason) > maxReasonLength {
		return nil, apperr.Validation("reason must be at most %d characters", maxReasonLength)
	}

	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(initiatorID) {
		return nil, ErrNotParty
	}
	if !slices.Contains(trades.DisputableFrom, t.Status) {
		return nil, apperr.Wrap(apperr.ErrDispute, "trade %s is %s and cannot be disputed", t.ID, t.Status)
	}

	// MarkDisputed re-checks the status under the trade lock.
	disputed, err := s.trades.MarkDisputed(ctx, tradeID, reason, s.extension)
	if err != nil {
		return nil, err
	}

	c = &Case{
		TradeID:     tradeID,
		InitiatorID: initiatorID,
		Reason:      reason,
		Status:      StatusOpen,
		OpenedAt:    s.now(),
	}
	if disputed.DisputeOpenedAt != nil {
		c.OpenedAt = *disputed.DisputeOpenedAt
	}
	if err := s.store.Create(ctx, c); err != nil {
		existing, getErr := s.store.Get(ctx, tradeID)
		if getErr != nil {
			s.logger.Error("trade disputed but case not stored", "tradeId", tradeID, "error", err)
			return nil, err
		}
		c = existing
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.logger.Info("dispute opened", "tradeId", tradeID, "initiator", initiatorID, "from", string(t.Status))
	return c, nil
}

// SubmitEvidence appends evidence from one side of a disputed trade.
func (s *Service) SubmitEvidence(ctx context.Context, tradeID, byUser, evidence string) (*Case, error) {
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return nil, apperr.Validation("evidence is required")
	}
	if len(evidence) > maxEvidenceLength {
		return nil, apperr.Validation("evidence must be at most %d characters", maxEvidenceLength)
	}

	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	var party Party
	switch byUser {
	case t.BuyerID:
		party = PartyBuyer
	case t.SellerID:
		party = PartySeller
	default:
		return nil, ErrNotParty
	}
	if t.Status != trades.StatusDisputed {
		return nil, apperr.Wrap(apperr.ErrDispute, "trade %s is not disputed", t.ID)
	}
	if _, err := s.caseFor(ctx, t); err != nil {
		return nil, err
	}

	c, err := s.store.AddEvidence(ctx, tradeID, party, evidence)
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("evidence").Inc()
	s.logger.Info("dispute evidence added", "tradeId", tradeID, "party", string(party))
	return c, nil
}

// Get returns the case of a trade to one of its participants or a moderator.
func (s *Service) Get(ctx context.Context, tradeID, viewer string) (*Case, error) {
	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(viewer) && !s.IsModerator(viewer) {
		return nil, ErrCaseNotFound
	}
	return s.store.Get(ctx, tradeID)
}

// ListOpen returns open cases, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Case, error) {
	return s.store.ListOpen(ctx, limit)
}

// Resolve settles a disputed trade's escrow by outcome and closes the trade.
// The case is claimed first, so only one moderator decision takes effect. A
// retried call with the same outcome resumes a settlement that failed part
// way.
func (s *Service) Resolve(ctx context.Context, tradeID, moderatorID string, outcome Outcome, notes string) (c *Case, t *trades.Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve", traces.TradeID(tradeID), traces.UserID(moderatorID), traces.Status(string(outcome)))
	defer func() { traces.End(span, err) }()

	if !outcome.Valid() {
		return nil, nil, apperr.Validation("outcome must be one of %v", outcomes)
	}
	if !s.IsModerator(moderatorID) {
		return nil, nil, ErrNotModerator
	}

	unlock, err := s.trades.Lock(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	t, err = s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	if t.IsParticipant(moderatorID) {
		return nil, nil, apperr.Wrap(apperr.ErrDispute, "%w: moderator is a party to trade %s", apperr.ErrForbidden, t.ID)
	}
	if t.Status.IsTerminal() {
		return nil, nil, apperr.Wrap(apperr.ErrDispute, "trade %s is already %s", t.ID, t.Status)
	}
	if t.Status != trades.StatusDisputed {
		return nil, nil, apperr.Wrap(apperr.ErrDispute, "trade %s is not disputed", t.ID)
	}

	if c, err = s.claim(ctx, t, moderatorID, outcome, notes); err != nil {
		return nil, nil, err
	}

	rec, err := s.escrow.Get(ctx, t.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	buyerAmount := s.buyerAmount(outcome, t.Amount)
	done := s.track(ctx, t, buyerAmount)
	settleErr := s.settle(ctx, t, rec, outcome, buyerAmount)
	done()
	if settleErr != nil {
		s.logger.Error("dispute settlement failed", "tradeId", t.ID, "escrowId", t.EscrowID,
			"outcome", string(outcome), "error", settleErr)
		return nil, nil, settleErr
	}

	if outcome == OutcomeBuyerWins || outcome == OutcomeCompromise {
		t, err = s.trades.CompleteAfterDispute(ctx, tradeID, string(outcome))
	} else {
		t, err = s.trades.CancelAfterDispute(ctx, tradeID, string(outcome))
	}
	if err != nil {
		logging.Critical(ctx, s.logger, "dispute escrow settled but trade not closed",
			"tradeId", tradeID, "escrowId", rec.ID, "outcome", string(outcome), "error", err)
		metrics.ManualInterventionsTotal.WithLabelValues("dispute_close").Inc()
		return nil, nil, apperr.Wrap(apperr.ErrManualIntervention, "trade %s: %w", tradeID, err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved:" + string(outcome)).Inc()
	s.logger.Info("dispute resolved", "tradeId", tradeID, "moderator", moderatorID, "outcome", string(outcome),
		"buyerAmount", buyerAmount.String(), "status", string(t.Status))
	return c, t, nil
}

// claim resolves the case, or accepts an earlier claim with the same
// outcome whose settlement never finished.
func (s *Service) claim(ctx context.Context, t *trades.Trade, moderatorID string, outcome Outcome, notes string) (*Case, error) {
	if _, err := s.caseFor(ctx, t); err != nil {
		return nil, err
	}
	c, err := s.store.Resolve(ctx, t.ID, moderatorID, outcome, notes)
	if !errors.Is(err, ErrCaseClosed) {
		return c, err
	}
	prev, getErr := s.store.Get(ctx, t.ID)
	if getErr != nil {
		return nil, getErr
	}
	if prev.Resolution != outcome {
		return nil, apperr.Wrap(apperr.ErrDispute, "trade %s already resolved as %s", t.ID, prev.Resolution)
	}
	s.logger.Warn("resuming dispute settlement", "tradeId", t.ID, "outcome", string(outcome))
	return prev, nil
}

// caseFor returns the case of a disputed trade, recreating it if the trade
// was disputed but the case was never stored.
func (s *Service) caseFor(ctx context.Context, t *trades.Trade) (*Case, error) {
	c, err := s.store.Get(ctx, t.ID)
	if !errors.Is(err, ErrCaseNotFound) {
		return c, err
	}
	c = &Case{TradeID: t.ID, Reason: t.DisputeReason, Status: StatusOpen, OpenedAt: s.now()}
	if t.DisputeOpenedAt != nil {
		c.OpenedAt = *t.DisputeOpenedAt
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Warn("recreated missing dispute case", "tradeId", t.ID)
	return c, nil
}

// buyerAmount is what the buyer ends up with under outcome.
func (s *Service) buyerAmount(outcome Outcome, tradeAmount decimal.Decimal) decimal.Decimal {
	switch outcome {
	case OutcomeBuyerWins:
		return tradeAmount
	case OutcomeCompromise:
		return money.Token(tradeAmount.Mul(s.buyerShare))
	default:
		return decimal.Zero
	}
}

func (s *Service) settle(ctx context.Context, t *trades.Trade, rec *escrow.Record, outcome Outcome, buyerAmount decimal.Decimal) error {
	switch {
	case outcome == OutcomeBuyerWins:
		return s.release(ctx, rec, t.BuyerID)
	case outcome.RefundsSeller():
		return s.refund(ctx, rec, "dispute_"+string(outcome))
	}

	if rec.Backing.OnChain() {
		logging.Critical(ctx, s.logger, "compromise on on-chain escrow needs manual settlement",
			"tradeId", t.ID, "escrowId", rec.ID, "buyerAmount", buyerAmount.String())
		metrics.ManualInterventionsTotal.WithLabelValues("dispute_compromise").Inc()
		return apperr.Wrap(apperr.ErrManualIntervention, "on-chain escrow %s cannot be split", rec.ID)
	}
	switch {
	case buyerAmount.IsZero():
		return s.refund(ctx, rec, "dispute_compromise")
	case buyerAmount.Equal(rec.Amount):
		return s.release(ctx, rec, t.BuyerID)
	}

	toBuyer, toSeller, err := s.compromiseParts(ctx, rec, buyerAmount, t.BuyerID)
	if err != nil {
		return err
	}
	if err := s.release(ctx, toBuyer, t.BuyerID); err != nil {
		return err
	}
	return s.refund(ctx, toSeller, "dispute_compromise")
}

// compromiseParts splits rec into the buyer's and the seller's share, or
// finds the parts of an earlier split.
func (s *Service) compromiseParts(ctx context.Context, rec *escrow.Record, buyerAmount decimal.Decimal, buyerID string) (toBuyer, toSeller *escrow.Record, err error) {
	switch rec.Status {
	case escrow.StatusLocked:
		return s.escrow.Split(ctx, rec.ID, buyerAmount)
	case escrow.StatusSplit:
	default:
		return nil, nil, apperr.Wrap(apperr.ErrDispute, "escrow %s is already %s", rec.ID, rec.Status)
	}

	children, err := s.escrow.Children(ctx, rec.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(children) != 2 {
		return nil, nil, apperr.Wrap(apperr.ErrManualIntervention, "escrow %s has %d split parts", rec.ID, len(children))
	}
	a, b := children[0], children[1]
	switch {
	case a.Status == escrow.StatusReleased && a.ReleasedTo == buyerID,
		a.Status == escrow.StatusLocked && b.Status != escrow.StatusReleased && a.Amount.Equal(buyerAmount):
		return a, b, nil
	default:
		return b, a, nil
	}
}

func (s *Service) release(ctx context.Context, rec *escrow.Record, to string) error {
	var err error
	if rec.Backing.OnChain() {
		_, err = s.escrow.ResolveOnChain(ctx, rec.ID, true, to)
	} else {
		_, err = s.escrow.Release(ctx, rec.ID, to)
	}
	if !errors.Is(err, escrow.ErrNotLocked) {
		return err
	}
	cur, getErr := s.escrow.Get(ctx, rec.ID)
	if getErr == nil && cur.Status == escrow.StatusReleased && cur.ReleasedTo == to {
		return nil
	}
	return err
}

func (s *Service) refund(ctx context.Context, rec *escrow.Record, reason string) error {
	var err error
	if rec.Backing.OnChain() {
		_, err = s.escrow.ResolveOnChain(ctx, rec.ID, false, "")
	} else {
		_, err = s.escrow.Refund(ctx, rec.ID, reason)
	}
	if !errors.Is(err, escrow.ErrNotLocked) {
		return err
	}
	cur, getErr := s.escrow.Get(ctx, rec.ID)
	if getErr == nil && cur.Status == escrow.StatusRefunded {
		return nil
	}
	return err
}

// track checks both participants' totals moved by the buyer's share.
func (s *Service) track(ctx context.Context, t *trades.Trade, buyerAmount decimal.Decimal) func() {
	if s.validator == nil {
		return func() {}
	}
	return s.validator.Track(ctx, "dispute_resolve", t.ID, t.Token, map[string]decimal.Decimal{
		t.SellerID: buyerAmount.Neg(),
		t.BuyerID:  buyerAmount,
	})
}
