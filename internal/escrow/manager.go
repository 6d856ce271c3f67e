package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/chain"
	"github.com/p2pdesk/settlement/internal/circuitbreaker"
	"github.com/p2pdesk/settlement/internal/idgen"
	"github.com/p2pdesk/settlement/internal/ledger"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/reconciliation"
	"github.com/p2pdesk/settlement/internal/retry"
	"github.com/p2pdesk/settlement/internal/syncutil"
	"github.com/p2pdesk/settlement/internal/traces"
)

// contractBreakerKey is the circuit for the escrow contract endpoint.
const contractBreakerKey = "escrow_contract"

// AuditRecorder writes audit entries for state changes that move no funds.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, e *ledger.AuditEntry) error
}

// Manager locks, releases, refunds and splits escrow records.
type Manager struct {
	store     Store
	ledger    LedgerService
	audit     AuditRecorder
	validator BalanceValidator
	tokens    map[string]bool
	locks     *syncutil.ContextShardedMutex
	logger    *slog.Logger

	contract    chain.EscrowBackend
	keys        chain.KeyProvider
	fallback    *chain.Signer
	arbitrator  *chain.Signer
	breaker     *circuitbreaker.Breaker
	callTimeout time.Duration
	minMinutes  int64
}

// NewManager creates a database-backed escrow manager for tokens.
func NewManager(store Store, ledger LedgerService, tokens []string, logger *slog.Logger) *Manager {
	m := &Manager{
		store:       store,
		ledger:      ledger,
		tokens:      make(map[string]bool, len(tokens)),
		locks:       syncutil.NewContextShardedMutex(),
		logger:      logger,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		callTimeout: 30 * time.Second,
	}
	for _, t := range tokens {
		m.tokens[normToken(t)] = true
	}
	m.breaker.IsFailure = isEndpointFailure
	return m
}

// WithContract switches new locks to on-chain backing. keys resolves user
// signers and addresses.
func (m *Manager) WithContract(contract chain.EscrowBackend, keys chain.KeyProvider) *Manager {
	m.contract = contract
	m.keys = keys
	return m
}

// WithFallbackSigner sets the operator signer used when an owner refund fails.
func (m *Manager) WithFallbackSigner(s *chain.Signer) *Manager {
	m.fallback = s
	return m
}

// WithArbitrator sets the signer for on-chain dispute resolution.
func (m *Manager) WithArbitrator(s *chain.Signer) *Manager {
	m.arbitrator = s
	return m
}

// WithCallTimeout bounds every contract call.
func (m *Manager) WithCallTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.callTimeout = d
	}
	return m
}

// WithMinLockMinutes sets the lock period used when a request gives none.
func (m *Manager) WithMinLockMinutes(n int64) *Manager {
	m.minMinutes = n
	return m
}

// WithBreaker replaces the contract circuit breaker.
func (m *Manager) WithBreaker(b *circuitbreaker.Breaker) *Manager {
	if b.IsFailure == nil {
		b.IsFailure = isEndpointFailure
	}
	m.breaker = b
	return m
}

// WithValidator checks balances around every lock, release, refund and split.
func (m *Manager) WithValidator(v BalanceValidator) *Manager {
	m.validator = v
	return m
}

// WithAuditRecorder adds an audit sink for splits.
func (m *Manager) WithAuditRecorder(a AuditRecorder) *Manager {
	m.audit = a
	return m
}

// Backing returns the backing new locks get.
func (m *Manager) Backing() BackingKind {
	if m.contract != nil {
		return BackingOnChain
	}
	return BackingDatabase
}

// Supports reports whether token can be escrowed.
func (m *Manager) Supports(token string) bool {
	return m.tokens[normToken(token)]
}

// Get returns a record by id.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// ListByOwner returns the owner's records, newest first.
func (m *Manager) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	return m.store.ListByOwner(ctx, ownerID, limit)
}

// Children returns the records a split of id produced.
func (m *Manager) Children(ctx context.Context, id string) ([]*Record, error) {
	return m.store.ListChildren(ctx, id)
}

// LockedHoldings reports every locked record for reconciliation.
func (m *Manager) LockedHoldings(ctx context.Context) ([]reconciliation.Holding, error) {
	records, err := m.store.ListLocked(ctx)
	if err != nil {
		return nil, err
	}
	holdings := make([]reconciliation.Holding, 0, len(records))
	for _, r := range records {
		holdings = append(holdings, reconciliation.Holding{
			UserID:  r.OwnerID,
			Token:   r.Token,
			Amount:  r.Amount,
			OnChain: r.Backing.OnChain(),
		})
	}
	return holdings, nil
}

// Lock moves amount of the owner's available tokens into a new escrow record.
func (m *Manager) Lock(ctx context.Context, req LockRequest) (rec *Record, err error) {
	req.Token = normToken(req.Token)
	backing := m.Backing()
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.UserID(req.OwnerID), traces.Token(req.Token), traces.Amount(req.Amount.String()), traces.Backing(string(backing)))
	defer func() {
		traces.End(span, err)
		metrics.ObserveEscrow("lock", string(backing), started, errCode(err))
	}()

	if req.OwnerID == "" {
		return nil, apperr.Validation("owner is required")
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(money.Token(req.Amount)) {
		return nil, apperr.Validation("amount must be positive with at most %d decimal places", money.TokenPlaces)
	}
	if !m.tokens[req.Token] {
		return nil, apperr.Wrap(apperr.ErrUnsupportedToken, "%s cannot be escrowed", req.Token)
	}
	available, err := m.ledger.GetAvailableBalance(ctx, req.OwnerID, req.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if available.LessThan(req.Amount) {
		return nil, apperr.Wrap(apperr.ErrInsufficientFunds, "available %s < %s %s",
			money.FormatToken(available), money.FormatToken(req.Amount), req.Token)
	}

	rec = &Record{
		ID:             idgen.WithPrefix(idgen.Escrow),
		OwnerID:        req.OwnerID,
		CounterpartyID: req.CounterpartyID,
		TradeID:        req.TradeID,
		Token:          req.Token,
		Amount:         req.Amount,
		Status:         StatusLocked,
		Backing:        Backing{Kind: backing},
		CreatedAt:      time.Now(),
	}
	done := m.track(ctx, "escrow_lock", rec.ID, rec.Token, map[string]decimal.Decimal{rec.OwnerID: decimal.Zero})
	defer done()

	if backing == BackingOnChain {
		if err := m.lockOnChain(ctx, rec, req.Duration); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if err := m.ledger.EscrowLock(ctx, rec.OwnerID, rec.Token, rec.Amount, rec.ID); err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, rec); err != nil {
		// Hand the funds back; the record never existed.
		refundErr := retry.Do(context.WithoutCancel(ctx), retry.Compensation, func(ctx context.Context) error {
			return m.ledger.EscrowRefund(ctx, rec.OwnerID, rec.Token, rec.Amount, rec.ID)
		})
		if refundErr != nil {
			m.manual(ctx, "lock", "escrow lock compensation failed, funds stuck in escrowed",
				"escrowId", rec.ID, "owner", rec.OwnerID, "token", rec.Token, "amount", rec.Amount.String(),
				"storeError", err, "refundError", refundErr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	m.logger.Info("escrow locked", "escrowId", rec.ID, "owner", rec.OwnerID, "token", rec.Token,
		"amount", rec.Amount.String(), "backing", string(backing), "tradeId", rec.TradeID)
	return rec, nil
}

func (m *Manager) lockOnChain(ctx context.Context, rec *Record, duration time.Duration) error {
	if rec.CounterpartyID == "" {
		return apperr.Validation("on-chain escrow needs a counterparty")
	}
	locker, err := m.keys.SignerFor(rec.OwnerID)
	if err != nil {
		return apperr.Wrap(apperr.ErrEscrowBackend, "owner signer: %w", err)
	}
	counterparty, err := m.keys.AddressOf(rec.CounterpartyID)
	if err != nil {
		return apperr.Wrap(apperr.ErrEscrowBackend, "counterparty address: %w", err)
	}

	minutes := int64(duration / time.Minute)
	if duration%time.Minute != 0 {
		minutes++
	}
	minutes = max(minutes, m.minMinutes)
	var contractMin int64
	err = retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		return m.callContract(ctx, func(ctx context.Context) error {
			var err error
			contractMin, err = m.contract.MinLockMinutes(ctx)
			return err
		})
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrEscrowBackend, "read minimum lock: %w", err)
	}
	minutes = max(minutes, contractMin)

	var created *chain.CreateResult
	err = m.callContract(ctx, func(ctx context.Context) error {
		var err error
		created, err = m.contract.Create(ctx, locker, counterparty, rec.Amount, minutes)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrEscrowBackend, "create contract escrow: %w", err)
	}
	rec.Backing.ContractEscrowID = created.ContractEscrowID
	rec.ExternalRef = created.TxHash

	if err := m.store.Create(ctx, rec); err != nil {
		m.manual(ctx, "lock", "contract escrow created but record not persisted",
			"escrowId", rec.ID, "contractEscrowId", created.ContractEscrowID, "txHash", created.TxHash,
			"owner", rec.OwnerID, "amount", rec.Amount.String(), "error", err)
		return apperr.Wrap(apperr.ErrManualIntervention, "persist escrow %s: %w", rec.ID, err)
	}

	err = retry.Do(context.WithoutCancel(ctx), retry.Compensation, retry.OnlyIf(isTransient, func(ctx context.Context) error {
		return m.ledger.EscrowLock(ctx, rec.OwnerID, rec.Token, rec.Amount, mirrorRef(rec))
	}))
	if err != nil {
		m.manual(ctx, "lock", "contract escrow created but ledger not mirrored",
			"escrowId", rec.ID, "contractEscrowId", created.ContractEscrowID, "owner", rec.OwnerID,
			"amount", rec.Amount.String(), "error", err)
		return apperr.Wrap(apperr.ErrManualIntervention, "mirror escrow %s: %w", rec.ID, err)
	}

	m.logger.Info("escrow locked on-chain", "escrowId", rec.ID, "contractEscrowId", created.ContractEscrowID,
		"txHash", created.TxHash, "owner", rec.OwnerID, "minutes", minutes)
	return nil
}

// Release pays a locked record out to toUserID.
func (m *Manager) Release(ctx context.Context, id, toUserID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id), traces.UserID(toUserID))
	started := time.Now()
	backing := ""
	defer func() {
		traces.End(span, err)
		metrics.ObserveEscrow("release", backing, started, errCode(err))
	}()

	if toUserID == "" {
		return nil, apperr.Validation("release needs a recipient")
	}
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under lock
	rec, err = m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	backing = string(rec.Backing.Kind)
	if rec.Status != StatusLocked {
		return nil, ErrNotLocked
	}
	if rec.OwnerID == toUserID {
		return nil, apperr.Validation("cannot release escrow to its owner")
	}

	done := m.track(ctx, "escrow_release", rec.ID, rec.Token, map[string]decimal.Decimal{
		rec.OwnerID: rec.Amount.Neg(),
		toUserID:    rec.Amount,
	})
	defer done()

	if rec.Backing.OnChain() {
		return m.releaseOnChain(ctx, rec, toUserID)
	}

	if err := m.settleLedger(ctx, "release", rec, func(ctx context.Context) error {
		return m.ledger.EscrowRelease(ctx, rec.OwnerID, toUserID, rec.Token, rec.Amount, rec.ID)
	}); err != nil {
		return nil, err
	}
	settled, err := m.markSettled(ctx, "release", rec, StatusReleased, func(r *Record) {
		r.ReleasedTo = toUserID
	})
	if err != nil {
		return nil, err
	}

	m.finished(settled)
	m.logger.Info("escrow released", "escrowId", settled.ID, "owner", settled.OwnerID, "to", toUserID,
		"amount", settled.Amount.String(), "tradeId", settled.TradeID)
	return settled, nil
}

func (m *Manager) releaseOnChain(ctx context.Context, rec *Record, toUserID string) (*Record, error) {
	status, err := m.contractStatus(ctx, rec)
	if err != nil {
		return nil, err
	}
	var txHash string
	switch status {
	case chain.ContractStatusActive:
		owner, err := m.keys.SignerFor(rec.OwnerID)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrEscrowBackend, "owner signer: %w", err)
		}
		err = m.callContract(ctx, func(ctx context.Context) error {
			var err error
			txHash, err = m.contract.Release(ctx, rec.Backing.ContractEscrowID, owner)
			return err
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrEscrowBackend, "release contract escrow %s: %w", rec.Backing.ContractEscrowID, err)
		}
	case chain.ContractStatusReleased:
		// A previous attempt released on-chain but did not finish recording it.
		m.logger.Warn("contract escrow already released, completing record", "escrowId", rec.ID)
	default:
		return nil, m.diverged(ctx, "release", rec, status)
	}

	return m.completeOnChain(ctx, "release", rec, StatusReleased, toUserID, "", txHash, func(ctx context.Context) error {
		return m.ledger.EscrowRelease(ctx, rec.OwnerID, toUserID, rec.Token, rec.Amount, mirrorRef(rec))
	})
}

// Refund returns a locked record to its owner. For on-chain records a failed
// owner refund is retried once with the fallback signer; if that also fails
// the record and ledger are left untouched and ErrManualIntervention returned.
func (m *Manager) Refund(ctx context.Context, id, reason string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	started := time.Now()
	backing := ""
	defer func() {
		traces.End(span, err)
		metrics.ObserveEscrow("refund", backing, started, errCode(err))
	}()

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	backing = string(rec.Backing.Kind)
	if rec.Status != StatusLocked {
		return nil, ErrNotLocked
	}

	done := m.track(ctx, "escrow_refund", rec.ID, rec.Token, map[string]decimal.Decimal{rec.OwnerID: decimal.Zero})
	defer done()

	if rec.Backing.OnChain() {
		return m.refundOnChain(ctx, rec, reason)
	}

	if err := m.settleLedger(ctx, "refund", rec, func(ctx context.Context) error {
		return m.ledger.EscrowRefund(ctx, rec.OwnerID, rec.Token, rec.Amount, rec.ID)
	}); err != nil {
		return nil, err
	}
	settled, err := m.markSettled(ctx, "refund", rec, StatusRefunded, func(r *Record) {
		r.Reason = reason
	})
	if err != nil {
		return nil, err
	}

	m.finished(settled)
	m.logger.Info("escrow refunded", "escrowId", settled.ID, "owner", settled.OwnerID,
		"amount", settled.Amount.String(), "reason", reason)
	return settled, nil
}

func (m *Manager) refundOnChain(ctx context.Context, rec *Record, reason string) (*Record, error) {
	cid := rec.Backing.ContractEscrowID

	var (
		canRefund bool
		status    chain.ContractStatus
	)
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		return m.callContract(ctx, func(ctx context.Context) error {
			var err error
			canRefund, status, err = m.contract.CanRefund(ctx, cid)
			return err
		})
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrEscrowBackend, "check refundable %s: %w", cid, err)
	}

	var txHash string
	switch status {
	case chain.ContractStatusActive:
		var ownerErr error
		if canRefund {
			txHash, ownerErr = m.refundWith(ctx, cid, func() (*chain.Signer, error) { return m.keys.SignerFor(rec.OwnerID) })
		} else {
			ownerErr = errors.New("owner refund not yet permitted")
		}
		if ownerErr != nil {
			m.logger.Warn("owner refund failed, trying fallback signer", "escrowId", rec.ID, "contractEscrowId", cid, "error", ownerErr)
			var fallbackErr error
			txHash, fallbackErr = m.refundWith(ctx, cid, func() (*chain.Signer, error) {
				if m.fallback == nil {
					return nil, chain.ErrNoSigner
				}
				return m.fallback, nil
			})
			if fallbackErr != nil {
				m.manual(ctx, "refund", "on-chain refund failed with owner and fallback signers",
					"escrowId", rec.ID, "contractEscrowId", cid, "owner", rec.OwnerID, "amount", rec.Amount.String(),
					"ownerError", ownerErr, "fallbackError", fallbackErr)
				return nil, apperr.Wrap(apperr.ErrManualIntervention, "refund escrow %s: %w", rec.ID, fallbackErr)
			}
		}
	case chain.ContractStatusRefunded:
		m.logger.Warn("contract escrow already refunded, completing record", "escrowId", rec.ID)
	default:
		return nil, m.diverged(ctx, "refund", rec, status)
	}

	return m.completeOnChain(ctx, "refund", rec, StatusRefunded, "", reason, txHash, func(ctx context.Context) error {
		return m.ledger.EscrowRefund(ctx, rec.OwnerID, rec.Token, rec.Amount, mirrorRef(rec))
	})
}

func (m *Manager) refundWith(ctx context.Context, cid string, signer func() (*chain.Signer, error)) (string, error) {
	s, err := signer()
	if err != nil {
		return "", err
	}
	var txHash string
	err = m.callContract(ctx, func(ctx context.Context) error {
		var err error
		txHash, err = m.contract.Refund(ctx, cid, s)
		return err
	})
	return txHash, err
}

// ResolveOnChain settles a disputed on-chain record through the arbitrator:
// favorCounterparty releases to toUserID, otherwise the owner is refunded.
func (m *Manager) ResolveOnChain(ctx context.Context, id string, favorCounterparty bool, toUserID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveOnChain", traces.EscrowID(id))
	started := time.Now()
	defer func() {
		traces.End(span, err)
		metrics.ObserveEscrow("resolve", string(BackingOnChain), started, errCode(err))
	}()

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Backing.OnChain() {
		return nil, apperr.Validation("escrow %s is not on-chain", id)
	}
	if rec.Status != StatusLocked {
		return nil, ErrNotLocked
	}
	if favorCounterparty && (toUserID == "" || toUserID == rec.OwnerID) {
		return nil, apperr.Validation("resolution needs a recipient other than the owner")
	}
	if m.arbitrator == nil {
		return nil, apperr.Wrap(apperr.ErrEscrowBackend, "%w: arbitrator", chain.ErrNoSigner)
	}

	deltas := map[string]decimal.Decimal{rec.OwnerID: decimal.Zero}
	if favorCounterparty {
		deltas = map[string]decimal.Decimal{rec.OwnerID: rec.Amount.Neg(), toUserID: rec.Amount}
	}
	done := m.track(ctx, "escrow_resolve", rec.ID, rec.Token, deltas)
	defer done()

	var txHash string
	err = m.callContract(ctx, func(ctx context.Context) error {
		var err error
		txHash, err = m.contract.ResolveDispute(ctx, rec.Backing.ContractEscrowID, favorCounterparty, m.arbitrator)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrEscrowBackend, "resolve contract escrow %s: %w", rec.Backing.ContractEscrowID, err)
	}

	if favorCounterparty {
		return m.completeOnChain(ctx, "resolve", rec, StatusReleased, toUserID, "dispute", txHash, func(ctx context.Context) error {
			return m.ledger.EscrowRelease(ctx, rec.OwnerID, toUserID, rec.Token, rec.Amount, mirrorRef(rec))
		})
	}
	return m.completeOnChain(ctx, "resolve", rec, StatusRefunded, "", "dispute", txHash, func(ctx context.Context) error {
		return m.ledger.EscrowRefund(ctx, rec.OwnerID, rec.Token, rec.Amount, mirrorRef(rec))
	})
}

// Split re-partitions a locked database-backed record into two locked
// children of firstAmount and the remainder. No funds move.
func (m *Manager) Split(ctx context.Context, id string, firstAmount decimal.Decimal) (first, second *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Split", traces.EscrowID(id), traces.Amount(firstAmount.String()))
	started := time.Now()
	defer func() {
		traces.End(span, err)
		metrics.ObserveEscrow("split", string(BackingDatabase), started, errCode(err))
	}()

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	parent, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if parent.Status != StatusLocked {
		return nil, nil, ErrNotLocked
	}
	if parent.Backing.OnChain() {
		return nil, nil, apperr.Wrap(apperr.ErrManualIntervention, "on-chain escrow %s cannot be split", id)
	}
	if !firstAmount.IsPositive() || !firstAmount.LessThan(parent.Amount) || !firstAmount.Equal(money.Token(firstAmount)) {
		return nil, nil, apperr.Validation("split amount must be between 0 and %s exclusive", money.FormatToken(parent.Amount))
	}

	done := m.track(ctx, "escrow_split", parent.ID, parent.Token, map[string]decimal.Decimal{parent.OwnerID: decimal.Zero})
	defer done()

	now := time.Now()
	child := func(amount decimal.Decimal) *Record {
		return &Record{
			ID:             idgen.WithPrefix(idgen.Escrow),
			OwnerID:        parent.OwnerID,
			CounterpartyID: parent.CounterpartyID,
			TradeID:        parent.TradeID,
			ParentID:       parent.ID,
			Token:          parent.Token,
			Amount:         amount,
			Status:         StatusLocked,
			Backing:        parent.Backing,
			CreatedAt:      now,
		}
	}
	first, second = child(firstAmount), child(parent.Amount.Sub(firstAmount))
	if err := m.store.Split(ctx, parent.ID, first, second); err != nil {
		return nil, nil, err
	}

	if m.audit != nil {
		entry := ledger.NewAuditEntry(ctx, parent.OwnerID, parent.Token, "escrow_split", parent.ID,
			fmt.Sprintf("split into %s (%s) and %s (%s)", first.ID, first.Amount, second.ID, second.Amount))
		entry.Amount = parent.Amount.String()
		if err := m.audit.RecordAudit(ctx, entry); err != nil {
			m.logger.Warn("failed to audit escrow split", "escrowId", parent.ID, "error", err)
		}
	}

	m.logger.Info("escrow split", "escrowId", parent.ID, "first", first.ID, "second", second.ID,
		"firstAmount", first.Amount.String(), "secondAmount", second.Amount.String())
	return first, second, nil
}

// LinkToTrade associates an order-time record with a matched trade.
func (m *Manager) LinkToTrade(ctx context.Context, id, tradeID string) error {
	if tradeID == "" {
		return apperr.Validation("trade is required")
	}
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return m.store.LinkTrade(ctx, id, tradeID)
}

// completeOnChain mirrors a settled contract escrow in the ledger and marks
// the record. Both writes are idempotent, so a retried call converges.
func (m *Manager) completeOnChain(ctx context.Context, op string, rec *Record, to Status, toUserID, reason, txHash string, mirror func(ctx context.Context) error) (*Record, error) {
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, retry.Compensation, retry.OnlyIf(isTransient, mirror))
	if err != nil {
		m.manual(ctx, op, "contract escrow settled but ledger not mirrored",
			"escrowId", rec.ID, "contractEscrowId", rec.Backing.ContractEscrowID, "txHash", txHash, "error", err)
		return nil, apperr.Wrap(apperr.ErrManualIntervention, "mirror %s of escrow %s: %w", op, rec.ID, err)
	}

	mutate := func(r *Record) {
		r.ReleasedTo = toUserID
		if txHash != "" {
			r.ExternalRef = txHash
		}
		if reason != "" {
			r.Reason = reason
		}
	}
	settled, err := m.store.Transition(ctx, rec.ID, to, mutate)
	if err != nil && !errors.Is(err, ErrNotLocked) {
		// Retry once
		settled, err = m.store.Transition(ctx, rec.ID, to, mutate)
	}
	if err != nil {
		m.manual(ctx, op, "contract escrow settled but record update failed",
			"escrowId", rec.ID, "contractEscrowId", rec.Backing.ContractEscrowID, "txHash", txHash,
			"status", string(to), "error", err)
		return nil, apperr.Wrap(apperr.ErrManualIntervention, "persist %s of escrow %s: %w", op, rec.ID, err)
	}

	m.finished(settled)
	m.logger.Info("escrow settled on-chain", "operation", op, "escrowId", settled.ID,
		"contractEscrowId", settled.Backing.ContractEscrowID, "txHash", txHash, "status", string(to))
	return settled, nil
}

// settleLedger moves a locked record's funds. The caller holds the record
// lock and marks the record only after this succeeds; the posting is keyed
// on the record id, so a retry after a failed mark does not move twice.
func (m *Manager) settleLedger(ctx context.Context, op string, rec *Record, move func(ctx context.Context) error) error {
	err := retry.Do(context.WithoutCancel(ctx), retry.Compensation, retry.OnlyIf(isTransient, move))
	if err != nil {
		m.logger.Error("escrow ledger move failed, record left locked", "op", op,
			"escrowId", rec.ID, "owner", rec.OwnerID, "token", rec.Token, "amount", rec.Amount.String(), "error", err)
		return err
	}
	return nil
}

// markSettled records the outcome of a ledger move that already happened.
func (m *Manager) markSettled(ctx context.Context, op string, rec *Record, to Status, mutate func(*Record)) (*Record, error) {
	settled, err := m.store.Transition(ctx, rec.ID, to, mutate)
	if err != nil {
		m.manual(ctx, op, "ledger moved but escrow not marked "+string(to),
			"escrowId", rec.ID, "owner", rec.OwnerID, "token", rec.Token, "amount", rec.Amount.String(), "error", err)
		return nil, apperr.Wrap(apperr.ErrManualIntervention, "%s escrow %s: %w", op, rec.ID, err)
	}
	return settled, nil
}

func (m *Manager) contractStatus(ctx context.Context, rec *Record) (chain.ContractStatus, error) {
	var status chain.ContractStatus
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		return m.callContract(ctx, func(ctx context.Context) error {
			var err error
			_, status, err = m.contract.CanRefund(ctx, rec.Backing.ContractEscrowID)
			return err
		})
	})
	if err != nil {
		return chain.ContractStatusNone, apperr.Wrap(apperr.ErrEscrowBackend, "read contract escrow %s: %w", rec.Backing.ContractEscrowID, err)
	}
	return status, nil
}

// diverged reports a locked record whose contract escrow is not active.
func (m *Manager) diverged(ctx context.Context, op string, rec *Record, status chain.ContractStatus) error {
	m.manual(ctx, op, "contract escrow state does not match record",
		"escrowId", rec.ID, "contractEscrowId", rec.Backing.ContractEscrowID, "contractStatus", status.String())
	return apperr.Wrap(apperr.ErrManualIntervention, "escrow %s is locked but contract escrow is %s", rec.ID, status)
}

func (m *Manager) callContract(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.contract == nil {
		return errors.New("no escrow contract configured")
	}
	err := m.breaker.Execute(contractBreakerKey, func() error {
		cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
		return fn(cctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Permanent(err)
	}
	return err
}

func (m *Manager) manual(ctx context.Context, op, msg string, args ...any) {
	metrics.ManualInterventionsTotal.WithLabelValues(op).Inc()
	logging.Critical(ctx, m.logger, msg, args...)
}

func (m *Manager) finished(rec *Record) {
	if rec.CompletedAt != nil {
		metrics.EscrowLifetime.Observe(rec.CompletedAt.Sub(rec.CreatedAt).Seconds())
	}
}

func (m *Manager) track(ctx context.Context, op, ref, token string, deltas map[string]decimal.Decimal) func() {
	if m.validator == nil {
		return func() {}
	}
	return m.validator.Track(ctx, op, ref, token, deltas)
}

// mirrorRef keys ledger mirrors of a contract escrow on its contract id.
func mirrorRef(rec *Record) string {
	return "contract:" + rec.Backing.ContractEscrowID
}

// isEndpointFailure counts only errors that say the endpoint is unhealthy.
// A contract that rejects a caller is working as intended.
func isEndpointFailure(err error) bool {
	return !errors.Is(err, chain.ErrNotPermitted) && !errors.Is(err, chain.ErrUnknownEscrow)
}

// isTransient reports ledger errors worth retrying.
func isTransient(err error) bool {
	return !errors.Is(err, apperr.ErrValidation) && !errors.Is(err, apperr.ErrInsufficientFunds)
}

func errCode(err error) string {
	if err == nil {
		return ""
	}
	return apperr.Code(err)
}

func normToken(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
