package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/chain"
	"github.com/p2pdesk/settlement/internal/ledger"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/reconciliation"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var discard = slog.New(slog.DiscardHandler)

type fixture struct {
	manager *Manager
	ledger  *ledger.Ledger
	audit   *ledger.MemoryAuditLogger
	store   *MemoryStore
	alerts  *reconciliation.MemoryAlertStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	audit := ledger.NewMemoryAuditLogger()
	l := ledger.New(ledger.NewMemoryStore(audit)).WithAuditLogger(audit)
	store := NewMemoryStore()
	alerts := reconciliation.NewMemoryAlertStore()
	m := NewManager(store, l, []string{"USDT", "USDC"}, discard).
		WithAuditRecorder(l).
		WithValidator(reconciliation.NewValidator(l, alerts, discard))
	require.NoError(t, l.Deposit(context.Background(), "seller", "USDT", d("100"), "dep_seller"))
	return &fixture{manager: m, ledger: l, audit: audit, store: store, alerts: alerts}
}

func (f *fixture) assertBalance(t *testing.T, user, available, escrowed string) {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), user, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d(available)), "%s available = %s, want %s", user, bal.Available, available)
	assert.True(t, bal.Escrowed.Equal(d(escrowed)), "%s escrowed = %s, want %s", user, bal.Escrowed, escrowed)
}

func (f *fixture) assertNoAlerts(t *testing.T) {
	t.Helper()
	got, _ := f.alerts.List(context.Background(), 10)
	assert.Empty(t, got)
}

func lockReq(amount string) LockRequest {
	return LockRequest{OwnerID: "seller", CounterpartyID: "buyer", TradeID: "trd_1", Token: "usdt", Amount: d(amount)}
}

func TestLock_DatabaseBacking(t *testing.T) {
	f := newFixture(t)
	rec, err := f.manager.Lock(context.Background(), lockReq("40"))
	require.NoError(t, err)

	assert.Equal(t, StatusLocked, rec.Status)
	assert.Equal(t, BackingDatabase, rec.Backing.Kind)
	assert.Equal(t, "USDT", rec.Token)
	f.assertBalance(t, "seller", "60", "40")

	stored, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(d("40")))
	f.assertNoAlerts(t)
}

func TestLock_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  LockRequest
		kind error
	}{
		{"insufficient", lockReq("100.000001"), apperr.ErrInsufficientFunds},
		{"unsupported token", LockRequest{OwnerID: "seller", Token: "DOGE", Amount: d("1")}, apperr.ErrUnsupportedToken},
		{"zero amount", lockReq("0"), apperr.ErrValidation},
		{"too precise", lockReq("1.0000001"), apperr.ErrValidation},
		{"no owner", LockRequest{Token: "USDT", Amount: d("1")}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Lock(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}

	f.assertBalance(t, "seller", "100", "0")
	locked, _ := f.store.ListLocked(ctx)
	assert.Empty(t, locked)
}

type failingCreateStore struct {
	*MemoryStore
}

func (failingCreateStore) Create(context.Context, *Record) error { return errors.New("db down") }

func TestLock_StoreFailureCompensates(t *testing.T) {
	f := newFixture(t)
	m := NewManager(failingCreateStore{NewMemoryStore()}, f.ledger, []string{"USDT"}, discard)

	_, err := m.Lock(context.Background(), lockReq("25"))
	require.Error(t, err)
	f.assertBalance(t, "seller", "100", "0")
}

func TestRelease_MovesFundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	released, err := f.manager.Release(ctx, rec.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, "buyer", released.ReleasedTo)
	assert.NotNil(t, released.CompletedAt)
	f.assertBalance(t, "seller", "90", "0")
	f.assertBalance(t, "buyer", "10", "0")

	_, err = f.manager.Release(ctx, rec.ID, "buyer")
	assert.ErrorIs(t, err, ErrNotLocked)
	_, err = f.manager.Refund(ctx, rec.ID, "late")
	assert.ErrorIs(t, err, ErrNotLocked)
	f.assertBalance(t, "buyer", "10", "0")
	f.assertNoAlerts(t)
}

func TestRelease_ToOwnerRejected(t *testing.T) {
	f := newFixture(t)
	rec, err := f.manager.Lock(context.Background(), lockReq("10"))
	require.NoError(t, err)

	_, err = f.manager.Release(context.Background(), rec.ID, "seller")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRefund_ReturnsToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	refunded, err := f.manager.Refund(ctx, rec.ID, "trade_timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.Equal(t, "trade_timeout", refunded.Reason)
	f.assertBalance(t, "seller", "100", "0")
}

// refusingLedger rejects the next release or refund posting.
type refusingLedger struct {
	LedgerService
	refuse bool
}

func (r *refusingLedger) EscrowRelease(ctx context.Context, from, to, token string, amount decimal.Decimal, ref string) error {
	if r.refuse {
		r.refuse = false
		return apperr.Wrap(apperr.ErrValidation, "posting rejected")
	}
	return r.LedgerService.EscrowRelease(ctx, from, to, token, amount, ref)
}

func (r *refusingLedger) EscrowRefund(ctx context.Context, user, token string, amount decimal.Decimal, ref string) error {
	if r.refuse {
		r.refuse = false
		return apperr.Wrap(apperr.ErrValidation, "posting rejected")
	}
	return r.LedgerService.EscrowRefund(ctx, user, token, amount, ref)
}

// unmarkableStore fails the next status transition.
type unmarkableStore struct {
	*MemoryStore
	fail bool
}

func (u *unmarkableStore) Transition(ctx context.Context, id string, to Status, mutate func(*Record)) (*Record, error) {
	if u.fail {
		u.fail = false
		return nil, errors.New("db down")
	}
	return u.MemoryStore.Transition(ctx, id, to, mutate)
}

func TestRelease_LedgerFailureLeavesRecordLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	refusing := &refusingLedger{LedgerService: f.ledger}
	m := NewManager(f.store, refusing, []string{"USDT"}, discard)
	rec, err := m.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	for _, settle := range []func() error{
		func() error { _, err := m.Release(ctx, rec.ID, "buyer"); return err },
		func() error { _, err := m.Refund(ctx, rec.ID, "timeout"); return err },
	} {
		refusing.refuse = true
		err = settle()
		require.ErrorIs(t, err, apperr.ErrValidation)
		assert.NotErrorIs(t, err, apperr.ErrManualIntervention)

		got, err := f.store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusLocked, got.Status)
		f.assertBalance(t, "seller", "90", "10")
	}

	_, err = m.Release(ctx, rec.ID, "buyer")
	require.NoError(t, err)
	f.assertBalance(t, "seller", "90", "0")
	f.assertBalance(t, "buyer", "10", "0")
}

func TestRefund_MarkFailureRetriesWithoutDoubleMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &unmarkableStore{MemoryStore: f.store}
	m := NewManager(store, f.ledger, []string{"USDT"}, discard)
	rec, err := m.Lock(ctx, lockReq("10"))
	require.NoError(t, err)
	require.NoError(t, f.ledger.EscrowLock(ctx, "seller", "USDT", d("5"), "other_hold"))

	store.fail = true
	_, err = m.Refund(ctx, rec.ID, "timeout")
	require.ErrorIs(t, err, apperr.ErrManualIntervention)
	f.assertBalance(t, "seller", "95", "5")

	refunded, err := m.Refund(ctx, rec.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	f.assertBalance(t, "seller", "95", "5")
}

func TestReleaseRefundRace_SettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.manager.Release(ctx, rec.ID, "buyer")
			} else {
				_, err = f.manager.Refund(ctx, rec.ID, "race")
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	seller, _ := f.ledger.GetBalance(ctx, "seller", "USDT")
	buyer, _ := f.ledger.GetBalance(ctx, "buyer", "USDT")
	assert.True(t, seller.Total().Add(buyer.Total()).Equal(d("100")))
	assert.True(t, seller.Escrowed.IsZero())
}

func TestSplit_CompromiseSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	first, second, err := f.manager.Split(ctx, rec.ID, d("5"))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, first.ParentID)
	assert.Equal(t, rec.ID, second.ParentID)
	assert.True(t, second.Amount.Equal(d("5")))
	f.assertBalance(t, "seller", "90", "10")

	parent, _ := f.store.Get(ctx, rec.ID)
	assert.Equal(t, StatusSplit, parent.Status)

	_, err = f.manager.Release(ctx, first.ID, "buyer")
	require.NoError(t, err)
	_, err = f.manager.Refund(ctx, second.ID, "compromise")
	require.NoError(t, err)

	f.assertBalance(t, "buyer", "5", "0")
	f.assertBalance(t, "seller", "95", "0")
	f.assertNoAlerts(t)

	var audited bool
	for _, e := range f.audit.Entries() {
		if e.Operation == "escrow_split" && e.Reference == rec.ID {
			audited = true
		}
	}
	assert.True(t, audited, "split was not audited")
}

func TestSplit_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	for _, amt := range []string{"0", "10", "11", "-1"} {
		_, _, err := f.manager.Split(ctx, rec.ID, d(amt))
		assert.ErrorIs(t, err, apperr.ErrValidation, amt)
	}

	_, err = f.manager.Refund(ctx, rec.ID, "done")
	require.NoError(t, err)
	_, _, err = f.manager.Split(ctx, rec.ID, d("1"))
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestLinkToTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, LockRequest{OwnerID: "seller", Token: "USDT", Amount: d("10")})
	require.NoError(t, err)

	require.NoError(t, f.manager.LinkToTrade(ctx, rec.ID, "trd_9"))
	require.NoError(t, f.manager.LinkToTrade(ctx, rec.ID, "trd_9"))
	assert.ErrorIs(t, f.manager.LinkToTrade(ctx, rec.ID, "trd_10"), ErrAlreadyLinked)

	got, _ := f.manager.Get(ctx, rec.ID)
	assert.Equal(t, "trd_9", got.TradeID)
}

func TestLockedHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.manager.Lock(ctx, lockReq("10"))
	_, _ = f.manager.Lock(ctx, lockReq("3"))
	_, err := f.manager.Release(ctx, a.ID, "buyer")
	require.NoError(t, err)

	holdings, err := f.manager.LockedHoldings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Amount.Equal(d("3")))
	assert.False(t, holdings[0].OnChain)

	report, err := reconciliation.NewRunner(f.ledger, f.manager, reconciliation.NewValidator(f.ledger, nil, discard), discard).RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
}

// --- on-chain ---

type chainFixture struct {
	*fixture
	sim      *chain.SimulatedEscrow
	keys     chain.DerivedKeys
	fallback *chain.Signer
	clock    time.Time
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	f := newFixture(t)
	keys := chain.NewDerivedKeys("test-seed")
	fallback, err := keys.SignerFor("operator")
	require.NoError(t, err)
	arbitrator, err := keys.SignerFor("arbitrator")
	require.NoError(t, err)

	cf := &chainFixture{fixture: f, keys: keys, fallback: fallback, clock: time.Now()}
	cf.sim = chain.NewSimulatedEscrow(30, fallback.Address(), arbitrator.Address())
	cf.sim.SetClock(func() time.Time { return cf.clock })

	f.manager.WithContract(cf.sim, keys).
		WithFallbackSigner(fallback).
		WithArbitrator(arbitrator).
		WithCallTimeout(time.Second)
	return cf
}

func TestOnChain_LockAndRelease(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()

	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)
	assert.Equal(t, BackingOnChain, rec.Backing.Kind)
	require.NotEmpty(t, rec.Backing.ContractEscrowID)
	assert.NotEmpty(t, rec.ExternalRef)
	assert.Equal(t, chain.ContractStatusActive, f.sim.Status(rec.Backing.ContractEscrowID))
	f.assertBalance(t, "seller", "90", "10")

	released, err := f.manager.Release(ctx, rec.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, chain.ContractStatusReleased, f.sim.Status(rec.Backing.ContractEscrowID))
	f.assertBalance(t, "seller", "90", "0")
	f.assertBalance(t, "buyer", "10", "0")
	f.assertNoAlerts(t)
}

func TestOnChain_LockNeedsCounterparty(t *testing.T) {
	f := newChainFixture(t)
	_, err := f.manager.Lock(context.Background(), LockRequest{OwnerID: "seller", Token: "USDT", Amount: d("1")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOnChain_RefundFallsBackToOperator(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	// Before the unlock time only an operator may refund.
	refunded, err := f.manager.Refund(ctx, rec.ID, "trade_timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.Equal(t, chain.ContractStatusRefunded, f.sim.Status(rec.Backing.ContractEscrowID))
	f.assertBalance(t, "seller", "100", "0")
}

func TestOnChain_RefundOwnerAfterUnlock(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	f.sim.FailFor(f.fallback.Address(), errors.New("operator key offline"))
	f.clock = f.clock.Add(31 * time.Minute)

	_, err = f.manager.Refund(ctx, rec.ID, "trade_timeout")
	require.NoError(t, err)
	f.assertBalance(t, "seller", "100", "0")
}

func TestOnChain_RefundBothSignersFail(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	f.sim.FailFor(f.fallback.Address(), errors.New("operator key offline"))
	before := testutil.ToFloat64(metrics.ManualInterventionsTotal.WithLabelValues("refund"))

	_, err = f.manager.Refund(ctx, rec.ID, "trade_timeout")
	require.ErrorIs(t, err, apperr.ErrManualIntervention)
	assert.False(t, apperr.Retryable(err))

	got, _ := f.store.Get(ctx, rec.ID)
	assert.Equal(t, StatusLocked, got.Status)
	assert.Equal(t, chain.ContractStatusActive, f.sim.Status(rec.Backing.ContractEscrowID))
	f.assertBalance(t, "seller", "90", "10")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ManualInterventionsTotal.WithLabelValues("refund")))
}

func TestOnChain_ResolveForCounterparty(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	resolved, err := f.manager.ResolveOnChain(ctx, rec.ID, true, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, resolved.Status)
	assert.Equal(t, "dispute", resolved.Reason)
	f.assertBalance(t, "buyer", "10", "0")
	f.assertBalance(t, "seller", "90", "0")
}

func TestOnChain_SplitNeedsManualIntervention(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()
	rec, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	_, _, err = f.manager.Split(ctx, rec.ID, d("5"))
	assert.ErrorIs(t, err, apperr.ErrManualIntervention)
}

func TestOnChain_LockedHoldingsFlagged(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()
	_, err := f.manager.Lock(ctx, lockReq("10"))
	require.NoError(t, err)

	holdings, err := f.manager.LockedHoldings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].OnChain)
}
