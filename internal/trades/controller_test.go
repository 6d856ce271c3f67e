package trades

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/idgen"
	"github.com/p2pdesk/settlement/internal/ledger"
	"github.com/p2pdesk/settlement/internal/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var discard = slog.New(slog.DiscardHandler)

type sentEvent struct{ user, trade, event string }

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recordingNotifier) Notify(_ context.Context, userID, tradeID, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{userID, tradeID, event})
}

func (r *recordingNotifier) has(user, event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.user == user && e.event == event {
			return true
		}
	}
	return false
}

// flakyEscrow fails the next release or refund with a backend error, and
// runs beforeRefund ahead of every refund.
type flakyEscrow struct {
	*escrow.Manager
	failRelease  bool
	failRefund   bool
	beforeRefund func()
}

func (f *flakyEscrow) Release(ctx context.Context, id, to string) (*escrow.Record, error) {
	if f.failRelease {
		f.failRelease = false
		return nil, apperr.Wrap(apperr.ErrEscrowBackend, "endpoint down")
	}
	return f.Manager.Release(ctx, id, to)
}

func (f *flakyEscrow) Refund(ctx context.Context, id, reason string) (*escrow.Record, error) {
	if f.beforeRefund != nil {
		f.beforeRefund()
	}
	if f.failRefund {
		f.failRefund = false
		return nil, apperr.Wrap(apperr.ErrEscrowBackend, "endpoint down")
	}
	return f.Manager.Refund(ctx, id, reason)
}

type fixture struct {
	ctl      *Controller
	ledger   *ledger.Ledger
	escrow   *flakyEscrow
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(nil))
	require.NoError(t, l.Deposit(context.Background(), "seller", "USDT", d("100"), "dep_1"))
	em := &flakyEscrow{Manager: escrow.NewManager(escrow.NewMemoryStore(), l, []string{"USDT"}, discard)}
	f := &fixture{ledger: l, escrow: em, notifier: &recordingNotifier{}, now: time.Now()}
	f.ctl = NewController(NewMemoryStore(), em, l, 30*time.Minute, discard).
		WithPlatformAccount("platform").
		WithNotifier(f.notifier).
		WithClock(func() time.Time { return f.now })
	return f
}

// newTrade locks 10 USDT of the seller's and opens a trade for it. The seller
// is the maker and owes 1.50 commission.
func (f *fixture) newTrade(t *testing.T) *Trade {
	t.Helper()
	ctx := context.Background()
	id := idgen.WithPrefix(idgen.Trade)
	rec, err := f.escrow.Lock(ctx, escrow.LockRequest{
		OwnerID: "seller", CounterpartyID: "buyer", TradeID: id, Token: "USDT", Amount: d("10"),
	})
	require.NoError(t, err)
	tr, err := f.ctl.OnTradeCreated(ctx, &Trade{
		ID:               id,
		BuyerID:          "buyer",
		SellerID:         "seller",
		Token:            "USDT",
		Amount:           d("10"),
		PricePerUnit:     d("15.00"),
		TotalValue:       d("150.00"),
		BuyerCommission:  decimal.Zero,
		SellerCommission: d("1.50"),
		MakerSide:        SideSell,
		EscrowID:         rec.ID,
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) balance(t *testing.T, user string) *ledger.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user, "USDT")
	require.NoError(t, err)
	return b
}

func TestOnTradeCreated_OpensPaymentWindow(t *testing.T) {
	f := newFixture(t)
	tr := f.newTrade(t)

	assert.Equal(t, StatusPaymentPending, tr.Status)
	assert.NotNil(t, tr.PaymentPendingAt)
	assert.WithinDuration(t, f.now.Add(30*time.Minute), tr.ExpiresAt, time.Second)
	assert.True(t, f.notifier.has("buyer", EventTradeCreated))
	assert.True(t, f.notifier.has("seller", EventTradeCreated))
}

func TestHappyPath_ReleasesAndCollectsCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	_, err := f.ctl.MarkPaymentMade(ctx, tr.ID, "seller")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	tr, err = f.ctl.MarkPaymentMade(ctx, tr.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentMade, tr.Status)
	assert.True(t, f.notifier.has("seller", EventPaymentMade))

	_, err = f.ctl.ConfirmPayment(ctx, tr.ID, "buyer")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	tr, err = f.ctl.ConfirmPayment(ctx, tr.ID, "seller")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, tr.Status)
	assert.True(t, tr.CommissionSettled)
	assert.NotNil(t, tr.PaymentConfirmedAt)
	assert.NotNil(t, tr.CompletedAt)

	// 1.50 / 15.00 = 0.1 tokens from the seller
	assert.True(t, f.balance(t, "buyer").Available.Equal(d("10")))
	assert.True(t, f.balance(t, "seller").Available.Equal(d("89.9")))
	assert.True(t, f.balance(t, "seller").Escrowed.IsZero())
	assert.True(t, f.balance(t, "platform").Available.Equal(d("0.1")))

	_, err = f.ctl.MarkPaymentMade(ctx, tr.ID, "buyer")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestConfirmPayment_FromPending(t *testing.T) {
	f := newFixture(t)
	tr := f.newTrade(t)

	tr, err := f.ctl.ConfirmPayment(context.Background(), tr.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
}

func TestCancel_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	_, err := f.ctl.Cancel(ctx, tr.ID, "stranger", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.ctl.MarkPaymentMade(ctx, tr.ID, "buyer")
	require.NoError(t, err)

	_, err = f.ctl.Cancel(ctx, tr.ID, "seller", "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("10")), "seller cancel must not refund")

	tr, err = f.ctl.Cancel(ctx, tr.ID, "buyer", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tr.Status)
	assert.Equal(t, "cancelled_by_participant", tr.CancelReason)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("100")))
	assert.True(t, f.notifier.has("buyer", EventTradeCancelled))
}

func TestSellerCancel_BuyerCannotMarkPaidDuringRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	var storeErr error
	markPaid := make(chan error, 1)
	f.escrow.beforeRefund = func() {
		f.escrow.beforeRefund = nil
		// another replica writing straight to the store
		_, storeErr = f.ctl.store.Transition(ctx, tr.ID, []Status{StatusPaymentPending}, StatusPaymentMade, nil)
		go func() {
			_, err := f.ctl.MarkPaymentMade(ctx, tr.ID, "buyer")
			markPaid <- err
		}()
	}

	cancelled, err := f.ctl.Cancel(ctx, tr.ID, "seller", "buyer unresponsive")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "buyer unresponsive", cancelled.CancelReason)
	assert.ErrorIs(t, storeErr, ErrStatusChanged)
	assert.ErrorIs(t, <-markPaid, apperr.ErrInvalidTransition)

	got, err := f.ctl.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.PaymentMadeAt)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("100")))

	_, err = f.ctl.ConfirmPayment(ctx, tr.ID, "seller")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTimeoutCancel_BlocksDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	var disputeErr error
	f.escrow.beforeRefund = func() {
		f.escrow.beforeRefund = nil
		_, disputeErr = f.ctl.store.Transition(ctx, tr.ID, DisputableFrom, StatusDisputed, nil)
	}
	f.now = f.now.Add(31 * time.Minute)
	got, err := f.ctl.HandleTimeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.ErrorIs(t, disputeErr, ErrStatusChanged)

	_, err = f.ctl.MarkDisputed(ctx, tr.ID, "too late", time.Hour)
	assert.ErrorIs(t, err, ErrStatusChanged)
}

func TestCancel_FailedRefundReopensTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)
	tr, err := f.ctl.MarkPaymentMade(ctx, tr.ID, "buyer")
	require.NoError(t, err)

	f.escrow.failRefund = true
	_, err = f.ctl.Cancel(ctx, tr.ID, "buyer", "")
	require.ErrorIs(t, err, apperr.ErrEscrowBackend)

	got, err := f.ctl.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentMade, got.Status)
	assert.Empty(t, got.CancelReason)
	require.NotNil(t, got.PaymentMadeAt)
	assert.True(t, got.PaymentMadeAt.Equal(*tr.PaymentMadeAt))
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("10")))

	got, err = f.ctl.Cancel(ctx, tr.ID, "buyer", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("100")))
}

func TestSweep_FinishesInterruptedCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	// claimed, then the process died before the refund
	_, err := f.ctl.store.Transition(ctx, tr.ID, cancellableFrom, StatusCancelling, func(claimed *Trade) {
		claimed.CancelReason = "cancelled_by_participant"
	})
	require.NoError(t, err)

	_, err = f.ctl.Cancel(ctx, tr.ID, "buyer", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.ctl.MarkDisputed(ctx, tr.ID, "paid", time.Hour)
	assert.ErrorIs(t, err, ErrStatusChanged)

	f.now = f.now.Add(31 * time.Minute)
	handled, err := f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	got, err := f.ctl.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "cancelled_by_participant", got.CancelReason)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("100")))
}

func TestSettleCommissions_CollectsOnceSellerCanPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)
	// leave the seller with nothing beyond the escrowed 10
	require.NoError(t, f.ledger.Debit(ctx, "seller", "USDT", d("90"), "wd_1", "withdrawal"))

	done, err := f.ctl.ConfirmPayment(ctx, tr.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.False(t, done.CommissionSettled)
	assert.True(t, f.balance(t, "buyer").Available.Equal(d("10")))

	owed, err := f.ctl.store.CountUnsettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, owed)

	n, err := f.ctl.SettleCommissions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "seller still short")

	require.NoError(t, f.ledger.Deposit(ctx, "seller", "USDT", d("1"), "dep_2"))
	n, err = f.ctl.SettleCommissions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ctl.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.CommissionSettled)
	assert.True(t, f.balance(t, "platform").Available.Equal(d("0.1")))
	assert.True(t, f.balance(t, "seller").Available.Equal(d("0.9")))

	n, err = f.ctl.SettleCommissions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("0.9")))
	owed, err = f.ctl.store.CountUnsettled(ctx)
	require.NoError(t, err)
	assert.Zero(t, owed)
}

func TestHandleTimeout_RefundsAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	got, err := f.ctl.HandleTimeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status, "not yet expired")

	f.now = f.now.Add(31 * time.Minute)
	got, err = f.ctl.HandleTimeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "timeout", got.CancelReason)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("100")))

	again, err := f.ctl.HandleTimeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.True(t, f.balance(t, "seller").Available.Equal(d("100")))
}

func TestHandleTimeout_CompletedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)
	_, err := f.ctl.ConfirmPayment(ctx, tr.ID, "seller")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		got, err := f.ctl.HandleTimeout(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	}
	assert.True(t, f.balance(t, "buyer").Available.Equal(d("10")))
}

func TestHandleTimeout_FinishesConfirmedTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	f.escrow.failRelease = true
	_, err := f.ctl.ConfirmPayment(ctx, tr.ID, "seller")
	require.ErrorIs(t, err, apperr.ErrEscrowBackend)

	stuck, err := f.ctl.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentConfirmed, stuck.Status)

	done, err := f.ctl.HandleTimeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.True(t, f.balance(t, "buyer").Available.Equal(d("10")))
}

func TestDisputedTradesAreNotSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	disputed, err := f.ctl.MarkDisputed(ctx, tr.ID, "no payment", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
	assert.NotNil(t, disputed.DisputeOpenedAt)
	assert.True(t, disputed.ExpiresAt.Equal(tr.ExpiresAt.Add(24*time.Hour)))

	f.now = f.now.Add(48 * time.Hour)
	handled, err := f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, handled)
	got, _ := f.ctl.HandleTimeout(ctx, tr.ID)
	assert.Equal(t, StatusDisputed, got.Status)

	_, err = f.ctl.MarkDisputed(ctx, tr.ID, "again", time.Hour)
	assert.ErrorIs(t, err, ErrStatusChanged)

	closed, err := f.ctl.CompleteAfterDispute(ctx, tr.ID, "buyer_wins")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, closed.Status)
	assert.Equal(t, "buyer_wins", closed.DisputeResolution)
	assert.NotNil(t, closed.ResolvedAt)

	_, err = f.ctl.CancelAfterDispute(ctx, tr.ID, "seller_wins")
	assert.ErrorIs(t, err, ErrStatusChanged)
}

func TestSweep_HandlesDueTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.newTrade(t)
	second := f.newTrade(t)

	f.now = f.now.Add(time.Hour)
	handled, err := f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)

	for _, id := range []string{first.ID, second.ID} {
		got, _ := f.ctl.Get(ctx, id)
		assert.Equal(t, StatusCancelled, got.Status)
	}
	assert.True(t, f.balance(t, "seller").Escrowed.IsZero())
}

func TestConcurrentConfirmAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.newTrade(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.ctl.ConfirmPayment(ctx, tr.ID, "seller")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.ctl.Cancel(ctx, tr.ID, "buyer", "")
	}()
	wg.Wait()

	assert.True(t, (errs[0] == nil) != (errs[1] == nil), "exactly one wins: %v", errs)
	seller, buyer := f.balance(t, "seller"), f.balance(t, "buyer")
	assert.True(t, seller.Escrowed.IsZero())
	assert.True(t, seller.Total().Add(buyer.Total()).Add(f.balance(t, "platform").Total()).Equal(d("100")))
}

func TestHandler_PaymentFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	tr := f.newTrade(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ctxUserID, c.GetHeader("X-User-ID"))
		c.Next()
	})
	NewHandler(f.ctl).RegisterRoutes(r.Group("/v1"))

	do := func(method, path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/v1/trades/"+tr.ID, "stranger").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/trades/"+tr.ID, "buyer").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/v1/trades/"+tr.ID+"/payment-made", "seller").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/v1/trades/"+tr.ID+"/payment-made", "buyer").Code)
	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/v1/trades/"+tr.ID+"/cancel", "seller").Code)

	w := do(http.MethodPost, "/v1/trades/"+tr.ID+"/confirm", "seller")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.Contains(t, w.Body.String(), `"sellerCommission":"1.50"`)

	w = do(http.MethodGet, "/v1/trades", "seller")
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestPostgresStore_TransitionAndQueries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	tr := &Trade{
		ID: idgen.WithPrefix(idgen.Trade), BuyerID: "b1", SellerID: "s1", Token: "USDT",
		Amount: d("10"), PricePerUnit: d("15.00"), TotalValue: d("150.00"),
		BuyerCommission: decimal.Zero, SellerCommission: d("1.50"), MakerSide: SideSell,
		PaymentMethods: []string{"bank"}, Status: StatusPaymentPending, EscrowID: "esc_1",
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, tr))

	due, err := store.ListDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []string{"bank"}, due[0].PaymentMethods)

	n, err := store.CountDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err := store.SumValueSince(ctx, "s1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Equal(d("150")))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, to := range []Status{StatusCancelled, StatusDisputed} {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			_, err := store.Transition(ctx, tr.ID, DisputableFrom, to, nil)
			results <- err
		}(to)
	}
	wg.Wait()
	close(results)
	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, ErrStatusChanged))
		}
	}
	assert.Equal(t, 1, wins)

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.Status == StatusCancelled || got.Status == StatusDisputed)

	n, _ = store.CountDue(ctx, time.Now())
	assert.Zero(t, n)
	done := *tr
	done.ID = idgen.WithPrefix(idgen.Trade)
	done.Status = StatusCompleted
	require.NoError(t, store.Create(ctx, &done))

	owed, err := store.ListUnsettled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, owed, 1)
	assert.Equal(t, done.ID, owed[0].ID)

	_, err = store.Update(ctx, done.ID, []Status{StatusCompleted}, func(row *Trade) { row.CommissionSettled = true })
	require.NoError(t, err)
	n, err = store.CountUnsettled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
