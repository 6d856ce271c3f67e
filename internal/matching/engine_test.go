package matching

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/ledger"
	"github.com/p2pdesk/settlement/internal/orders"
	"github.com/p2pdesk/settlement/internal/participants"
	"github.com/p2pdesk/settlement/internal/trades"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var discard = slog.New(slog.DiscardHandler)

type fixture struct {
	engine   *Engine
	orders   *orders.Service
	escrow   *escrow.Manager
	ledger   *ledger.Ledger
	profiles *participants.Directory
	trades   *trades.Controller
}

func newFixture(t *testing.T, prelock bool) *fixture {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore(nil))
	for _, u := range []string{"seller", "seller2"} {
		require.NoError(t, l.Deposit(ctx, u, "USDT", d("100"), "dep_"+u))
	}
	em := escrow.NewManager(escrow.NewMemoryStore(), l, []string{"USDT"}, discard)
	dir := participants.NewDirectory(participants.NewMemoryStore())
	svc := orders.NewService(orders.NewMemoryStore(), []string{"USDT"}, discard).
		WithEscrow(em, prelock).
		WithProfiles(dir)
	tc := trades.NewController(trades.NewMemoryStore(), em, l, 30*time.Minute, discard).
		WithPlatformAccount("platform")

	f := &fixture{orders: svc, escrow: em, ledger: l, profiles: dir, trades: tc}
	f.engine = NewEngine(svc, em, dir, tc.Store(), tc, d("0.01"), discard)
	return f
}

func (f *fixture) order(t *testing.T, owner string, side orders.Side, amount, price string, mutate ...func(*orders.CreateRequest)) *orders.Order {
	t.Helper()
	req := orders.CreateRequest{
		OwnerID:        owner,
		Side:           side,
		Token:          "USDT",
		Amount:         d(amount),
		PricePerUnit:   d(price),
		PaymentMethods: []string{"bank"},
	}
	for _, m := range mutate {
		m(&req)
	}
	o, err := f.orders.Create(context.Background(), req)
	require.NoError(t, err)
	return o
}

func (f *fixture) balance(t *testing.T, user string) *ledger.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user, "USDT")
	require.NoError(t, err)
	return b
}

func (f *fixture) get(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestMatchAll_SettlesAtSellPriceAndChargesMaker(t *testing.T) {
	f := newFixture(t, false)
	sell := f.order(t, "seller", orders.SideSell, "10", "15.00")
	buy := f.order(t, "buyer", orders.SideBuy, "10", "15.50")

	res, err := f.engine.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Empty(t, res.Failures)

	tr := res.Trades[0]
	assert.True(t, tr.PricePerUnit.Equal(d("15.00")))
	assert.True(t, tr.TotalValue.Equal(d("150")))
	assert.Equal(t, trades.SideSell, tr.MakerSide)
	assert.True(t, tr.SellerCommission.Equal(d("1.50")))
	assert.True(t, tr.BuyerCommission.IsZero())
	assert.Equal(t, trades.StatusPaymentPending, tr.Status)
	assert.Equal(t, buy.ID, tr.BuyOrderID)
	assert.Equal(t, sell.ID, tr.SellOrderID)
	assert.Equal(t, []string{"bank"}, tr.PaymentMethods)

	assert.Equal(t, orders.StatusFilled, f.get(t, sell.ID).Status)
	assert.Equal(t, orders.StatusFilled, f.get(t, buy.ID).Status)
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("10")))

	rec, err := f.escrow.Get(context.Background(), tr.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, rec.TradeID)
	assert.Equal(t, "buyer", rec.CounterpartyID)
}

func TestMatchAll_BuyerMakerPaysCommission(t *testing.T) {
	f := newFixture(t, false)
	f.order(t, "buyer", orders.SideBuy, "10", "15.50")
	time.Sleep(time.Millisecond)
	f.order(t, "seller", orders.SideSell, "10", "15.00")

	res, err := f.engine.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, trades.SideBuy, res.Trades[0].MakerSide)
	assert.True(t, res.Trades[0].BuyerCommission.Equal(d("1.50")))
	assert.True(t, res.Trades[0].SellerCommission.IsZero())
}

func TestMatchAll_PartialFills(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "100", "15.00")

	f.order(t, "buyer", orders.SideBuy, "40", "15.00")
	_, err := f.engine.MatchAll(ctx)
	require.NoError(t, err)
	got := f.get(t, sell.ID)
	assert.Equal(t, orders.StatusPartial, got.Status)
	assert.True(t, got.RemainingAmount.Equal(d("60")))

	f.order(t, "buyer2", orders.SideBuy, "60", "15.00")
	res, err := f.engine.MatchAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	got = f.get(t, sell.ID)
	assert.Equal(t, orders.StatusFilled, got.Status)
	assert.True(t, got.RemainingAmount.IsZero())
	assert.True(t, got.FilledAmount.Equal(d("100")))
}

func TestMatchAll_PriceTimePriority(t *testing.T) {
	f := newFixture(t, false)
	older := f.order(t, "seller", orders.SideSell, "10", "15.00")
	time.Sleep(time.Millisecond)
	f.order(t, "seller2", orders.SideSell, "10", "15.00")
	cheapest := f.order(t, "seller2", orders.SideSell, "5", "14.90")
	f.order(t, "buyer", orders.SideBuy, "15", "15.00")

	res, err := f.engine.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, cheapest.ID, res.Trades[0].SellOrderID)
	assert.True(t, res.Trades[0].PricePerUnit.Equal(d("14.90")))
	assert.Equal(t, older.ID, res.Trades[1].SellOrderID)
	assert.True(t, res.Trades[1].Amount.Equal(d("10")))
}

func TestMatchAll_NoCrossNoTrade(t *testing.T) {
	f := newFixture(t, false)
	f.order(t, "seller", orders.SideSell, "10", "15.10")
	f.order(t, "buyer", orders.SideBuy, "10", "15.00")

	res, err := f.engine.MatchAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Empty(t, res.Failures)
}

func TestMatchAll_InsufficientFundsIsPairFailure(t *testing.T) {
	f := newFixture(t, false)
	sell := f.order(t, "seller", orders.SideSell, "500", "15.00")
	f.order(t, "buyer", orders.SideBuy, "500", "15.00")

	res, err := f.engine.MatchAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "insufficient_funds", res.Failures[0].Code)
	assert.True(t, f.get(t, sell.ID).RemainingAmount.Equal(d("500")))
}

func TestCanMatch_Eligibility(t *testing.T) {
	ctx := context.Background()
	base := func() (*orders.Order, *orders.Order) {
		now := time.Now()
		buy := &orders.Order{ID: "b", OwnerID: "buyer", Side: orders.SideBuy, Token: "USDT", Status: orders.StatusActive,
			TotalAmount: d("10"), RemainingAmount: d("10"), MaxTradeAmount: d("10"), PricePerUnit: d("15"),
			PaymentMethods: []string{"bank"}, CreatedAt: now}
		sell := &orders.Order{ID: "s", OwnerID: "seller", Side: orders.SideSell, Token: "USDT", Status: orders.StatusActive,
			TotalAmount: d("10"), RemainingAmount: d("10"), MaxTradeAmount: d("10"), PricePerUnit: d("15"),
			PaymentMethods: []string{"bank", "sepa"}, CreatedAt: now}
		return buy, sell
	}

	tests := []struct {
		name    string
		setup   func(f *fixture, buy, sell *orders.Order)
		matches bool
	}{
		{"compatible", func(*fixture, *orders.Order, *orders.Order) {}, true},
		{"same owner", func(_ *fixture, b, _ *orders.Order) { b.OwnerID = "seller" }, false},
		{"other token", func(_ *fixture, b, _ *orders.Order) { b.Token = "USDC" }, false},
		{"no shared method", func(_ *fixture, b, _ *orders.Order) { b.PaymentMethods = []string{"cash"} }, false},
		{"below minimum", func(_ *fixture, _, s *orders.Order) { s.MinTradeAmount = d("20"); s.MaxTradeAmount = d("30") }, false},
		{"level too low", func(_ *fixture, _, s *orders.Order) { s.MinCounterpartyLevel = 2 }, false},
		{"level sufficient", func(f *fixture, _, s *orders.Order) {
			s.MinCounterpartyLevel = 2
			require.NoError(t, f.profiles.Save(ctx, &participants.Profile{UserID: "buyer", TradingEnabled: true, VerificationLevel: 3}))
		}, true},
		{"blocked", func(f *fixture, _, _ *orders.Order) {
			_, err := f.profiles.Block(ctx, "seller", "buyer")
			require.NoError(t, err)
		}, false},
		{"trading disabled", func(f *fixture, _, _ *orders.Order) {
			require.NoError(t, f.profiles.Save(ctx, &participants.Profile{UserID: "buyer"}))
		}, false},
		{"single limit", func(f *fixture, _, _ *orders.Order) {
			require.NoError(t, f.profiles.Save(ctx, &participants.Profile{UserID: "buyer", TradingEnabled: true, SingleTradeLimit: d("100")}))
		}, false},
		{"daily limit", func(f *fixture, _, _ *orders.Order) {
			require.NoError(t, f.profiles.Save(ctx, &participants.Profile{UserID: "seller", TradingEnabled: true, DailyLimit: d("200")}))
			require.NoError(t, f.trades.Store().Create(ctx, &trades.Trade{
				ID: "trd_prev", BuyerID: "x", SellerID: "seller", TotalValue: d("100"),
				Status: trades.StatusCompleted, CreatedAt: time.Now(),
			}))
		}, false},
		{"daily limit ignores cancelled", func(f *fixture, _, _ *orders.Order) {
			require.NoError(t, f.profiles.Save(ctx, &participants.Profile{UserID: "seller", TradingEnabled: true, DailyLimit: d("200")}))
			require.NoError(t, f.trades.Store().Create(ctx, &trades.Trade{
				ID: "trd_prev", BuyerID: "x", SellerID: "seller", TotalValue: d("100"),
				Status: trades.StatusCancelled, CreatedAt: time.Now(),
			}))
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			buy, sell := base()
			tt.setup(f, buy, sell)
			ok, err := f.engine.CanMatch(ctx, buy, sell)
			require.NoError(t, err)
			assert.Equal(t, tt.matches, ok)
		})
	}
}

func TestQualify_DropsDisabledOwners(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.profiles.Save(ctx, &participants.Profile{UserID: "frozen"}))

	list := []*orders.Order{
		{ID: "a", OwnerID: "buyer", Status: orders.StatusActive, RemainingAmount: d("1")},
		{ID: "b", OwnerID: "frozen", Status: orders.StatusActive, RemainingAmount: d("1")},
		{ID: "c", OwnerID: "buyer", Status: orders.StatusCancelled, RemainingAmount: d("1")},
	}
	got, err := f.engine.Qualify(ctx, list)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestCreateTradeFromOrder_ConcurrentTakers(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "10", "15.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, taker := range []string{"taker1", "taker2"} {
		wg.Add(1)
		go func(i int, taker string) {
			defer wg.Done()
			_, errs[i] = f.engine.CreateTradeFromOrder(ctx, taker, sell.ID, d("10"))
		}(i, taker)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Retryable(err):
			assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.True(t, f.get(t, sell.ID).RemainingAmount.IsZero())
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("10")), "only one lock survives")
}

func TestCreateTradeFromOrder_RestingIsMaker(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	buy := f.order(t, "buyer", orders.SideBuy, "20", "15.00")

	tr, err := f.engine.CreateTradeFromOrder(ctx, "seller", buy.ID, d("5"))
	require.NoError(t, err)
	assert.Equal(t, "seller", tr.SellerID)
	assert.Equal(t, trades.SideBuy, tr.MakerSide)
	assert.True(t, tr.BuyerCommission.Equal(d("0.75")))
	assert.Empty(t, tr.SellOrderID)
	assert.True(t, f.get(t, buy.ID).RemainingAmount.Equal(d("15")))
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("5")))

	_, err = f.engine.CreateTradeFromOrder(ctx, "buyer", buy.ID, d("1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.engine.CreateTradeFromOrder(ctx, "seller", buy.ID, d("16"))
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)
	_, err = f.engine.CreateTradeFromOrder(ctx, "seller", buy.ID, d("0.0000001"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateTradeFromOrder_Ineligible(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "10", "15.00", func(r *orders.CreateRequest) { r.MinCounterpartyLevel = 1 })

	_, err := f.engine.CreateTradeFromOrder(ctx, "newbie", sell.ID, d("5"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.True(t, f.balance(t, "seller").Escrowed.IsZero())
}

func TestOrderTimeEscrow_CarvedPerTrade(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "100", "15.00")
	parent := sell.EscrowRef
	require.NotEmpty(t, parent)
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("100")))

	tr, err := f.engine.CreateTradeFromOrder(ctx, "buyer", sell.ID, d("40"))
	require.NoError(t, err)

	rec, err := f.escrow.Get(ctx, tr.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, parent, rec.ParentID)
	assert.Equal(t, tr.ID, rec.TradeID)
	assert.True(t, rec.Amount.Equal(d("40")))

	got := f.get(t, sell.ID)
	rest, err := f.escrow.Get(ctx, got.EscrowRef)
	require.NoError(t, err)
	assert.True(t, rest.Amount.Equal(d("60")))
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("100")), "carving moves no funds")

	// The last 60 takes the remaining record whole.
	tr2, err := f.engine.CreateTradeFromOrder(ctx, "buyer2", sell.ID, d("60"))
	require.NoError(t, err)
	assert.Equal(t, rest.ID, tr2.EscrowID)
	assert.Empty(t, f.get(t, sell.ID).EscrowRef)

	// Completing the first trade pays out its share only.
	_, err = f.trades.ConfirmPayment(ctx, tr.ID, "seller")
	require.NoError(t, err)
	assert.True(t, f.balance(t, "buyer").Available.Equal(d("40")))
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("60")))
}

func TestOrderTimeEscrow_CancelRefundsRemainder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "100", "15.00")
	f.order(t, "buyer", orders.SideBuy, "30", "15.00")

	res, err := f.engine.MatchAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	_, err = f.orders.Cancel(ctx, "seller", sell.ID)
	require.NoError(t, err)
	seller := f.balance(t, "seller")
	assert.True(t, seller.Escrowed.Equal(d("30")))
	assert.True(t, seller.Available.Equal(d("70")))
}

// conflictingOrders fails every Consume as if another instance took the capacity.
type conflictingOrders struct {
	*orders.Service
}

func (c conflictingOrders) Consume(context.Context, ...orders.Fill) ([]*orders.Order, error) {
	return nil, orders.ErrCapacity
}

// staleBook hands out an order book snapshot, then fills orderID behind it.
type staleBook struct {
	*orders.Service
	orderID string
	amount  decimal.Decimal
}

func (s staleBook) ListOpen(ctx context.Context, token string) ([]*orders.Order, error) {
	open, err := s.Service.ListOpen(ctx, token)
	if err != nil {
		return nil, err
	}
	_, err = s.Service.Consume(ctx, orders.Fill{OrderID: s.orderID, Amount: s.amount})
	return open, err
}

func TestMatchAll_SkipsOrderFilledElsewhere(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	buy := f.order(t, "buyer", orders.SideBuy, "10", "15.50")
	first := f.order(t, "seller", orders.SideSell, "10", "15.00")
	second := f.order(t, "seller2", orders.SideSell, "10", "15.00")
	f.engine.orders = staleBook{Service: f.orders, orderID: buy.ID, amount: d("10")}

	res, err := f.engine.MatchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.Len(t, res.Failures, 1, "the filled buy is not retried against later sells")
	assert.Equal(t, buy.ID, res.Failures[0].BuyOrderID)
	assert.Equal(t, first.ID, res.Failures[0].SellOrderID)

	assert.Equal(t, orders.StatusActive, f.get(t, first.ID).Status)
	assert.Equal(t, orders.StatusActive, f.get(t, second.ID).Status)
	assert.True(t, f.balance(t, "seller").Escrowed.IsZero())
	assert.True(t, f.balance(t, "seller2").Escrowed.IsZero())
}

func TestCapacityConflict_RefundsFreshLock(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "10", "15.00")
	f.engine.orders = conflictingOrders{f.orders}

	_, err := f.engine.CreateTradeFromOrder(ctx, "buyer", sell.ID, d("10"))
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)

	seller := f.balance(t, "seller")
	assert.True(t, seller.Escrowed.IsZero())
	assert.True(t, seller.Available.Equal(d("100")))
	locked, err := f.escrow.LockedHoldings(ctx)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestCapacityConflict_MergesCarvedEscrow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sell := f.order(t, "seller", orders.SideSell, "100", "15.00")
	f.engine.orders = conflictingOrders{f.orders}

	_, err := f.engine.CreateTradeFromOrder(ctx, "buyer", sell.ID, d("40"))
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)

	got := f.get(t, sell.ID)
	require.NotEmpty(t, got.EscrowRef)
	assert.NotEqual(t, sell.EscrowRef, got.EscrowRef)
	merged, err := f.escrow.Get(ctx, got.EscrowRef)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, merged.Status)
	assert.True(t, merged.Amount.Equal(d("100")))
	assert.True(t, f.balance(t, "seller").Escrowed.Equal(d("100")))
}

func TestHandler_TakeAndRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, false)
	sell := f.order(t, "seller", orders.SideSell, "10", "15.00")

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ctxUserID, c.GetHeader("X-User-ID"))
		c.Next()
	})
	h := NewHandler(f.engine)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/"+sell.ID+"/take", strings.NewReader(`{"amount":"4"}`))
	req.Header.Set("X-User-ID", "buyer")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"amount":"4.000000"`)

	req = httptest.NewRequest(http.MethodPost, "/v1/orders/"+sell.ID+"/take", strings.NewReader(`{"amount":"-4"}`))
	req.Header.Set("X-User-ID", "buyer")
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.order(t, "buyer", orders.SideBuy, "6", "15.00")
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/matching/run", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"failures":[]`)
	assert.Equal(t, orders.StatusFilled, f.get(t, sell.ID).Status)
}
