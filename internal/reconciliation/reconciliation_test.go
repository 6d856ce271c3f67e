package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var discard = slog.New(slog.DiscardHandler)

type fakeHoldings struct {
	holdings []Holding
	err      error
}

func (f *fakeHoldings) LockedHoldings(context.Context) ([]Holding, error) { return f.holdings, f.err }

type fakeDue struct {
	n         int
	unsettled int
	cutoff    time.Time
}

func (f *fakeDue) CountDue(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.n, nil
}

func (f *fakeDue) CountUnsettled(context.Context) (int, error) { return f.unsettled, nil }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(ledger.NewMemoryStore(nil))
}

func TestValidator_CleanOperationRaisesNothing(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	alerts := NewMemoryAlertStore()
	v := NewValidator(l, alerts, discard)

	done := v.Track(ctx, "escrow_release", "esc_1", "USDT", map[string]decimal.Decimal{
		"seller": d("-4"),
		"buyer":  d("4"),
	})
	_ = l.EscrowLock(ctx, "seller", "USDT", d("4"), "esc_1")
	_ = l.EscrowRelease(ctx, "seller", "buyer", "USDT", d("4"), "esc_1")
	done()

	got, _ := alerts.List(ctx, 10)
	if len(got) != 0 {
		t.Fatalf("expected no alerts, got %+v", got[0])
	}
}

func TestValidator_DetectsUnexpectedMovement(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	alerts := NewMemoryAlertStore()
	v := NewValidator(l, alerts, discard)

	before := testutil.ToFloat64(mismatchesTotal.WithLabelValues(KindBalanceMismatch))

	snap := v.Snapshot(ctx, "USDT", "seller")
	// A lock should not change the total, but a debit slips in.
	_ = l.EscrowLock(ctx, "seller", "USDT", d("5"), "esc_1")
	_ = l.Debit(ctx, "seller", "USDT", d("1"), "fee_1", "unexpected")
	found := v.Verify(ctx, snap, nil, "escrow_lock", "esc_1")

	if len(found) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(found))
	}
	a := found[0]
	if a.Kind != KindBalanceMismatch || a.Expected != "10" || a.Actual != "9" {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.ID == "" || a.CreatedAt.IsZero() {
		t.Error("alert was not stamped")
	}
	stored, _ := alerts.List(ctx, 10)
	if len(stored) != 1 {
		t.Errorf("expected stored alert, got %d", len(stored))
	}
	if after := testutil.ToFloat64(mismatchesTotal.WithLabelValues(KindBalanceMismatch)); after != before+1 {
		t.Errorf("mismatch counter %f -> %f", before, after)
	}
}

func TestRunner_EscrowedMatchesHoldings(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	_ = l.EscrowLock(ctx, "seller", "USDT", d("6"), "esc_1")

	holdings := &fakeHoldings{holdings: []Holding{
		{UserID: "seller", Token: "USDT", Amount: d("4")},
		{UserID: "seller", Token: "USDT", Amount: d("2")},
	}}
	r := NewRunner(l, holdings, NewValidator(l, nil, discard), discard)

	report, err := r.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("expected healthy report, got %+v", report.Alerts[0])
	}
}

func TestRunner_FlagsMismatchAndOrphanHolding(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	_ = l.EscrowLock(ctx, "seller", "USDT", d("6"), "esc_1")

	holdings := &fakeHoldings{holdings: []Holding{
		{UserID: "seller", Token: "USDT", Amount: d("5")},
		{UserID: "ghost", Token: "USDC", Amount: d("1")},
	}}
	r := NewRunner(l, holdings, NewValidator(l, nil, discard), discard)

	report, err := r.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.EscrowMismatches != 2 {
		t.Errorf("expected 2 escrow mismatches, got %d", report.EscrowMismatches)
	}
}

func TestRunner_StuckTradesAndCustody(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	_ = l.EscrowLock(ctx, "seller", "USDT", d("10"), "contract:7")

	holdings := &fakeHoldings{holdings: []Holding{{UserID: "seller", Token: "USDT", Amount: d("10"), OnChain: true}}}
	due := &fakeDue{n: 3}
	r := NewRunner(l, holdings, NewValidator(l, nil, discard), discard).
		WithTrades(due, time.Minute).
		WithCustody("USDT", func(context.Context) (decimal.Decimal, error) { return d("7"), nil })

	report, err := r.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.StuckTrades != 3 {
		t.Errorf("expected 3 stuck trades, got %d", report.StuckTrades)
	}
	if !report.CustodyChecked {
		t.Error("custody was not checked")
	}
	kinds := map[string]bool{}
	for _, a := range report.Alerts {
		kinds[a.Kind] = true
	}
	if !kinds[KindStuckTrades] || !kinds[KindCustodyShortfall] {
		t.Errorf("missing alert kinds: %v", kinds)
	}
	if time.Since(due.cutoff) < time.Minute {
		t.Errorf("cutoff %v is not a minute in the past", due.cutoff)
	}
}

func TestRunner_FlagsUnpaidCommission(t *testing.T) {
	l := newLedger(t)
	r := NewRunner(l, &fakeHoldings{}, NewValidator(l, nil, discard), discard).
		WithTrades(&fakeDue{unsettled: 2}, time.Minute)

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.UnpaidCommission != 2 || report.StuckTrades != 0 {
		t.Errorf("expected 2 unpaid and 0 stuck, got %d and %d", report.UnpaidCommission, report.StuckTrades)
	}
	if len(report.Alerts) != 1 || report.Alerts[0].Kind != KindUnpaidCommission {
		t.Errorf("expected one unpaid_commission alert, got %+v", report.Alerts)
	}
}

func TestRunner_HoldingsErrorIsNotFatal(t *testing.T) {
	l := newLedger(t)
	r := NewRunner(l, &fakeHoldings{err: errors.New("db down")}, NewValidator(l, nil, discard), discard)

	report, err := r.RunAll(context.Background())
	if err != nil || report == nil {
		t.Fatalf("RunAll: report=%v err=%v", report, err)
	}
}

func TestTimer_EscalatesPersistentDiscrepancies(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	_ = l.EscrowLock(ctx, "seller", "USDT", d("6"), "esc_1")

	holdings := &fakeHoldings{holdings: []Holding{{UserID: "seller", Token: "USDT", Amount: d("5")}}}
	timer := NewTimer(NewRunner(l, holdings, NewValidator(l, nil, discard), discard), time.Minute, discard)

	for i := 1; i < escalateAfter; i++ {
		timer.sweep(ctx)
		if timer.Escalated() {
			t.Fatalf("escalated after %d sweeps", i)
		}
	}
	timer.sweep(ctx)
	if !timer.Escalated() {
		t.Fatalf("expected escalation after %d dirty sweeps", escalateAfter)
	}

	holdings.holdings[0].Amount = d("6")
	timer.sweep(ctx)
	if timer.DirtyRuns() != 0 || timer.Escalated() {
		t.Fatalf("expected a clean sweep to reset, dirty=%d", timer.DirtyRuns())
	}
}

func TestTimer_StopBeforeWarmup(t *testing.T) {
	l := newLedger(t)
	timer := NewTimer(NewRunner(l, &fakeHoldings{}, NewValidator(l, nil, discard), discard), time.Hour, discard)
	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	// Stop does not block, so repeat it until the loop is listening.
	for {
		timer.Stop()
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("timer did not stop during warmup")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
