package ledger

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	OpsTotal.Reset()

	done := observeOp("test_op")
	done()

	if got := testutil.ToFloat64(OpsTotal.WithLabelValues("test_op")); got != 1 {
		t.Errorf("expected counter value 1, got %f", got)
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	OpDuration.Reset()

	done := observeOp("hist_test")
	done()

	if n := testutil.CollectAndCount(OpDuration); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
}

func TestUpdateBalanceGauges(t *testing.T) {
	BalanceAvailable.Reset()
	BalanceEscrowed.Reset()

	UpdateBalanceGauges([]*Balance{
		{UserID: "alice", Token: "USDT", Available: decimal.RequireFromString("10.5"), Escrowed: decimal.RequireFromString("2")},
		{UserID: "bob", Token: "USDT", Available: decimal.RequireFromString("4.5"), Escrowed: decimal.Zero},
		{UserID: "bob", Token: "USDC", Available: decimal.RequireFromString("1"), Escrowed: decimal.RequireFromString("3")},
	})

	if got := testutil.ToFloat64(BalanceAvailable.WithLabelValues("USDT")); got != 15 {
		t.Errorf("USDT available = %f, want 15", got)
	}
	if got := testutil.ToFloat64(BalanceEscrowed.WithLabelValues("USDT")); got != 2 {
		t.Errorf("USDT escrowed = %f, want 2", got)
	}
	if got := testutil.ToFloat64(BalanceEscrowed.WithLabelValues("USDC")); got != 3 {
		t.Errorf("USDC escrowed = %f, want 3", got)
	}
}

func TestMetrics_Registered(t *testing.T) {
	observeOp("registered_check")()

	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"settlement_ledger_operations_total",
		"settlement_ledger_operation_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
