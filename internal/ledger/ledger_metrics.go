package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger postings by kind.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ledger_operations_total",
			Help:      "Total ledger postings by kind.",
		},
		[]string{"kind"},
	)

	// OpDuration observes posting latency by kind.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger posting duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	// BalanceAvailable tracks the sum of available balances per token.
	BalanceAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "ledger_balance_available_total",
			Help:      "Sum of all user available balances.",
		},
		[]string{"token"},
	)

	// BalanceEscrowed tracks the sum of escrowed balances per token.
	BalanceEscrowed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "ledger_balance_escrowed_total",
			Help:      "Sum of all user escrowed balances.",
		},
		[]string{"token"},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		BalanceAvailable,
		BalanceEscrowed,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(kind string) func() {
	OpsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// UpdateBalanceGauges sets the per-token totals from a full balance listing.
func UpdateBalanceGauges(balances []*Balance) {
	type sums struct{ available, escrowed float64 }
	byToken := make(map[string]*sums)
	for _, b := range balances {
		s, ok := byToken[b.Token]
		if !ok {
			s = &sums{}
			byToken[b.Token] = s
		}
		s.available += b.Available.InexactFloat64()
		s.escrowed += b.Escrowed.InexactFloat64()
	}
	for token, s := range byToken {
		BalanceAvailable.WithLabelValues(token).Set(s.available)
		BalanceEscrowed.WithLabelValues(token).Set(s.escrowed)
	}
}
