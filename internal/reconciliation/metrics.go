package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	mismatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "reconciliation_mismatches_total",
		Help:      "Reconciliation alerts raised, by kind.",
	}, []string{"kind"})

	reconcileEscrowMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatches",
		Help:      "Number of escrowed-balance mismatches found in last reconciliation run.",
	})

	reconcileNegativeBalances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "negative_balances",
		Help:      "Number of negative balances found in last reconciliation run.",
	})

	reconcileStuckTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "stuck_trades",
		Help:      "Number of trades past expiry found in last reconciliation run.",
	})

	reconcileUnpaidCommission = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "unpaid_commission_trades",
		Help:      "Number of completed trades with uncollected commission in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		mismatchesTotal,
		reconcileEscrowMismatches,
		reconcileNegativeBalances,
		reconcileStuckTrades,
		reconcileUnpaidCommission,
		reconcileDuration,
		reconcileErrors,
	)
}
