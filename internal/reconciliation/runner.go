package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/ledger"
)

// Holding is the amount still locked in escrow records for one owner and token.
type Holding struct {
	UserID  string
	Token   string
	Amount  decimal.Decimal
	OnChain bool
}

// BalanceLister lists every ledger balance.
type BalanceLister interface {
	ListBalances(ctx context.Context) ([]*ledger.Balance, error)
}

// HoldingSource sums locked escrow records.
type HoldingSource interface {
	LockedHoldings(ctx context.Context) ([]Holding, error)
}

// DueCounter counts open trades whose expiry passed before cutoff and
// completed trades whose commission is still owed.
type DueCounter interface {
	CountDue(ctx context.Context, cutoff time.Time) (int, error)
	CountUnsettled(ctx context.Context) (int, error)
}

// CustodyBalance returns the token balance held by the escrow contract.
type CustodyBalance func(ctx context.Context) (decimal.Decimal, error)

// Report is the outcome of one sweep.
type Report struct {
	EscrowMismatches int       `json:"escrowMismatches"`
	NegativeBalances int       `json:"negativeBalances"`
	StuckTrades      int       `json:"stuckTrades"`
	UnpaidCommission int       `json:"unpaidCommission"`
	CustodyChecked   bool      `json:"custodyChecked"`
	Alerts           []*Alert  `json:"alerts"`
	Duration         string    `json:"duration"`
	Timestamp        time.Time `json:"timestamp"`
}

// Healthy reports a sweep that found nothing.
func (r *Report) Healthy() bool { return len(r.Alerts) == 0 }

// Runner sweeps the ledger against escrow records and open trades.
type Runner struct {
	balances  BalanceLister
	holdings  HoldingSource
	trades    DueCounter
	validator *Validator
	custody   map[string]CustodyBalance
	stuckAge  time.Duration
	logger    *slog.Logger
}

// NewRunner creates a sweep runner. Alerts are raised through validator.
func NewRunner(balances BalanceLister, holdings HoldingSource, validator *Validator, logger *slog.Logger) *Runner {
	return &Runner{
		balances:  balances,
		holdings:  holdings,
		validator: validator,
		custody:   make(map[string]CustodyBalance),
		stuckAge:  5 * time.Minute,
		logger:    logger,
	}
}

// WithTrades enables the stuck-trade and unpaid-commission checks. Trades more than grace past
// expiry count as stuck, since the timeout sweep should have closed them.
func (r *Runner) WithTrades(trades DueCounter, grace time.Duration) *Runner {
	r.trades = trades
	if grace > 0 {
		r.stuckAge = grace
	}
	return r
}

// WithCustody compares the contract's token balance against on-chain holdings of token.
func (r *Runner) WithCustody(token string, balance CustodyBalance) *Runner {
	r.custody[token] = balance
	return r
}

// RunAll runs every check. A failing check is counted and skipped; the
// returned error is only for a sweep that could not read the ledger at all.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	report := &Report{Timestamp: start}

	balances, err := r.balances.ListBalances(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	ledger.UpdateBalanceGauges(balances)

	for _, b := range balances {
		if b.Available.IsNegative() || b.Escrowed.IsNegative() {
			report.NegativeBalances++
			report.Alerts = append(report.Alerts, &Alert{
				Kind:   KindNegativeBalance,
				UserID: b.UserID,
				Token:  b.Token,
				Actual: b.Available.String() + "/" + b.Escrowed.String(),
			})
		}
	}

	holdings, err := r.holdings.LockedHoldings(ctx)
	if err != nil {
		reconcileErrors.Inc()
		r.logger.Warn("reconciliation: holdings check failed", "error", err)
	} else {
		report.Alerts = append(report.Alerts, r.checkEscrowed(balances, holdings, report)...)
		report.Alerts = append(report.Alerts, r.checkCustody(ctx, holdings, report)...)
	}

	if r.trades != nil {
		n, err := r.trades.CountDue(ctx, start.Add(-r.stuckAge))
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation: stuck trade check failed", "error", err)
		} else if n > 0 {
			report.StuckTrades = n
			report.Alerts = append(report.Alerts, &Alert{
				Kind:   KindStuckTrades,
				Actual: fmt.Sprint(n),
				Detail: "open trades more than " + r.stuckAge.String() + " past expiry",
			})
		}

		n, err = r.trades.CountUnsettled(ctx)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation: commission check failed", "error", err)
		} else if n > 0 {
			report.UnpaidCommission = n
			report.Alerts = append(report.Alerts, &Alert{
				Kind:   KindUnpaidCommission,
				Actual: fmt.Sprint(n),
				Detail: "completed trades with commission not yet collected",
			})
		}
	}

	for _, a := range report.Alerts {
		r.validator.raise(ctx, a)
	}

	reconcileEscrowMismatches.Set(float64(report.EscrowMismatches))
	reconcileNegativeBalances.Set(float64(report.NegativeBalances))
	reconcileStuckTrades.Set(float64(report.StuckTrades))
	reconcileUnpaidCommission.Set(float64(report.UnpaidCommission))
	report.Duration = time.Since(start).String()

	if report.Healthy() {
		r.logger.Info("reconciliation complete", "duration", report.Duration)
	} else {
		r.logger.Warn("reconciliation found issues",
			"escrowMismatches", report.EscrowMismatches,
			"negativeBalances", report.NegativeBalances,
			"stuckTrades", report.StuckTrades,
			"unpaidCommission", report.UnpaidCommission,
			"duration", report.Duration,
		)
	}
	return report, nil
}

type ownerToken struct{ user, token string }

// checkEscrowed compares ledger escrowed with the sum of locked records, per
// owner and token.
func (r *Runner) checkEscrowed(balances []*ledger.Balance, holdings []Holding, report *Report) []*Alert {
	locked := make(map[ownerToken]decimal.Decimal)
	for _, h := range holdings {
		k := ownerToken{h.UserID, h.Token}
		locked[k] = locked[k].Add(h.Amount)
	}

	var alerts []*Alert
	seen := make(map[ownerToken]bool, len(balances))
	for _, b := range balances {
		k := ownerToken{b.UserID, b.Token}
		seen[k] = true
		if want := locked[k]; !b.Escrowed.Equal(want) {
			report.EscrowMismatches++
			alerts = append(alerts, &Alert{
				Kind:     KindEscrowMismatch,
				UserID:   b.UserID,
				Token:    b.Token,
				Expected: want.String(),
				Actual:   b.Escrowed.String(),
			})
		}
	}
	for k, amt := range locked {
		if !seen[k] && !amt.IsZero() {
			report.EscrowMismatches++
			alerts = append(alerts, &Alert{
				Kind:     KindEscrowMismatch,
				UserID:   k.user,
				Token:    k.token,
				Expected: amt.String(),
				Actual:   "0",
			})
		}
	}
	return alerts
}

// checkCustody flags a contract holding less than the on-chain records say it should.
func (r *Runner) checkCustody(ctx context.Context, holdings []Holding, report *Report) []*Alert {
	if len(r.custody) == 0 {
		return nil
	}
	onChain := make(map[string]decimal.Decimal)
	for _, h := range holdings {
		if h.OnChain {
			onChain[h.Token] = onChain[h.Token].Add(h.Amount)
		}
	}

	var alerts []*Alert
	for token, balanceFn := range r.custody {
		held, err := balanceFn(ctx)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation: custody balance read failed", "token", token, "error", err)
			continue
		}
		report.CustodyChecked = true
		if held.LessThan(onChain[token]) {
			alerts = append(alerts, &Alert{
				Kind:     KindCustodyShortfall,
				Token:    token,
				Expected: onChain[token].String(),
				Actual:   held.String(),
			})
		}
	}
	return alerts
}
