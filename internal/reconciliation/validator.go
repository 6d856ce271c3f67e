// Package reconciliation checks that balances only move by the amounts the
// settlement operations say they move.
//
// The Validator runs inline around each escrow mutation; the Runner sweeps
// the whole ledger periodically. Both report through alerts and never fail
// the operation they observe.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/idgen"
	"github.com/p2pdesk/settlement/internal/ledger"
	"github.com/p2pdesk/settlement/internal/logging"
)

// Alert kinds
const (
	KindBalanceMismatch  = "balance_mismatch"
	KindNegativeBalance  = "negative_balance"
	KindEscrowMismatch   = "escrow_mismatch"
	KindStuckTrades      = "stuck_trades"
	KindUnpaidCommission = "unpaid_commission"
	KindCustodyShortfall = "custody_shortfall"
)

// Alert is one detected inconsistency.
type Alert struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"userId,omitempty"`
	Token     string    `json:"token,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Expected  string    `json:"expected,omitempty"`
	Actual    string    `json:"actual,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BalanceReader is the slice of the ledger the validator needs.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID, token string) (*ledger.Balance, error)
}

// Snapshot holds balances taken before an operation.
type Snapshot struct {
	Token  string
	Before map[string]ledger.Balance
}

// Validator compares balances around a single operation.
type Validator struct {
	balances BalanceReader
	alerts   AlertStore
	logger   *slog.Logger
}

// NewValidator creates a validator. alerts may be nil (log and count only).
func NewValidator(balances BalanceReader, alerts AlertStore, logger *slog.Logger) *Validator {
	return &Validator{balances: balances, alerts: alerts, logger: logger}
}

// Snapshot reads the current balances of users. Users that cannot be read
// are left out and skipped by Verify.
func (v *Validator) Snapshot(ctx context.Context, token string, users ...string) *Snapshot {
	s := &Snapshot{Token: token, Before: make(map[string]ledger.Balance, len(users))}
	for _, u := range users {
		if u == "" {
			continue
		}
		bal, err := v.balances.GetBalance(ctx, u, token)
		if err != nil {
			v.logger.Warn("balance snapshot failed", "userId", u, "token", token, "error", err)
			continue
		}
		s.Before[u] = *bal
	}
	return s
}

// Verify checks each snapshotted user's total moved by exactly deltas[user]
// (zero when absent) and that no bucket went negative. Findings are
// logged, counted and stored; the returned slice is for callers that care.
func (v *Validator) Verify(ctx context.Context, snap *Snapshot, deltas map[string]decimal.Decimal, operation, reference string) []*Alert {
	var found []*Alert
	for user, before := range snap.Before {
		after, err := v.balances.GetBalance(ctx, user, snap.Token)
		if err != nil {
			v.logger.Warn("balance verify read failed", "userId", user, "token", snap.Token, "error", err)
			continue
		}

		want := before.Total().Add(deltas[user])
		if !after.Total().Equal(want) {
			found = append(found, &Alert{
				Kind:      KindBalanceMismatch,
				UserID:    user,
				Token:     snap.Token,
				Operation: operation,
				Reference: reference,
				Expected:  want.String(),
				Actual:    after.Total().String(),
			})
		}
		if after.Available.IsNegative() || after.Escrowed.IsNegative() {
			found = append(found, &Alert{
				Kind:      KindNegativeBalance,
				UserID:    user,
				Token:     snap.Token,
				Operation: operation,
				Reference: reference,
				Actual:    after.Available.String() + "/" + after.Escrowed.String(),
			})
		}
	}

	for _, a := range found {
		v.raise(ctx, a)
	}
	return found
}

// Track snapshots users now and returns the matching Verify call.
//
//	done := validator.Track(ctx, "escrow_release", id, token, map[string]decimal.Decimal{owner: amt.Neg(), to: amt})
//	defer done()
func (v *Validator) Track(ctx context.Context, operation, reference, token string, deltas map[string]decimal.Decimal) func() {
	users := make([]string, 0, len(deltas))
	for u := range deltas {
		users = append(users, u)
	}
	snap := v.Snapshot(ctx, token, users...)
	return func() {
		v.Verify(context.WithoutCancel(ctx), snap, deltas, operation, reference)
	}
}

func (v *Validator) raise(ctx context.Context, a *Alert) {
	if a.ID == "" {
		a.ID = idgen.WithPrefix(idgen.Alert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	mismatchesTotal.WithLabelValues(a.Kind).Inc()
	logging.L(ctx).Error("reconciliation alert",
		"kind", a.Kind,
		"userId", a.UserID,
		"token", a.Token,
		"operation", a.Operation,
		"reference", a.Reference,
		"expected", a.Expected,
		"actual", a.Actual,
		"detail", a.Detail,
	)
	if v.alerts != nil {
		if err := v.alerts.Add(context.WithoutCancel(ctx), a); err != nil {
			v.logger.Warn("failed to store reconciliation alert", "kind", a.Kind, "error", err)
		}
	}
}
