// Package admin provides operator endpoints for settlements that need a
// human: trades stuck past their deadline and escrow records left locked
// after a manual-intervention failure.
package admin

import (
	"context"
	"time"

	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/trades"
)

// DueLister lists trades whose deadline has passed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*trades.Trade, error)
}

// Sweeper handles every due trade once and retries unpaid commission.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	SettleCommissions(ctx context.Context, limit int) (int, error)
}

// EscrowService settles a record by hand.
type EscrowService interface {
	Release(ctx context.Context, id, toUserID string) (*escrow.Record, error)
	Refund(ctx context.Context, id, reason string) (*escrow.Record, error)
}
