package trades

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/p2pdesk/settlement/internal/metrics"
)

const sweepBatch = 100

// Timer periodically settles trades whose payment window passed and retries
// commission that could not be collected at completion. Expiry is read from
// the store, so trades that expired while the process was down are picked
// up on the first tick.
type Timer struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new timeout sweep. A non-positive interval means 30s.
func NewTimer(controller *Controller, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		controller: controller,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in trade timeout sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.controller.Sweep(ctx); err != nil {
		t.logger.Warn("trade timeout sweep failed", "error", err)
	}
	if _, err := t.controller.SettleCommissions(ctx, sweepBatch); err != nil {
		t.logger.Warn("commission retry failed", "error", err)
	}
}

// Sweep runs HandleTimeout on every due trade and returns how many it
// handled. One trade failing does not stop the others.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	due, err := c.store.ListDue(ctx, c.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	metrics.OpenTrades.Set(float64(len(due)))

	handled := 0
	for _, tr := range due {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if _, err := c.HandleTimeout(ctx, tr.ID); err != nil {
			c.logger.Warn("failed to handle trade timeout", "tradeId", tr.ID, "status", string(tr.Status), "error", err)
			continue
		}
		handled++
	}
	if handled > 0 {
		c.logger.Info("trade timeout sweep", "due", len(due), "handled", handled)
	}
	return handled, nil
}
