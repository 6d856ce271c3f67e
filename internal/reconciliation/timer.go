package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// escalateAfter is how many dirty sweeps in a row turn the summary log into
// an error.
const escalateAfter = 3

// Timer runs RunAll on an interval. The first sweep waits for warmup so it
// does not race the server's own startup writes.
type Timer struct {
	runner   *Runner
	interval time.Duration
	warmup   time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	dirty    atomic.Int32
}

// NewTimer creates a reconciliation timer. A non-positive interval means 5m.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		warmup:   min(interval, 30*time.Second),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// DirtyRuns is the number of consecutive sweeps that raised alerts.
func (t *Timer) DirtyRuns() int {
	return int(t.dirty.Load())
}

// Escalated reports whether discrepancies survived escalateAfter sweeps.
func (t *Timer) Escalated() bool {
	return t.DirtyRuns() >= escalateAfter
}

// Start blocks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	wait := time.NewTimer(t.warmup)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.stop:
		return
	case <-wait.C:
		t.sweep(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit without waiting for it.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err)
		return
	}
	if report.Healthy() {
		if n := t.dirty.Swap(0); n > 0 {
			t.logger.Info("reconciliation clean again", "dirtyRuns", n)
		}
		return
	}

	// RunAll already warned about this sweep's findings.
	if n := t.dirty.Add(1); n >= escalateAfter {
		t.logger.Error("reconciliation discrepancies persist, requires manual resolution",
			"escrowMismatches", report.EscrowMismatches,
			"negativeBalances", report.NegativeBalances,
			"stuckTrades", report.StuckTrades,
			"unpaidCommission", report.UnpaidCommission,
			"dirtyRuns", n)
	}
}
