// Package notify delivers trade notifications to participants. Delivery is
// best effort: nothing here blocks a settlement operation, and a full buffer
// drops the notification.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/p2pdesk/settlement/internal/metrics"
)

// Notifier tells a user something happened to a trade.
type Notifier interface {
	Notify(ctx context.Context, userID, tradeID, event string)
}

// Notification is one queued delivery.
type Notification struct {
	UserID    string    `json:"userId"`
	TradeID   string    `json:"tradeId"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, string) {}

// Log writes notifications to a logger. It stands in for the bot gateway in
// development.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, userID, tradeID, event string) {
	l.logger.InfoContext(ctx, "notification", "userId", userID, "tradeId", tradeID, "event", event)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID, tradeID, event string) {
	for _, n := range m {
		n.Notify(ctx, userID, tradeID, event)
	}
}

// Async queues notifications for a background worker that hands them to the
// wrapped notifier, so a slow sink never holds up the caller.
type Async struct {
	next    Notifier
	queue   chan Notification
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAsync creates an async notifier with a buffer of size entries.
func NewAsync(next Notifier, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	return &Async{next: next, queue: make(chan Notification, size), logger: logger}
}

// Notify enqueues the notification, dropping it if the buffer is full.
func (a *Async) Notify(_ context.Context, userID, tradeID, event string) {
	n := Notification{UserID: userID, TradeID: tradeID, Event: event, Timestamp: time.Now()}
	select {
	case a.queue <- n:
	default:
		a.dropped.Add(1)
		metrics.NotificationsDropped.Inc()
		a.logger.Warn("notification buffer full, dropping", "userId", userID, "tradeId", tradeID, "event", event)
	}
}

// Dropped returns how many notifications were dropped.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run delivers queued notifications until ctx is cancelled, then drains
// what is left.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case n := <-a.queue:
			a.deliver(n)
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case n := <-a.queue:
			a.deliver(n)
		default:
			return
		}
	}
}

func (a *Async) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("notifier panicked", "panic", r, "tradeId", n.TradeID)
		}
	}()
	a.next.Notify(context.Background(), n.UserID, n.TradeID, n.Event)
}
