// Package webhooks pushes trade events to the bot gateway over HTTP.
//
// Every delivery is a signed JSON POST:
//   - X-Settlement-Event carries the event kind
//   - X-Settlement-Timestamp carries the unix send time
//   - X-Settlement-Signature is hex(HMAC-SHA256(secret, timestamp + "." + body))
//
// The gateway answers 2xx to accept. 5xx and transport errors are retried
// with backoff, anything else is dropped.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/p2pdesk/settlement/internal/idgen"
	"github.com/p2pdesk/settlement/internal/retry"
)

const (
	HeaderEvent     = "X-Settlement-Event"
	HeaderTimestamp = "X-Settlement-Timestamp"
	HeaderSignature = "X-Settlement-Signature"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Gateway webhook deliveries by event and result.",
	}, []string{"event", "result"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Event is the JSON body posted to the gateway.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	TradeID   string    `json:"tradeId"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher posts events to a single gateway endpoint.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher for url. An empty secret sends
// unsigned requests.
func NewDispatcher(url, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetry replaces the retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Notify delivers one trade event. It blocks for the whole retry loop, so
// callers run it behind notify.Async.
func (d *Dispatcher) Notify(ctx context.Context, userID, tradeID, event string) {
	ev := &Event{
		ID:        idgen.WithPrefix(idgen.Event),
		Type:      event,
		UserID:    userID,
		TradeID:   tradeID,
		Timestamp: d.now().UTC(),
	}
	if err := d.Send(ctx, ev); err != nil {
		deliveriesTotal.WithLabelValues(event, "failed").Inc()
		d.logger.Warn("gateway webhook failed",
			"event", event, "tradeId", tradeID, "userId", userID, "error", err)
		return
	}
	deliveriesTotal.WithLabelValues(event, "delivered").Inc()
}

// Send posts ev, retrying server errors.
func (d *Dispatcher) Send(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.post(ctx, ev.Type, payload)
	})
}

func (d *Dispatcher) post(ctx context.Context, eventType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderTimestamp, ts)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the signature the gateway checks for a body sent at ts.
func Sign(secret, ts string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether sig matches payload sent at ts.
func Verify(secret, ts string, payload []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, ts, payload))
	return hmac.Equal(got, want)
}
