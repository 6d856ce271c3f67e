// Package bookcache keeps a per-token order book projection for reads. It is
// rebuilt from the order store whenever the book changes and is never used
// to decide a match.
package bookcache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/orders"
)

// ErrMiss is returned by a backend that holds no snapshot for a token.
var ErrMiss = errors.New("order book not cached")

// Level is the open volume at one price.
type Level struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Orders int    `json:"orders"`
}

// Snapshot is a token's aggregated order book.
type Snapshot struct {
	Token     string    `json:"token"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Backend stores snapshots.
type Backend interface {
	Set(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, token string) (*Snapshot, error)
	Invalidate(ctx context.Context, token string) error
}

// OrderLister lists the open orders of a token.
type OrderLister interface {
	ListOpen(ctx context.Context, token string) ([]*orders.Order, error)
}

// Publisher is told after a token's snapshot was rebuilt.
type Publisher interface {
	BookUpdated(ctx context.Context, token string)
}

// Cache rebuilds snapshots on order book changes and serves reads.
type Cache struct {
	backend   Backend
	source    OrderLister
	publisher Publisher
	depth     int
	logger    *slog.Logger
}

var _ orders.BookListener = (*Cache)(nil)

// New creates a cache that keeps depth price levels per side.
func New(backend Backend, source OrderLister, depth int, logger *slog.Logger) *Cache {
	if depth <= 0 {
		depth = 20
	}
	return &Cache{backend: backend, source: source, depth: depth, logger: logger}
}

// WithPublisher announces rebuilt snapshots to p.
func (c *Cache) WithPublisher(p Publisher) *Cache {
	c.publisher = p
	return c
}

// BookChanged rebuilds token's snapshot. A failed rebuild drops the cached
// copy so readers fall back to the store.
func (c *Cache) BookChanged(ctx context.Context, token string) {
	if _, err := c.Rebuild(ctx, token); err != nil {
		c.logger.Warn("order book rebuild failed", "token", token, "error", err)
		if err := c.backend.Invalidate(ctx, normToken(token)); err != nil {
			c.logger.Warn("order book invalidate failed", "token", token, "error", err)
		}
		return
	}
	if c.publisher != nil {
		c.publisher.BookUpdated(ctx, normToken(token))
	}
}

// Get returns the cached snapshot, rebuilding it on a miss.
func (c *Cache) Get(ctx context.Context, token string) (*Snapshot, error) {
	token = normToken(token)
	s, err := c.backend.Get(ctx, token)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrMiss) {
		c.logger.Warn("order book cache read failed", "token", token, "error", err)
	}
	return c.Rebuild(ctx, token)
}

// Rebuild projects the open orders of token and stores the result.
func (c *Cache) Rebuild(ctx context.Context, token string) (*Snapshot, error) {
	token = normToken(token)
	open, err := c.source.ListOpen(ctx, token)
	if err != nil {
		return nil, err
	}
	s := Build(token, open, c.depth)
	if err := c.backend.Set(ctx, s); err != nil {
		c.logger.Warn("order book cache write failed", "token", token, "error", err)
	}
	return s, nil
}

// Build aggregates open orders into price levels: bids best (highest)
// first, asks best (lowest) first.
func Build(token string, open []*orders.Order, depth int) *Snapshot {
	type level struct {
		price  decimal.Decimal
		amount decimal.Decimal
		orders int
	}
	bids := map[string]*level{}
	asks := map[string]*level{}
	for _, o := range open {
		if !o.IsOpen() || !o.RemainingAmount.IsPositive() {
			continue
		}
		side := asks
		if o.Side == orders.SideBuy {
			side = bids
		}
		key := o.PricePerUnit.String()
		l, ok := side[key]
		if !ok {
			l = &level{price: o.PricePerUnit, amount: decimal.Zero}
			side[key] = l
		}
		l.amount = l.amount.Add(o.RemainingAmount)
		l.orders++
	}

	flatten := func(m map[string]*level, desc bool) []Level {
		list := make([]*level, 0, len(m))
		for _, l := range m {
			list = append(list, l)
		}
		sort.Slice(list, func(i, j int) bool {
			if desc {
				return list[i].price.GreaterThan(list[j].price)
			}
			return list[i].price.LessThan(list[j].price)
		})
		if depth > 0 && len(list) > depth {
			list = list[:depth]
		}
		out := make([]Level, 0, len(list))
		for _, l := range list {
			out = append(out, Level{
				Price:  money.FormatFiat(l.price),
				Amount: money.FormatToken(l.amount),
				Orders: l.orders,
			})
		}
		return out
	}

	return &Snapshot{
		Token:     token,
		Bids:      flatten(bids, true),
		Asks:      flatten(asks, false),
		UpdatedAt: time.Now(),
	}
}

func normToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
