// Package participants holds the per-user trading profile the matching
// engine checks before pairing two orders: whether the user may trade,
// their verification level, their limits and whom they have blocked.
package participants

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
)

var ErrProfileNotFound = fmt.Errorf("participant profile %w", apperr.ErrNotFound)

// Profile is one user's trading eligibility. Limits are in the settlement
// currency; zero means unlimited.
type Profile struct {
	UserID            string          `json:"userId"`
	TradingEnabled    bool            `json:"tradingEnabled"`
	VerificationLevel int             `json:"verificationLevel"`
	SingleTradeLimit  decimal.Decimal `json:"singleTradeLimit"`
	DailyLimit        decimal.Decimal `json:"dailyLimit"`
	Blocked           []string        `json:"blocked,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// HasBlocked reports whether p blocked userID.
func (p *Profile) HasBlocked(userID string) bool {
	return slices.Contains(p.Blocked, userID)
}

// WithinSingleLimit reports whether a trade worth value fits the per-trade limit.
func (p *Profile) WithinSingleLimit(value decimal.Decimal) bool {
	return p.SingleTradeLimit.IsZero() || value.LessThanOrEqual(p.SingleTradeLimit)
}

// WithinDailyLimit reports whether value on top of today's volume fits the daily limit.
func (p *Profile) WithinDailyLimit(today, value decimal.Decimal) bool {
	return p.DailyLimit.IsZero() || today.Add(value).LessThanOrEqual(p.DailyLimit)
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}

// Directory resolves profiles, falling back to a default for unknown users.
type Directory struct {
	store    Store
	defaults Profile
}

// NewDirectory creates a directory. Users without a stored profile get
// defaults (trading enabled, level 0, no limits) unless WithDefaults says otherwise.
func NewDirectory(store Store) *Directory {
	return &Directory{
		store:    store,
		defaults: Profile{TradingEnabled: true},
	}
}

// WithDefaults replaces the profile given to unknown users.
func (d *Directory) WithDefaults(p Profile) *Directory {
	d.defaults = p
	return d
}

// Profile returns the stored or default profile for userID.
func (d *Directory) Profile(ctx context.Context, userID string) (*Profile, error) {
	p, err := d.store.Get(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		def := d.defaults
		def.UserID = userID
		def.Blocked = slices.Clone(d.defaults.Blocked)
		return &def, nil
	}
	return p, err
}

// Save validates and stores p.
func (d *Directory) Save(ctx context.Context, p *Profile) error {
	if p.UserID == "" {
		return apperr.Validation("userId is required")
	}
	if p.VerificationLevel < 0 {
		return apperr.Validation("verificationLevel must not be negative")
	}
	if p.SingleTradeLimit.IsNegative() || p.DailyLimit.IsNegative() {
		return apperr.Validation("limits must not be negative")
	}
	if slices.Contains(p.Blocked, p.UserID) {
		return apperr.Validation("a user cannot block themselves")
	}
	p.UpdatedAt = time.Now()
	return d.store.Upsert(ctx, p)
}

// Block adds target to userID's block list.
func (d *Directory) Block(ctx context.Context, userID, target string) (*Profile, error) {
	if target == "" || target == userID {
		return nil, apperr.Validation("invalid user to block")
	}
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.HasBlocked(target) {
		p.Blocked = append(p.Blocked, target)
	}
	if err := d.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Unblock removes target from userID's block list.
func (d *Directory) Unblock(ctx context.Context, userID, target string) (*Profile, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Blocked = slices.DeleteFunc(p.Blocked, func(u string) bool { return u == target })
	if err := d.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MutuallyUnblocked reports that neither a nor b blocked the other.
func MutuallyUnblocked(a, b *Profile) bool {
	return !a.HasBlocked(b.UserID) && !b.HasBlocked(a.UserID)
}
