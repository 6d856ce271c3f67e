// Package disputes lets a trade participant escalate a trade to a moderator,
// who settles the escrow by one of a fixed set of outcomes.
package disputes

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/p2pdesk/settlement/internal/apperr"
)

var (
	ErrCaseNotFound = fmt.Errorf("dispute %w", apperr.ErrNotFound)
	ErrCaseClosed   = fmt.Errorf("%w: dispute already resolved", apperr.ErrDispute)
	ErrCaseExists   = fmt.Errorf("%w: dispute case already exists", apperr.ErrDispute)
	ErrNotModerator = apperr.Wrap(apperr.ErrDispute, "%w: not a moderator for this trade", apperr.ErrForbidden)
	ErrNotParty     = apperr.Wrap(apperr.ErrDispute, "%w: not a participant of this trade", apperr.ErrForbidden)
)

// Status of a dispute case.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is a moderator's decision.
type Outcome string

const (
	OutcomeBuyerWins            Outcome = "buyer_wins"
	OutcomeSellerWins           Outcome = "seller_wins"
	OutcomeNoFault              Outcome = "no_fault"
	OutcomeInsufficientEvidence Outcome = "insufficient_evidence"
	OutcomeCompromise           Outcome = "compromise"
)

var outcomes = []Outcome{
	OutcomeBuyerWins, OutcomeSellerWins, OutcomeNoFault, OutcomeInsufficientEvidence, OutcomeCompromise,
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool { return slices.Contains(outcomes, o) }

// RefundsSeller reports whether the whole escrow goes back to the seller.
func (o Outcome) RefundsSeller() bool {
	return o == OutcomeSellerWins || o == OutcomeNoFault || o == OutcomeInsufficientEvidence
}

// Case is the dispute opened on one trade.
type Case struct {
	TradeID        string     `json:"tradeId"`
	InitiatorID    string     `json:"initiatorId"`
	Reason         string     `json:"reason"`
	BuyerEvidence  []string   `json:"buyerEvidence"`
	SellerEvidence []string   `json:"sellerEvidence"`
	Status         Status     `json:"status"`
	ModeratorID    string     `json:"moderatorId,omitempty"`
	Resolution     Outcome    `json:"resolution,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	OpenedAt       time.Time  `json:"openedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Party says which side submitted evidence.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Store persists dispute cases.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, tradeID string) (*Case, error)
	// AddEvidence appends to one side's evidence of an open case.
	AddEvidence(ctx context.Context, tradeID string, party Party, evidence string) (*Case, error)
	// Resolve closes an open case; ErrCaseClosed if it was already resolved.
	Resolve(ctx context.Context, tradeID, moderatorID string, outcome Outcome, notes string) (*Case, error)
	ListOpen(ctx context.Context, limit int) ([]*Case, error)
}
