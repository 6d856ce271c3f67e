package disputes

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists dispute cases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const caseColumns = `trade_id, initiator_id, reason, buyer_evidence, seller_evidence, status,
	moderator_id, resolution, notes, opened_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.TradeID, c.InitiatorID, c.Reason, pq.Array(c.BuyerEvidence), pq.Array(c.SellerEvidence), string(c.Status),
		nullString(c.ModeratorID), nullString(string(c.Resolution)), nullString(c.Notes), c.OpenedAt, c.ResolvedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, tradeID string) (*Case, error) {
	c, err := scanCase(p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM dispute_cases WHERE trade_id = $1`, tradeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) AddEvidence(ctx context.Context, tradeID string, party Party, evidence string) (*Case, error) {
	column := "seller_evidence"
	if party == PartyBuyer {
		column = "buyer_evidence"
	}
	c, err := scanCase(p.db.QueryRowContext(ctx, `
		UPDATE dispute_cases SET `+column+` = array_append(COALESCE(`+column+`, '{}'), $2)
		WHERE trade_id = $1 AND status = 'open'
		RETURNING `+caseColumns, tradeID, evidence))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrClosed(ctx, tradeID)
	}
	return c, err
}

func (p *PostgresStore) Resolve(ctx context.Context, tradeID, moderatorID string, outcome Outcome, notes string) (*Case, error) {
	c, err := scanCase(p.db.QueryRowContext(ctx, `
		UPDATE dispute_cases
		SET status = 'resolved', moderator_id = $2, resolution = $3, notes = $4, resolved_at = NOW()
		WHERE trade_id = $1 AND status = 'open'
		RETURNING `+caseColumns, tradeID, moderatorID, string(outcome), nullString(notes)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrClosed(ctx, tradeID)
	}
	return c, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM dispute_cases
		WHERE status = 'open'
		ORDER BY opened_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// missOrClosed explains why a conditional update touched no row.
func (p *PostgresStore) missOrClosed(ctx context.Context, tradeID string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispute_cases WHERE trade_id = $1)`, tradeID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrCaseNotFound
	}
	return ErrCaseClosed
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(s scanner) (*Case, error) {
	c := &Case{}
	var (
		buyer, seller                pq.StringArray
		status                       string
		moderator, resolution, notes sql.NullString
		resolvedAt                   sql.NullTime
	)
	err := s.Scan(&c.TradeID, &c.InitiatorID, &c.Reason, &buyer, &seller, &status,
		&moderator, &resolution, &notes, &c.OpenedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.BuyerEvidence = []string(buyer)
	c.SellerEvidence = []string(seller)
	c.Status = Status(status)
	c.ModeratorID = moderator.String
	c.Resolution = Outcome(resolution.String)
	c.Notes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
