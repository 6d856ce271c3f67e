package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, owner_id, counterparty_id, trade_id, parent_id, token, amount, status,
	backing, contract_escrow_id, external_ref, released_to, reason, created_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	return insertRecord(ctx, p.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r *Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO escrow_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.OwnerID, nullString(r.CounterpartyID), nullString(r.TradeID), nullString(r.ParentID),
		r.Token, r.Amount, string(r.Status),
		string(r.Backing.Kind), nullString(r.Backing.ContractEscrowID),
		nullString(r.ExternalRef), nullString(r.ReleasedTo), nullString(r.Reason),
		r.CreatedAt, nullTime(r.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM escrow_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// Transition is a compare-and-set on status = 'locked'. The mutate callback
// runs on the row read inside the transaction.
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, mutate func(*Record)) (*Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM escrow_records WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Status != StatusLocked {
		return nil, ErrNotLocked
	}
	if mutate != nil {
		mutate(r)
	}
	r.Status = to
	if r.CompletedAt == nil {
		now := time.Now()
		r.CompletedAt = &now
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE escrow_records
		SET status = $2, external_ref = $3, released_to = $4, reason = $5, completed_at = $6
		WHERE id = $1 AND status = 'locked'`,
		id, string(r.Status), nullString(r.ExternalRef), nullString(r.ReleasedTo), nullString(r.Reason), nullTime(r.CompletedAt),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotLocked
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Split(ctx context.Context, parentID string, first, second *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE escrow_records SET status = 'split', completed_at = NOW()
		WHERE id = $1 AND status = 'locked'`, parentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, parentID); err != nil {
			return err
		}
		return ErrNotLocked
	}
	for _, child := range []*Record{first, second} {
		if err := insertRecord(ctx, tx, child); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) LinkTrade(ctx context.Context, id, tradeID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records SET trade_id = $2
		WHERE id = $1 AND status = 'locked' AND (trade_id IS NULL OR trade_id = $2)`, id, tradeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	r, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusLocked {
		return ErrNotLocked
	}
	return ErrAlreadyLinked
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_records
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListLocked(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM escrow_records WHERE status = 'locked'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM escrow_records
		WHERE parent_id = $1
		ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		counterparty, tradeID, parentID sql.NullString
		contractID, externalRef         sql.NullString
		releasedTo, reason              sql.NullString
		status, backing                 string
		completedAt                     sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.OwnerID, &counterparty, &tradeID, &parentID, &r.Token, &r.Amount, &status,
		&backing, &contractID, &externalRef, &releasedTo, &reason, &r.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.Backing = Backing{Kind: BackingKind(backing), ContractEscrowID: contractID.String}
	r.CounterpartyID = counterparty.String
	r.TradeID = tradeID.String
	r.ParentID = parentID.String
	r.ExternalRef = externalRef.String
	r.ReleasedTo = releasedTo.String
	r.Reason = reason.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
