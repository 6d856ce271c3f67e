package orders

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, owner_id, side, token, total_amount, remaining_amount, filled_amount,
	price_per_unit, min_trade_amount, max_trade_amount, payment_methods, min_counterparty_level,
	escrow_ref, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.ID, o.OwnerID, string(o.Side), o.Token, o.TotalAmount, o.RemainingAmount, o.FilledAmount,
		o.PricePerUnit, o.MinTradeAmount, o.MaxTradeAmount, pq.Array(o.PaymentMethods), o.MinCounterpartyLevel,
		nullString(o.EscrowRef), string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, token string) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('active', 'partial') AND ($1 = '' OR token = $1)
		ORDER BY created_at ASC`, token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

// Consume runs every fill's compare-and-update in one transaction, so a
// failed compare rolls back the fills before it.
func (p *PostgresStore) Consume(ctx context.Context, fills ...Fill) ([]*Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result := make([]*Order, 0, len(fills))
	for _, f := range fills {
		o, err := scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders SET
				remaining_amount = remaining_amount - $2,
				filled_amount = filled_amount + $2,
				status = CASE WHEN remaining_amount - $2 = 0 THEN 'filled' ELSE 'partial' END,
				updated_at = NOW()
			WHERE id = $1 AND remaining_amount >= $2 AND status IN ('active', 'partial')
			RETURNING `+orderColumns, f.OrderID, f.Amount))
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := p.Get(ctx, f.OrderID); errors.Is(getErr, ErrOrderNotFound) {
				return nil, ErrOrderNotFound
			}
			return nil, ErrCapacity
		}
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) Cancel(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'partial')
		RETURNING `+orderColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotOpen
	}
	return o, err
}

func (p *PostgresStore) SetEscrowRef(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET escrow_ref = $2, updated_at = NOW() WHERE id = $1`, id, nullString(ref))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		side, status string
		methods      pq.StringArray
		escrowRef    sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.OwnerID, &side, &o.Token, &o.TotalAmount, &o.RemainingAmount, &o.FilledAmount,
		&o.PricePerUnit, &o.MinTradeAmount, &o.MaxTradeAmount, &methods, &o.MinCounterpartyLevel,
		&escrowRef, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = Side(side)
	o.Status = Status(status)
	o.PaymentMethods = []string(methods)
	o.EscrowRef = escrowRef.String
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
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
