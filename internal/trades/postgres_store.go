package trades

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id, token, amount,
	price_per_unit, total_value, buyer_commission, seller_commission, maker_side, payment_methods,
	status, escrow_id, expires_at, dispute_reason, dispute_resolution, cancel_reason,
	commission_settled, created_at, updated_at, payment_pending_at, payment_made_at,
	payment_confirmed_at, completed_at, cancelled_at, dispute_opened_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		t.ID, nullString(t.BuyOrderID), nullString(t.SellOrderID), t.BuyerID, t.SellerID, t.Token, t.Amount,
		t.PricePerUnit, t.TotalValue, t.BuyerCommission, t.SellerCommission, string(t.MakerSide), pq.Array(t.PaymentMethods),
		string(t.Status), t.EscrowID, t.ExpiresAt, nullString(t.DisputeReason), nullString(t.DisputeResolution), nullString(t.CancelReason),
		t.CommissionSettled, t.CreatedAt, t.UpdatedAt, nullTime(t.PaymentPendingAt), nullTime(t.PaymentMadeAt),
		nullTime(t.PaymentConfirmedAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt), nullTime(t.DisputeOpenedAt), nullTime(t.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	t, err := scanTrade(p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, mutate func(*Trade)) (*Trade, error) {
	return p.modify(ctx, id, from, func(t *Trade) {
		stamp(t, to, time.Now())
		if mutate != nil {
			mutate(t)
		}
	})
}

func (p *PostgresStore) Update(ctx context.Context, id string, from []Status, mutate func(*Trade)) (*Trade, error) {
	return p.modify(ctx, id, from, func(t *Trade) {
		mutate(t)
		t.UpdatedAt = time.Now()
	})
}

// modify locks the row, checks its status against from and writes back
// every mutable column. The status check is repeated in the UPDATE.
func (p *PostgresStore) modify(ctx context.Context, id string, from []Status, apply func(*Trade)) (*Trade, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTrade(tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if !allowed(from, t.Status) {
		return nil, ErrStatusChanged
	}
	prev := t.Status
	apply(t)

	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			status = $2, expires_at = $3, dispute_reason = $4, dispute_resolution = $5,
			cancel_reason = $6, commission_settled = $7, updated_at = $8,
			payment_pending_at = $9, payment_made_at = $10, payment_confirmed_at = $11,
			completed_at = $12, cancelled_at = $13, dispute_opened_at = $14, resolved_at = $15
		WHERE id = $1 AND status = $16`,
		id, string(t.Status), t.ExpiresAt, nullString(t.DisputeReason), nullString(t.DisputeResolution),
		nullString(t.CancelReason), t.CommissionSettled, t.UpdatedAt,
		nullTime(t.PaymentPendingAt), nullTime(t.PaymentMadeAt), nullTime(t.PaymentConfirmedAt),
		nullTime(t.CompletedAt), nullTime(t.CancelledAt), nullTime(t.DisputeOpenedAt), nullTime(t.ResolvedAt),
		string(prev),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrStatusChanged
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

const sweepableStatuses = `('escrow_locked', 'payment_pending', 'payment_made', 'payment_confirmed', 'cancelling')`

const unsettledFilter = `status = 'completed' AND NOT commission_settled
	AND (buyer_commission > 0 OR seller_commission > 0)`

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status IN `+sweepableStatuses+` AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

func (p *PostgresStore) CountDue(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE status IN `+sweepableStatuses+` AND expires_at < $1`, cutoff).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE `+unsettledFilter+`
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

func (p *PostgresStore) CountUnsettled(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE `+unsettledFilter).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

func (p *PostgresStore) SumValueSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := p.db.QueryRowContext(ctx, `
		SELECT SUM(total_value) FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1) AND status <> 'cancelled' AND created_at >= $2`,
		userID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		buyOrder, sellOrder          sql.NullString
		disputeReason, resolution    sql.NullString
		cancelReason                 sql.NullString
		makerSide, status            string
		methods                      pq.StringArray
		pendingAt, madeAt, confirmed sql.NullTime
		completedAt, cancelledAt     sql.NullTime
		disputeOpenedAt, resolvedAt  sql.NullTime
	)
	err := s.Scan(
		&t.ID, &buyOrder, &sellOrder, &t.BuyerID, &t.SellerID, &t.Token, &t.Amount,
		&t.PricePerUnit, &t.TotalValue, &t.BuyerCommission, &t.SellerCommission, &makerSide, &methods,
		&status, &t.EscrowID, &t.ExpiresAt, &disputeReason, &resolution, &cancelReason,
		&t.CommissionSettled, &t.CreatedAt, &t.UpdatedAt, &pendingAt, &madeAt,
		&confirmed, &completedAt, &cancelledAt, &disputeOpenedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	t.BuyOrderID = buyOrder.String
	t.SellOrderID = sellOrder.String
	t.MakerSide = Side(makerSide)
	t.PaymentMethods = []string(methods)
	t.Status = Status(status)
	t.DisputeReason = disputeReason.String
	t.DisputeResolution = resolution.String
	t.CancelReason = cancelReason.String
	t.PaymentPendingAt = timePtr(pendingAt)
	t.PaymentMadeAt = timePtr(madeAt)
	t.PaymentConfirmedAt = timePtr(confirmed)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.DisputeOpenedAt = timePtr(disputeOpenedAt)
	t.ResolvedAt = timePtr(resolvedAt)
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
