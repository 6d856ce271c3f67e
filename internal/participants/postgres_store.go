package participants

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	prof := &Profile{UserID: userID}
	var blocked pq.StringArray
	err := p.db.QueryRowContext(ctx, `
		SELECT trading_enabled, verification_level, single_trade_limit, daily_limit, blocked, updated_at
		FROM participants WHERE user_id = $1`, userID,
	).Scan(&prof.TradingEnabled, &prof.VerificationLevel, &prof.SingleTradeLimit, &prof.DailyLimit, &blocked, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	prof.Blocked = []string(blocked)
	return prof, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, prof *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO participants (user_id, trading_enabled, verification_level, single_trade_limit, daily_limit, blocked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			trading_enabled = EXCLUDED.trading_enabled,
			verification_level = EXCLUDED.verification_level,
			single_trade_limit = EXCLUDED.single_trade_limit,
			daily_limit = EXCLUDED.daily_limit,
			blocked = EXCLUDED.blocked,
			updated_at = EXCLUDED.updated_at`,
		prof.UserID, prof.TradingEnabled, prof.VerificationLevel, prof.SingleTradeLimit, prof.DailyLimit,
		pq.Array(prof.Blocked), prof.UpdatedAt,
	)
	return err
}
