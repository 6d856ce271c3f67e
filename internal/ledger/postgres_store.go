package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balances are NUMERIC with
// CHECK (>= 0) constraints, so an overdraft fails inside the transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID, token string) (*Balance, error) {
	bal := &Balance{UserID: userID, Token: token}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, updated_at FROM balances WHERE user_id = $1 AND token = $2
	`, userID, token).Scan(&bal.Available, &bal.Escrowed, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{UserID: userID, Token: token, Available: decimal.Zero, Escrowed: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Post(ctx context.Context, posting Posting, meta AuditMeta) error {
	legs, err := posting.legs()
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Entries first: a replay stops here before any balance moves.
	for _, lg := range legs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, token, type, amount, reference, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (type, reference, user_id) DO NOTHING
		`, idgen.WithPrefix(idgen.LedgerEntry), lg.UserID, posting.Token, lg.EntryType, posting.Amount, posting.Reference, posting.Description)
		if err != nil {
			return fmt.Errorf("failed to record entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyApplied
		}
	}

	// Lock balance rows in a stable order so opposite transfers cannot deadlock.
	ordered := make([]leg, len(legs))
	copy(ordered, legs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].UserID < ordered[j].UserID })

	for _, lg := range ordered {
		var available, escrowed decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			INSERT INTO balances (user_id, token, available, escrowed, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id, token) DO UPDATE SET
				available  = balances.available + EXCLUDED.available,
				escrowed   = balances.escrowed  + EXCLUDED.escrowed,
				updated_at = NOW()
			RETURNING available, escrowed
		`, lg.UserID, posting.Token, lg.AvailableDelta, lg.EscrowedDelta).Scan(&available, &escrowed)
		if err != nil {
			if isCheckViolation(err) {
				return ErrInsufficientBalance
			}
			return fmt.Errorf("failed to update balance: %w", err)
		}

		if err := insertAudit(ctx, tx, &AuditEntry{
			UserID:      lg.UserID,
			Token:       posting.Token,
			ActorType:   meta.ActorType,
			ActorID:     meta.ActorID,
			Operation:   lg.EntryType,
			Amount:      posting.Amount.String(),
			Reference:   posting.Reference,
			BeforeState: balanceSnapshot(available.Sub(lg.AvailableDelta), escrowed.Sub(lg.EscrowedDelta)),
			AfterState:  balanceSnapshot(available, escrowed),
			RequestID:   meta.RequestID,
			IPAddress:   meta.IPAddress,
			Description: posting.Description,
		}); err != nil {
			return fmt.Errorf("failed to record audit: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, userID, token string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, token, type, amount, reference, COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1 AND ($2 = '' OR token = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, token, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Token, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) ListBalances(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, token, available, escrowed, updated_at FROM balances ORDER BY user_id, token
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		b := &Balance{}
		var updated time.Time
		if err := rows.Scan(&b.UserID, &b.Token, &b.Available, &b.Escrowed, &updated); err != nil {
			return nil, err
		}
		b.UpdatedAt = updated
		result = append(result, b)
	}
	return result, rows.Err()
}

// isCheckViolation reports a CHECK constraint failure (SQLSTATE 23514).
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
