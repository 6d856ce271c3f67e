package reconciliation

import (
	"context"
	"database/sql"
	"sync"
)

// AlertStore keeps reconciliation alerts for operators.
type AlertStore interface {
	Add(ctx context.Context, a *Alert) error
	List(ctx context.Context, limit int) ([]*Alert, error)
}

// MemoryAlertStore keeps alerts in memory, newest last.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts []*Alert
}

var _ AlertStore = (*MemoryAlertStore)(nil)

// NewMemoryAlertStore creates an in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

func (m *MemoryAlertStore) Add(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

// List returns up to limit alerts, newest first.
func (m *MemoryAlertStore) List(_ context.Context, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var result []*Alert
	for i := len(m.alerts) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *m.alerts[i]
		result = append(result, &cp)
	}
	return result, nil
}

// PostgresAlertStore persists alerts in reconciliation_alerts.
type PostgresAlertStore struct {
	db *sql.DB
}

var _ AlertStore = (*PostgresAlertStore)(nil)

// NewPostgresAlertStore creates a PostgreSQL-backed alert store.
func NewPostgresAlertStore(db *sql.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

func (p *PostgresAlertStore) Add(ctx context.Context, a *Alert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_alerts (id, kind, user_id, token, operation, reference, expected, actual, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.Kind, a.UserID, a.Token, a.Operation, a.Reference, a.Expected, a.Actual, a.Detail, a.CreatedAt)
	return err
}

func (p *PostgresAlertStore) List(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, user_id, token, operation, reference, expected, actual, detail, created_at
		FROM reconciliation_alerts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a := &Alert{}
		if err := rows.Scan(&a.ID, &a.Kind, &a.UserID, &a.Token, &a.Operation, &a.Reference,
			&a.Expected, &a.Actual, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
