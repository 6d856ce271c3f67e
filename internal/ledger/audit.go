package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithAuditIP attaches the client IP for audit logging.
func WithAuditIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithAuditRequestID attaches a request ID for audit correlation.
func WithAuditRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// AuditMeta identifies who caused a mutation.
type AuditMeta struct {
	ActorType string
	ActorID   string
	IPAddress string
	RequestID string
}

// metaFromCtx defaults the actor to "system" (timers, sweeps).
func metaFromCtx(ctx context.Context) AuditMeta {
	m := AuditMeta{ActorType: "system"}
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		m.ActorType = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		m.ActorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		m.IPAddress = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		m.RequestID = v
	}
	return m
}

// AuditEntry represents a single audit log record.
type AuditEntry struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	Token       string    `json:"token,omitempty"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	Amount      string    `json:"amount,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	BeforeState string    `json:"beforeState,omitempty"`
	AfterState  string    `json:"afterState,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewAuditEntry builds an entry for a non-ledger state change (escrow split,
// dispute resolution) with the actor taken from ctx.
func NewAuditEntry(ctx context.Context, userID, token, operation, reference, description string) *AuditEntry {
	m := metaFromCtx(ctx)
	return &AuditEntry{
		UserID:      userID,
		Token:       token,
		ActorType:   m.ActorType,
		ActorID:     m.ActorID,
		Operation:   operation,
		Reference:   reference,
		RequestID:   m.RequestID,
		IPAddress:   m.IPAddress,
		Description: description,
	}
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, userID string, from, to time.Time, operation string, limit int) ([]*AuditEntry, error)
}

func balanceSnapshot(available, escrowed decimal.Decimal) string {
	b, _ := json.Marshal(map[string]string{
		"available": available.String(),
		"escrowed":  escrowed.String(),
	})
	return string(b)
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit entries to PostgreSQL.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, e *AuditEntry) error {
	before, after := e.BeforeState, e.AfterState
	if before == "" {
		before = "{}"
	}
	if after == "" {
		after = "{}"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, token, actor_type, actor_id, operation, amount, reference,
			before_state, after_state, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::NUMERIC(30,6), $7, $8::JSONB, $9::JSONB, $10, $11, $12, NOW())
	`, e.UserID, e.Token, e.ActorType, e.ActorID, e.Operation, e.Amount, e.Reference,
		before, after, e.RequestID, e.IPAddress, e.Description)
	return err
}

func (l *PostgresAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	return insertAudit(ctx, l.db, entry)
}

func (l *PostgresAuditLogger) QueryAudit(ctx context.Context, userID string, from, to time.Time, operation string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, token, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(amount::TEXT, ''), COALESCE(reference, ''),
			COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
		FROM audit_log
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3 AND ($4 = '' OR operation = $4)
		ORDER BY created_at DESC, id DESC LIMIT $5`,
		userID, from, to, operation, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Token, &e.ActorType, &e.ActorID, &e.Operation,
			&e.Amount, &e.Reference, &e.BeforeState, &e.AfterState,
			&e.RequestID, &e.IPAddress, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores audit entries in memory for demo/testing.
type MemoryAuditLogger struct {
	entries []*AuditEntry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) LogAudit(_ context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryAuditLogger) QueryAudit(_ context.Context, userID string, from, to time.Time, operation string, limit int) ([]*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*AuditEntry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if e.UserID != userID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryAuditLogger) Entries() []*AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*AuditEntry, len(l.entries))
	copy(result, l.entries)
	return result
}
