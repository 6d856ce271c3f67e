package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestAuditLogger_DepositCreatesEntry(t *testing.T) {
	l, store := newTestLedger()

	ctx := WithActor(context.Background(), "admin", "ops_1")
	ctx = WithAuditIP(ctx, "127.0.0.1")
	ctx = WithAuditRequestID(ctx, "req_1")

	if err := l.Deposit(ctx, "alice", "USDT", d("10"), "0xtx1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	entries := store.Audit().Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}

	e := entries[0]
	if e.Operation != "deposit" {
		t.Errorf("expected operation 'deposit', got %q", e.Operation)
	}
	if e.ActorType != "admin" || e.ActorID != "ops_1" {
		t.Errorf("unexpected actor %s/%s", e.ActorType, e.ActorID)
	}
	if e.IPAddress != "127.0.0.1" || e.RequestID != "req_1" {
		t.Errorf("unexpected ip/request %q/%q", e.IPAddress, e.RequestID)
	}
	if e.Reference != "0xtx1" || e.Amount != "10" {
		t.Errorf("unexpected reference/amount %q/%q", e.Reference, e.Amount)
	}
}

func TestAuditLogger_DefaultActorIsSystem(t *testing.T) {
	l, store := newTestLedger()
	_ = l.Deposit(context.Background(), "alice", "USDT", d("1"), "dep_1")

	if got := store.Audit().Entries()[0].ActorType; got != "system" {
		t.Errorf("expected actor 'system', got %q", got)
	}
}

func TestAuditLogger_ReleaseSnapshotsBothSides(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	_ = l.Deposit(ctx, "seller", "USDT", d("10"), "dep_1")
	_ = l.EscrowLock(ctx, "seller", "USDT", d("10"), "esc_1")
	_ = l.EscrowRelease(ctx, "seller", "buyer", "USDT", d("10"), "esc_1")

	entries := store.Audit().Entries()
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}

	out, in := entries[2], entries[3]
	if out.UserID != "seller" || out.Operation != "escrow_release_out" {
		t.Errorf("unexpected out leg %s/%s", out.UserID, out.Operation)
	}
	if in.UserID != "buyer" || in.Operation != "escrow_release_in" {
		t.Errorf("unexpected in leg %s/%s", in.UserID, in.Operation)
	}

	var before, after map[string]string
	if err := json.Unmarshal([]byte(out.BeforeState), &before); err != nil {
		t.Fatalf("before state: %v", err)
	}
	if err := json.Unmarshal([]byte(out.AfterState), &after); err != nil {
		t.Fatalf("after state: %v", err)
	}
	if before["escrowed"] != "10" || after["escrowed"] != "0" {
		t.Errorf("seller escrowed snapshot %s -> %s", before["escrowed"], after["escrowed"])
	}
}

func TestAuditLogger_QueryFilters(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	_ = l.Deposit(ctx, "alice", "USDT", d("10"), "dep_1")
	_ = l.EscrowLock(ctx, "alice", "USDT", d("5"), "esc_1")
	_ = l.Deposit(ctx, "bob", "USDT", d("1"), "dep_2")

	al := store.Audit()

	all, err := al.QueryAudit(ctx, "alice", time.Time{}, time.Time{}, "", 0)
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 entries for alice, got %d", len(all))
	}

	locks, _ := al.QueryAudit(ctx, "alice", time.Time{}, time.Time{}, "escrow_lock", 10)
	if len(locks) != 1 || locks[0].Reference != "esc_1" {
		t.Errorf("operation filter returned %d entries", len(locks))
	}

	future, _ := al.QueryAudit(ctx, "alice", time.Now().Add(time.Hour), time.Time{}, "", 10)
	if len(future) != 0 {
		t.Errorf("expected no entries from the future, got %d", len(future))
	}
}

func TestNewAuditEntry_TakesActorFromContext(t *testing.T) {
	ctx := WithActor(context.Background(), "moderator", "mod_1")
	e := NewAuditEntry(ctx, "alice", "USDT", "escrow_split", "esc_1", "compromise")

	if e.ActorType != "moderator" || e.ActorID != "mod_1" {
		t.Errorf("unexpected actor %s/%s", e.ActorType, e.ActorID)
	}
	if e.Operation != "escrow_split" || e.Reference != "esc_1" {
		t.Errorf("unexpected operation/reference %s/%s", e.Operation, e.Reference)
	}
}
