package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/testutil"
)

func setupPostgresLedger(t *testing.T) (*Ledger, *PostgresAuditLogger) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	audit := NewPostgresAuditLogger(db)
	return New(NewPostgresStore(db)).WithAuditLogger(audit), audit
}

func TestPostgres_DepositAndGetBalance(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()

	if err := l.Deposit(ctx, "alice", "USDT", d("10.5"), "0xabc123"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	assertBalance(t, l, "alice", "USDT", "10.5", "0")
	assertBalance(t, l, "nobody", "USDT", "0", "0")
}

func TestPostgres_ReplayIsNoop(t *testing.T) {
	l, audit := setupPostgresLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, "alice", "USDT", d("5"), "0xdup")
	if err := l.Deposit(ctx, "alice", "USDT", d("5"), "0xdup"); err != nil {
		t.Fatalf("replayed deposit: %v", err)
	}
	assertBalance(t, l, "alice", "USDT", "5", "0")

	entries, err := audit.QueryAudit(ctx, "alice", time.Time{}, time.Now().Add(time.Hour), "", 10)
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 audit row, got %d", len(entries))
	}
}

func TestPostgres_EscrowLifecycle(t *testing.T) {
	l, audit := setupPostgresLedger(t)
	ctx := WithActor(context.Background(), "user", "seller")

	_ = l.Deposit(ctx, "seller", "USDT", d("50"), "dep_1")
	if err := l.EscrowLock(ctx, "seller", "USDT", d("20"), "esc_1"); err != nil {
		t.Fatalf("EscrowLock: %v", err)
	}
	if err := l.EscrowRelease(ctx, "seller", "buyer", "USDT", d("20"), "esc_1"); err != nil {
		t.Fatalf("EscrowRelease: %v", err)
	}
	assertBalance(t, l, "seller", "USDT", "30", "0")
	assertBalance(t, l, "buyer", "USDT", "20", "0")

	rows, _ := audit.QueryAudit(ctx, "seller", time.Time{}, time.Now().Add(time.Hour), "escrow_release_out", 10)
	if len(rows) != 1 || rows[0].ActorID != "seller" {
		t.Fatalf("expected one release audit row by seller, got %+v", rows)
	}
}

func TestPostgres_OverdraftRollsBack(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	_ = l.Deposit(ctx, "alice", "USDT", d("10"), "dep_1")

	err := l.EscrowLock(ctx, "alice", "USDT", d("11"), "esc_1")
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertBalance(t, l, "alice", "USDT", "10", "0")

	// The failed entry rolled back with the balance, so the reference is reusable.
	if err := l.EscrowLock(ctx, "alice", "USDT", d("10"), "esc_1"); err != nil {
		t.Fatalf("EscrowLock after rollback: %v", err)
	}
	assertBalance(t, l, "alice", "USDT", "0", "10")
}

func TestPostgres_HistoryAndListBalances(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	_ = l.Deposit(ctx, "alice", "USDT", d("3"), "dep_1")
	_ = l.Deposit(ctx, "bob", "USDC", d("4"), "dep_2")

	hist, err := l.GetHistory(ctx, "alice", "", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Type != "deposit" {
		t.Errorf("unexpected history %+v", hist)
	}

	all, err := l.ListBalances(ctx)
	if err != nil {
		t.Fatalf("ListBalances: %v", err)
	}
	if len(all) != 2 || all[0].UserID != "alice" || all[1].UserID != "bob" {
		t.Errorf("unexpected balances %+v", all)
	}
}

func TestPostgres_ConcurrentOppositeTransfers(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	_ = l.Deposit(ctx, "alice", "USDT", d("100"), "dep_a")
	_ = l.Deposit(ctx, "bob", "USDT", d("100"), "dep_b")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		ref := "tx_" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			_, _ = l.ExecuteTransfer(ctx, "alice", "bob", "USDT", d("1"), ref+"_ab")
		}()
		go func() {
			defer wg.Done()
			_, _ = l.ExecuteTransfer(ctx, "bob", "alice", "USDT", d("1"), ref+"_ba")
		}()
	}
	wg.Wait()

	a, _ := l.GetBalance(ctx, "alice", "USDT")
	b, _ := l.GetBalance(ctx, "bob", "USDT")
	if !a.Total().Add(b.Total()).Equal(d("200")) {
		t.Errorf("total changed: alice=%s bob=%s", a.Total(), b.Total())
	}
}
