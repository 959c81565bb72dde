package paper

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryLedgerCreditDebit(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	total, err := ledger.Credit(ctx, "owner", 10)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if total != 10 {
		t.Fatalf("expected 10 shares, got %v", total)
	}

	total, err = ledger.Debit(ctx, "owner", 4)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 shares, got %v", total)
	}

	balance, err := ledger.Balance(ctx, "owner")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 6 {
		t.Fatalf("expected 6 shares, got %v", balance)
	}
}

func TestMemoryLedgerClampsAtZero(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	total, err := ledger.Debit(ctx, "owner", 5)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if total != 0 {
		t.Fatalf("debit below zero must clamp, got %v", total)
	}

	if err := ledger.Set(ctx, "owner", -3); err != nil {
		t.Fatalf("set: %v", err)
	}
	balance, err := ledger.Balance(ctx, "owner")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("negative set must clamp to zero, got %v", balance)
	}
}

func TestMemoryLedgerUnknownOwner(t *testing.T) {
	ledger := NewMemoryLedger()

	balance, err := ledger.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("unknown owner must read as zero, got %v", balance)
	}
}

func TestMemoryLedgerConcurrentCredits(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Credit(ctx, "owner", 1); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, err := ledger.Balance(ctx, "owner")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected 100 shares after concurrent credits, got %v", balance)
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebindPostgresPlaceholders("INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT DO UPDATE SET a = ?")
	want := "INSERT INTO t (a, b) VALUES ($1, $2) ON CONFLICT DO UPDATE SET a = $3"
	if got != want {
		t.Fatalf("rebind mismatch:\n got %q\nwant %q", got, want)
	}
}
