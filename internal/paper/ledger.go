package paper

import (
	"context"
	"sync"
)

// Ledger tracks simulated share balances per owner. Balances never go
// negative; a debit larger than the balance clamps to zero.
type Ledger interface {
	Balance(ctx context.Context, owner string) (float64, error)
	Credit(ctx context.Context, owner string, shares float64) (float64, error)
	Debit(ctx context.Context, owner string, shares float64) (float64, error)
	Set(ctx context.Context, owner string, shares float64) error
}

// MemoryLedger keeps simulated balances in process memory. It backs
// deployments without a database and the test suite; balances reset on
// restart.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]float64)}
}

func (l *MemoryLedger) Balance(_ context.Context, owner string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner], nil
}

func (l *MemoryLedger) Credit(_ context.Context, owner string, shares float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.balances[owner] + shares
	if next < 0 {
		next = 0
	}
	l.balances[owner] = next
	return next, nil
}

func (l *MemoryLedger) Debit(ctx context.Context, owner string, shares float64) (float64, error) {
	return l.Credit(ctx, owner, -shares)
}

func (l *MemoryLedger) Set(_ context.Context, owner string, shares float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if shares < 0 {
		shares = 0
	}
	l.balances[owner] = shares
	return nil
}
