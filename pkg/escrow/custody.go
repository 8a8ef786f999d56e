package escrow

import (
	"context"
	"fmt"
	"sync"
)

// Custodian moves value in and out of escrow custody. Each call is
// all-or-nothing.
type Custodian interface {
	Deposit(ctx context.Context, escrowID, from string, amount int64) error
	Payout(ctx context.Context, escrowID string, dist Distribution) error
	CollectFee(ctx context.Context, escrowID, from string, fee int64) error
}

// MemoryLedger is an in-process Custodian keeping party balances, per-escrow
// holdings and collected fees.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	held     map[string]int64
	fees     int64

	// OnPayout runs after a payout has been applied, outside the ledger lock.
	// It models the receiving side of an external transfer.
	OnPayout func(ctx context.Context, escrowID string, dist Distribution)
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: map[string]int64{}, held: map[string]int64{}}
}

func (l *MemoryLedger) Credit(party string, amount int64) {
	l.mu.Lock()
	l.balances[party] += amount
	l.mu.Unlock()
}

// Hold marks amount as already in custody for escrowID, e.g. for an escrow
// restored from storage after a restart.
func (l *MemoryLedger) Hold(escrowID string, amount int64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	l.held[escrowID] += amount
	l.mu.Unlock()
}

func (l *MemoryLedger) Balance(party string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[party]
}

func (l *MemoryLedger) Held(escrowID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[escrowID]
}

func (l *MemoryLedger) Fees() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees
}

func (l *MemoryLedger) Deposit(_ context.Context, escrowID, from string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.held[escrowID] += amount
	return nil
}

func (l *MemoryLedger) Payout(ctx context.Context, escrowID string, dist Distribution) error {
	l.mu.Lock()
	total := dist.Total()
	if total > l.held[escrowID] {
		have := l.held[escrowID]
		l.mu.Unlock()
		return fmt.Errorf("%w: escrow %s holds %d, payout %d", ErrInsufficientFunds, escrowID, have, total)
	}
	for _, amount := range dist {
		if amount < 0 {
			l.mu.Unlock()
			return ErrInvalidDistribution
		}
	}
	for party, amount := range dist {
		l.balances[party] += amount
	}
	l.held[escrowID] -= total
	hook := l.OnPayout
	l.mu.Unlock()

	if hook != nil {
		hook(ctx, escrowID, dist.clone())
	}
	return nil
}

func (l *MemoryLedger) CollectFee(_ context.Context, escrowID, from string, fee int64) error {
	if fee <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < fee {
		return fmt.Errorf("%w: arbitration fee for %s", ErrInsufficientFunds, escrowID)
	}
	l.balances[from] -= fee
	l.fees += fee
	return nil
}
