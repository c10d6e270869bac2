package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient in-app credit")
	ErrUnknownHold       = errors.New("unknown hold")
)

// Wallet reserves a rider's in-app credit while a ride is open. A hold is
// captured when the ride completes and released when it ends any other way.
type Wallet interface {
	Hold(ctx context.Context, rideID, riderID string, amount int64) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

type holdState int

const (
	holdOpen holdState = iota
	holdCaptured
	holdReleased
)

type hold struct {
	riderID string
	amount  int64
	state   holdState
}

// MemoryWallet keeps balances in process. Capture and Release are idempotent
// once a hold is settled.
type MemoryWallet struct {
	mu            sync.Mutex
	balances      map[string]int64
	holds         map[string]*hold
	defaultCredit int64
}

func NewMemoryWallet(defaultCredit int64) *MemoryWallet {
	return &MemoryWallet{
		balances:      make(map[string]int64),
		holds:         make(map[string]*hold),
		defaultCredit: defaultCredit,
	}
}

// Credit adds to a rider's balance.
func (w *MemoryWallet) Credit(riderID string, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[riderID] = w.balance(riderID) + amount
}

// Balance returns the spendable balance, excluding open holds.
func (w *MemoryWallet) Balance(riderID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance(riderID)
}

func (w *MemoryWallet) balance(riderID string) int64 {
	b, ok := w.balances[riderID]
	if !ok {
		return w.defaultCredit
	}
	return b
}

func (w *MemoryWallet) Hold(_ context.Context, _ string, riderID string, amount int64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bal := w.balance(riderID)
	if bal < amount {
		return "", ErrInsufficientFunds
	}
	w.balances[riderID] = bal - amount
	id := "hold_" + uuid.NewString()
	w.holds[id] = &hold{riderID: riderID, amount: amount}
	return id, nil
}

func (w *MemoryWallet) Capture(_ context.Context, holdID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.holds[holdID]
	if !ok {
		return ErrUnknownHold
	}
	if h.state == holdOpen {
		h.state = holdCaptured
	}
	return nil
}

func (w *MemoryWallet) Release(_ context.Context, holdID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.holds[holdID]
	if !ok {
		return ErrUnknownHold
	}
	if h.state == holdOpen {
		h.state = holdReleased
		w.balances[h.riderID] = w.balance(h.riderID) + h.amount
	}
	return nil
}
