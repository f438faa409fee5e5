package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrNotReceiptHolder    = errors.New("store: receipt held by another account")
)

// Ledger persists fungible balances and receipt ownership. It backs the
// token vault and receipt registry so custody and receipts survive a
// restart alongside the positions they pay out.
type Ledger interface {
	// Balance returns holder's balance of asset (zero when unknown).
	Balance(ctx context.Context, asset, holder common.Address) (decimal.Decimal, error)

	// CreditBalance adds amount of asset to holder.
	CreditBalance(ctx context.Context, asset, holder common.Address, amount decimal.Decimal) error

	// MoveBalance debits from and credits to in one step. Returns
	// ErrInsufficientBalance when from holds less than amount.
	MoveBalance(ctx context.Context, asset, from, to common.Address, amount decimal.Decimal) error

	// MintReceipt records owner as the holder of a new receipt. Returns
	// ErrAlreadyExists when id was minted before.
	MintReceipt(ctx context.Context, id uint64, owner common.Address) error

	// BurnReceipt deletes receipt id. Returns ErrNotFound when it does not exist.
	BurnReceipt(ctx context.Context, id uint64) error

	// ReceiptOwner returns the holder of receipt id or ErrNotFound.
	ReceiptOwner(ctx context.Context, id uint64) (common.Address, error)

	// TransferReceipt moves receipt id from one holder to another. Returns
	// ErrNotFound or ErrNotReceiptHolder.
	TransferReceipt(ctx context.Context, id uint64, from, to common.Address) error

	// ReceiptsOf returns the receipts held by owner in ascending order.
	ReceiptsOf(ctx context.Context, owner common.Address) ([]uint64, error)
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*PostgresStore)(nil)
)

// MemoryLedger implements Ledger with in-memory maps.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]decimal.Decimal
	owners   map[uint64]common.Address
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[common.Address]map[common.Address]decimal.Decimal),
		owners:   make(map[uint64]common.Address),
	}
}

func (l *MemoryLedger) Balance(_ context.Context, asset, holder common.Address) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[asset][holder], nil
}

func (l *MemoryLedger) CreditBalance(_ context.Context, asset, holder common.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(asset, holder, amount)
	return nil
}

func (l *MemoryLedger) MoveBalance(_ context.Context, asset, from, to common.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := l.balances[asset][from]
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientBalance, from.Hex(), have, asset.Hex(), amount)
	}
	l.add(asset, from, amount.Neg())
	l.add(asset, to, amount)
	return nil
}

func (l *MemoryLedger) add(asset, holder common.Address, amount decimal.Decimal) {
	m, ok := l.balances[asset]
	if !ok {
		m = make(map[common.Address]decimal.Decimal)
		l.balances[asset] = m
	}
	m[holder] = m[holder].Add(amount)
}

func (l *MemoryLedger) MintReceipt(_ context.Context, id uint64, owner common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.owners[id]; ok {
		return fmt.Errorf("%w: receipt %d", ErrAlreadyExists, id)
	}
	l.owners[id] = owner
	return nil
}

func (l *MemoryLedger) BurnReceipt(_ context.Context, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.owners[id]; !ok {
		return fmt.Errorf("%w: receipt %d", ErrNotFound, id)
	}
	delete(l.owners, id)
	return nil
}

func (l *MemoryLedger) ReceiptOwner(_ context.Context, id uint64) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owner, ok := l.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: receipt %d", ErrNotFound, id)
	}
	return owner, nil
}

func (l *MemoryLedger) TransferReceipt(_ context.Context, id uint64, from, to common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[id]
	if !ok {
		return fmt.Errorf("%w: receipt %d", ErrNotFound, id)
	}
	if owner != from {
		return fmt.Errorf("%w: %d", ErrNotReceiptHolder, id)
	}
	l.owners[id] = to
	return nil
}

func (l *MemoryLedger) ReceiptsOf(_ context.Context, owner common.Address) ([]uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []uint64
	for id, o := range l.owners {
		if o == owner {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
