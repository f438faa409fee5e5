// Package token provides stand-ins for the fungible assets, the receipt
// registry and the pair registry the raffle engine settles against. Balances
// and receipt ownership live in a store.Ledger so they persist with the
// positions they back.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrInvalidAmount       = errors.New("token: amount must be positive")
)

// Vault keeps fungible balances for every (asset, holder) pair. The engine's
// custody is just another holder, identified by Custodian.
type Vault struct {
	custodian common.Address
	ledger    store.Ledger
}

// NewVault creates a vault over ledger whose custody account is custodian.
func NewVault(custodian common.Address, ledger store.Ledger) *Vault {
	return &Vault{custodian: custodian, ledger: ledger}
}

// Custodian returns the engine's custody account.
func (v *Vault) Custodian() common.Address { return v.custodian }

// Credit mints amount of asset to holder. Used for seeding balances and by
// the dev faucet.
func (v *Vault) Credit(ctx context.Context, asset, holder common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if err := v.ledger.CreditBalance(ctx, asset, holder, amount); err != nil {
		return fmt.Errorf("token: credit %s: %w", holder.Hex(), err)
	}
	return nil
}

// BalanceOf returns holder's balance of asset.
func (v *Vault) BalanceOf(ctx context.Context, asset, holder common.Address) (decimal.Decimal, error) {
	return v.ledger.Balance(ctx, asset, holder)
}

// Transfer moves amount of asset between holders atomically.
func (v *Vault) Transfer(ctx context.Context, asset, from, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	err := v.ledger.MoveBalance(ctx, asset, from, to, amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return fmt.Errorf("%w: %s needs %s of %s", ErrInsufficientBalance, from.Hex(), amount, asset.Hex())
	}
	if err != nil {
		return fmt.Errorf("token: transfer %s of %s: %w", amount, asset.Hex(), err)
	}
	return nil
}

// TransferIn pulls amount of asset from holder into custody.
func (v *Vault) TransferIn(ctx context.Context, asset, from common.Address, amount decimal.Decimal) error {
	return v.Transfer(ctx, asset, from, v.custodian, amount)
}

// TransferOut pays amount of asset from custody to holder.
func (v *Vault) TransferOut(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error {
	return v.Transfer(ctx, asset, v.custodian, to, amount)
}
