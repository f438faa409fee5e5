package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/raffle-engine/internal/store"
)

var (
	ErrNonexistentReceipt = errors.New("token: nonexistent receipt")
	ErrNotReceiptOwner    = errors.New("token: caller does not own receipt")
	ErrReceiptExists      = errors.New("token: receipt already minted")
	ErrZeroRecipient      = errors.New("token: transfer to the zero address")
)

// ReceiptBook is a transferable receipt registry. Ids are assigned by the
// caller; the engine uses the ledger's next receipt id.
type ReceiptBook struct {
	baseURI string
	ledger  store.Ledger
}

// NewReceiptBook creates a registry over ledger. TokenURI appends the id to
// baseURI.
func NewReceiptBook(baseURI string, ledger store.Ledger) *ReceiptBook {
	return &ReceiptBook{baseURI: baseURI, ledger: ledger}
}

// receiptErr maps ledger errors onto the registry's own.
func receiptErr(id uint64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %d", ErrNonexistentReceipt, id)
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("%w: %d", ErrReceiptExists, id)
	case errors.Is(err, store.ErrNotReceiptHolder):
		return fmt.Errorf("%w: %d", ErrNotReceiptOwner, id)
	default:
		return fmt.Errorf("token: receipt %d: %w", id, err)
	}
}

// Mint creates receipt id owned by to.
func (b *ReceiptBook) Mint(ctx context.Context, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return ErrZeroRecipient
	}
	return receiptErr(id, b.ledger.MintReceipt(ctx, id, to))
}

// Burn destroys receipt id. The engine only burns a receipt whose deposit
// could not be recorded.
func (b *ReceiptBook) Burn(ctx context.Context, id uint64) error {
	return receiptErr(id, b.ledger.BurnReceipt(ctx, id))
}

// OwnerOf returns the current holder of receipt id.
func (b *ReceiptBook) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	owner, err := b.ledger.ReceiptOwner(ctx, id)
	if err != nil {
		return common.Address{}, receiptErr(id, err)
	}
	return owner, nil
}

// Transfer moves receipt id from caller to to. Only the holder may transfer.
func (b *ReceiptBook) Transfer(ctx context.Context, caller, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return ErrZeroRecipient
	}
	return receiptErr(id, b.ledger.TransferReceipt(ctx, id, caller, to))
}

// TokensOf returns the receipts held by owner in ascending order.
func (b *ReceiptBook) TokensOf(ctx context.Context, owner common.Address) ([]uint64, error) {
	return b.ledger.ReceiptsOf(ctx, owner)
}

// BalanceOf returns how many receipts owner holds.
func (b *ReceiptBook) BalanceOf(ctx context.Context, owner common.Address) (int, error) {
	ids, err := b.TokensOf(ctx, owner)
	return len(ids), err
}

// TokenURI returns the metadata location of receipt id.
func (b *ReceiptBook) TokenURI(ctx context.Context, id uint64) (string, error) {
	if _, err := b.OwnerOf(ctx, id); err != nil {
		return "", err
	}
	if b.baseURI == "" {
		return "", nil
	}
	return b.baseURI + strconv.FormatUint(id, 10), nil
}
