package store

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var asset = common.HexToAddress("0x0000000000000000000000000000000000001001")

func TestMemoryLedger_MoveBalance(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	if bal, _ := l.Balance(ctx, asset, alice); !bal.IsZero() {
		t.Fatalf("unknown holder balance = %s, want 0", bal)
	}
	if err := l.CreditBalance(ctx, asset, alice, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err := l.MoveBalance(ctx, asset, alice, bob, decimal.NewFromInt(3))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.MoveBalance(ctx, asset, alice, bob, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if bal, _ := l.Balance(ctx, asset, alice); !bal.IsZero() {
		t.Errorf("alice balance = %s, want 0", bal)
	}
	if bal, _ := l.Balance(ctx, asset, bob); !bal.Equal(decimal.NewFromInt(2)) {
		t.Errorf("bob balance = %s, want 2", bal)
	}
}

func TestMemoryLedger_Receipts(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	for _, id := range []uint64{4, 2} {
		if err := l.MintReceipt(ctx, id, alice); err != nil {
			t.Fatalf("mint %d: %v", id, err)
		}
	}
	if err := l.MintReceipt(ctx, 2, bob); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if err := l.TransferReceipt(ctx, 2, bob, alice); !errors.Is(err, ErrNotReceiptHolder) {
		t.Errorf("expected ErrNotReceiptHolder, got %v", err)
	}
	if err := l.TransferReceipt(ctx, 9, alice, bob); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := l.TransferReceipt(ctx, 4, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ids, _ := l.ReceiptsOf(ctx, alice); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("alice receipts = %v, want [2]", ids)
	}
	if err := l.BurnReceipt(ctx, 4); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := l.ReceiptOwner(ctx, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after burn, got %v", err)
	}
}
