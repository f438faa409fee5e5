package token

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/store"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	assetX  = common.HexToAddress("0x0000000000000000000000000000000000000011")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestVault_TransferInOut(t *testing.T) {
	ctx := context.Background()
	v := NewVault(custody, store.NewMemoryLedger())
	if err := v.Credit(ctx, assetX, alice, d("5")); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := v.TransferIn(ctx, assetX, alice, d("2")); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if bal, _ := v.BalanceOf(ctx, assetX, custody); !bal.Equal(d("2")) {
		t.Errorf("custody balance = %s, want 2", bal)
	}
	if err := v.TransferOut(ctx, assetX, bob, d("1.5")); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if bal, _ := v.BalanceOf(ctx, assetX, bob); !bal.Equal(d("1.5")) {
		t.Errorf("bob balance = %s, want 1.5", bal)
	}
	if bal, _ := v.BalanceOf(ctx, assetX, alice); !bal.Equal(d("3")) {
		t.Errorf("alice balance = %s, want 3", bal)
	}
}

func TestVault_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	v := NewVault(custody, store.NewMemoryLedger())
	if err := v.Credit(ctx, assetX, alice, d("1")); err != nil {
		t.Fatalf("credit: %v", err)
	}

	err := v.TransferIn(ctx, assetX, alice, d("2"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if bal, _ := v.BalanceOf(ctx, assetX, alice); !bal.Equal(d("1")) {
		t.Errorf("failed transfer changed balance to %s", bal)
	}
	if err := v.TransferIn(ctx, assetX, alice, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestReceiptBook_MintTransfer(t *testing.T) {
	ctx := context.Background()
	b := NewReceiptBook("https://raffle.example/receipts/", store.NewMemoryLedger())

	if err := b.Mint(ctx, alice, 0); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := b.Mint(ctx, alice, 0); !errors.Is(err, ErrReceiptExists) {
		t.Errorf("expected ErrReceiptExists, got %v", err)
	}
	if err := b.Transfer(ctx, bob, alice, 0); !errors.Is(err, ErrNotReceiptOwner) {
		t.Errorf("expected ErrNotReceiptOwner, got %v", err)
	}
	if err := b.Transfer(ctx, alice, bob, 0); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := b.OwnerOf(ctx, 0)
	if err != nil || owner != bob {
		t.Errorf("owner = %s, %v; want bob", owner.Hex(), err)
	}
	if n, _ := b.BalanceOf(ctx, alice); n != 0 {
		t.Errorf("alice should hold nothing, holds %d", n)
	}
	uri, _ := b.TokenURI(ctx, 0)
	if uri != "https://raffle.example/receipts/0" {
		t.Errorf("unexpected uri %q", uri)
	}
	if _, err := b.OwnerOf(ctx, 9); !errors.Is(err, ErrNonexistentReceipt) {
		t.Errorf("expected ErrNonexistentReceipt, got %v", err)
	}
	if err := b.Transfer(ctx, bob, alice, 9); !errors.Is(err, ErrNonexistentReceipt) {
		t.Errorf("expected ErrNonexistentReceipt for unknown id, got %v", err)
	}
	if err := b.Mint(ctx, common.Address{}, 1); !errors.Is(err, ErrZeroRecipient) {
		t.Errorf("expected ErrZeroRecipient, got %v", err)
	}
}

func TestReceiptBook_TokensOfSorted(t *testing.T) {
	ctx := context.Background()
	b := NewReceiptBook("", store.NewMemoryLedger())
	for _, id := range []uint64{5, 1, 3} {
		b.Mint(ctx, alice, id)
	}
	ids, _ := b.TokensOf(ctx, alice)
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 5 {
		t.Errorf("unexpected ids %v", ids)
	}
}

// A vault and registry rebuilt over the same ledger see the balances and
// receipts written before, the way a restarted server does over Postgres.
func TestVault_StateLivesInLedger(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryLedger()

	v := NewVault(custody, ledger)
	b := NewReceiptBook("", ledger)
	if err := v.Credit(ctx, assetX, alice, d("3")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := v.TransferIn(ctx, assetX, alice, d("1")); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if err := b.Mint(ctx, alice, 7); err != nil {
		t.Fatalf("mint: %v", err)
	}

	restarted := NewVault(custody, ledger)
	if bal, _ := restarted.BalanceOf(ctx, assetX, custody); !bal.Equal(d("1")) {
		t.Errorf("custody balance after restart = %s, want 1", bal)
	}
	if err := restarted.TransferOut(ctx, assetX, alice, d("1")); err != nil {
		t.Fatalf("payout after restart: %v", err)
	}
	owner, err := NewReceiptBook("", ledger).OwnerOf(ctx, 7)
	if err != nil || owner != alice {
		t.Errorf("receipt owner after restart = %s, %v; want alice", owner.Hex(), err)
	}
}

func TestPairRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewPairRegistry()
	base := common.HexToAddress("0x00000000000000000000000000000000000000ba")

	pool := r.CreatePair(assetX, base)
	if again := r.CreatePair(base, assetX); again != pool {
		t.Error("pair address must not depend on argument order")
	}
	if ok, _ := r.IsPair(ctx, base, pool); !ok {
		t.Error("expected pool to pair with base")
	}
	if ok, _ := r.IsPair(ctx, bob, pool); ok {
		t.Error("pool does not contain bob's address")
	}
	if ok, _ := r.IsPair(ctx, base, assetX); ok {
		t.Error("an unregistered address is not a pool")
	}
}
