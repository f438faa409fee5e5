package selection

import (
	"math/big"
	"testing"
)

func TestSelect_SingleWinnerModulo(t *testing.T) {
	winners, err := Select(big.NewInt(770), []uint64{0, 1, 2}, nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 770 mod 3 == 2
	if len(winners) != 1 || winners[0] != 2 {
		t.Errorf("expected [2], got %v", winners)
	}
}

func TestSelect_OrderIndependent(t *testing.T) {
	a, _ := Select(big.NewInt(479), []uint64{6, 2, 5, 3, 4}, nil, 1)
	b, _ := Select(big.NewInt(479), []uint64{2, 3, 4, 5, 6}, nil, 1)
	if a[0] != b[0] {
		t.Errorf("selection depends on input order: %d vs %d", a[0], b[0])
	}
	// 479 mod 5 == 4 → fifth smallest id.
	if a[0] != 6 {
		t.Errorf("expected 6, got %d", a[0])
	}
}

func TestSelect_ExcludesPriorWinners(t *testing.T) {
	winners, err := Select(big.NewInt(0), []uint64{0, 1, 2, 3}, []uint64{0, 1}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winners[0] != 2 {
		t.Errorf("expected 2, got %d", winners[0])
	}
}

func TestSelect_DuplicatesInEligibleIgnored(t *testing.T) {
	pool := Pool([]uint64{3, 3, 1, 1, 2}, nil)
	if len(pool) != 3 || pool[0] != 1 || pool[1] != 2 || pool[2] != 3 {
		t.Errorf("unexpected pool %v", pool)
	}
}

func TestSelect_MultipleWinnersUnique(t *testing.T) {
	eligible := make([]uint64, 50)
	for i := range eligible {
		eligible[i] = uint64(i)
	}
	value, _ := new(big.Int).SetString("98765432109876543210987654321", 10)

	winners, err := Select(value, eligible, nil, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(winners) != 10 {
		t.Fatalf("expected 10 winners, got %d", len(winners))
	}
	seen := map[uint64]bool{}
	for _, w := range winners {
		if seen[w] {
			t.Fatalf("duplicate winner %d in %v", w, winners)
		}
		seen[w] = true
	}

	again, _ := Select(value, eligible, nil, 10)
	for i := range winners {
		if winners[i] != again[i] {
			t.Fatalf("selection is not deterministic: %v vs %v", winners, again)
		}
	}
}

func TestSelect_PoolRunsDry(t *testing.T) {
	winners, err := Select(big.NewInt(7), []uint64{4, 9}, nil, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(winners) != 2 {
		t.Errorf("expected both remaining ids, got %v", winners)
	}
}

func TestSelect_Empty(t *testing.T) {
	if _, err := Select(big.NewInt(1), nil, nil, 1); err != ErrNoEligibleReceipts {
		t.Errorf("expected ErrNoEligibleReceipts, got %v", err)
	}
	if _, err := Select(big.NewInt(1), []uint64{1}, []uint64{1}, 1); err != ErrNoEligibleReceipts {
		t.Errorf("expected ErrNoEligibleReceipts when all excluded, got %v", err)
	}
}

func TestDerive(t *testing.T) {
	v := big.NewInt(534)
	if Derive(v, 0).Cmp(v) != 0 {
		t.Error("Derive(v, 0) must equal v")
	}
	d1, d2 := Derive(v, 1), Derive(v, 2)
	if d1.Cmp(d2) == 0 || d1.Cmp(v) == 0 {
		t.Error("derived values should differ from each other and from v")
	}
	if Derive(v, 1).Cmp(d1) != 0 {
		t.Error("Derive must be deterministic")
	}
	if v.Int64() != 534 {
		t.Error("Derive must not mutate its input")
	}
}

func TestDerive_WrapsAt256Bits(t *testing.T) {
	wide := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(5))
	if got := Derive(wide, 0); got.Int64() != 5 || !got.IsInt64() {
		t.Errorf("Derive(2^256+5, 0) = %s, want 5", got)
	}
	if Derive(wide, 1).Cmp(Derive(big.NewInt(5), 1)) != 0 {
		t.Error("every index must read the value as the same 256-bit word")
	}
	if wide.BitLen() != 257 {
		t.Error("Derive must not mutate its input")
	}

	winners, err := Select(wide, []uint64{10, 11, 12, 13, 14, 15, 16}, nil, 1)
	if err != nil || winners[0] != 15 {
		t.Errorf("Select(2^256+5) = %v, %v; want [15]", winners, err)
	}
}
