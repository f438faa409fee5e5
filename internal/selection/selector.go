// Package selection maps a random value onto receipt ids without repeats.
//
// The eligible pool is de-duplicated, stripped of already selected ids and
// sorted ascending before indexing, so a given value and pool always produce
// the same winners. When more than one winner is drawn from a single value,
// successive values are derived with keccak256 over the ABI encoding of
// (value, i); the oracle is never asked twice.
package selection

import (
	"errors"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoEligibleReceipts is returned when there is nothing left to draw from.
var ErrNoEligibleReceipts = errors.New("selection: no eligible receipts")

// Derive returns the i-th value expanded from a single random value, read as
// a 256-bit word. Derive(v, 0) is v mod 2^256.
func Derive(value *big.Int, i int) *big.Int {
	v := math.U256(new(big.Int).Set(value))
	if i == 0 {
		return v
	}
	word := math.U256Bytes(v)
	idx := common.LeftPadBytes(big.NewInt(int64(i)).Bytes(), 32)
	return new(big.Int).SetBytes(crypto.Keccak256(word, idx))
}

// Pool returns the sorted, de-duplicated ids of eligible that are not in
// excluded.
func Pool(eligible, excluded []uint64) []uint64 {
	skip := make(map[uint64]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	pool := make([]uint64, 0, len(eligible))
	for _, id := range eligible {
		if _, ok := skip[id]; ok {
			continue
		}
		skip[id] = struct{}{}
		pool = append(pool, id)
	}
	slices.Sort(pool)
	return pool
}

// Select draws up to k ids. At least one id is returned or
// ErrNoEligibleReceipts; fewer than k are returned when the pool runs dry.
func Select(value *big.Int, eligible, excluded []uint64, k int) ([]uint64, error) {
	if k < 1 {
		k = 1
	}
	pool := Pool(eligible, excluded)
	if len(pool) == 0 {
		return nil, ErrNoEligibleReceipts
	}

	winners := make([]uint64, 0, k)
	for i := 0; i < k && len(pool) > 0; i++ {
		v := Derive(value, i)
		idx := new(big.Int).Mod(v, big.NewInt(int64(len(pool)))).Int64()
		winners = append(winners, pool[idx])
		pool = slices.Delete(pool, int(idx), int(idx)+1)
	}
	return winners, nil
}
