package token

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type pairKey struct{ a, b common.Address }

func sortedPair(x, y common.Address) pairKey {
	if x.Cmp(y) > 0 {
		x, y = y, x
	}
	return pairKey{x, y}
}

// PairRegistry records liquidity pools created for pairs of assets.
type PairRegistry struct {
	mu    sync.RWMutex
	pools map[pairKey]common.Address
	pairs map[common.Address]pairKey
}

func NewPairRegistry() *PairRegistry {
	return &PairRegistry{
		pools: make(map[pairKey]common.Address),
		pairs: make(map[common.Address]pairKey),
	}
}

// CreatePair registers the pool for (a, b) and returns its address. The
// address is derived from the sorted pair so it is stable across restarts.
func (r *PairRegistry) CreatePair(a, b common.Address) common.Address {
	key := sortedPair(a, b)
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[key]; ok {
		return pool
	}
	pool := common.BytesToAddress(crypto.Keccak256(key.a.Bytes(), key.b.Bytes()))
	r.pools[key] = pool
	r.pairs[pool] = key
	return pool
}

// IsPair reports whether pool is the registered pool pairing base with
// another asset.
func (r *PairRegistry) IsPair(_ context.Context, base, pool common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.pairs[pool]
	if !ok {
		return false, nil
	}
	return key.a == base || key.b == base, nil
}
