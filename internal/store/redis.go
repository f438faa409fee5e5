package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/raffle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Anything the engine uses to make a decision (counts, the request log)
// always reads the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveSetup(ctx context.Context, setup *model.Setup) error {
	if err := s.primary.SaveSetup(ctx, setup); err != nil {
		return err
	}
	s.cache(ctx, setupKey, setup)
	return nil
}

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.ReceiptID))
	return nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, receiptID uint64, closedBy common.Address, at time.Time) error {
	// Invalidate even on failure; the primary decides what is true.
	defer s.rdb.Del(ctx, positionKey(receiptID))
	return s.primary.ClosePosition(ctx, receiptID, closedBy, at)
}

func (s *CachedStore) ReopenPosition(ctx context.Context, receiptID uint64) error {
	defer s.rdb.Del(ctx, positionKey(receiptID))
	return s.primary.ReopenPosition(ctx, receiptID)
}

func (s *CachedStore) SaveRequest(ctx context.Context, req *model.RandomnessRequest) error {
	return s.primary.SaveRequest(ctx, req)
}

func (s *CachedStore) ResolveRequest(ctx context.Context, req *model.RandomnessRequest, winners []model.Winner) error {
	if err := s.primary.ResolveRequest(ctx, req, winners); err != nil {
		return err
	}
	s.rdb.Del(ctx, winnersKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSetup(ctx context.Context) (*model.Setup, error) {
	var setup model.Setup
	if s.lookup(ctx, setupKey, &setup) {
		return &setup, nil
	}

	got, err := s.primary.GetSetup(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, setupKey, got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, receiptID uint64) (*model.Position, error) {
	var p model.Position
	if s.lookup(ctx, positionKey(receiptID), &p) {
		return &p, nil
	}

	got, err := s.primary.GetPosition(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(receiptID), got)
	return got, nil
}

func (s *CachedStore) ListWinners(ctx context.Context) ([]model.Winner, error) {
	var winners []model.Winner
	if s.lookup(ctx, winnersKey, &winners) {
		return winners, nil
	}

	got, err := s.primary.ListWinners(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, winnersKey, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) NextReceiptID(ctx context.Context) (uint64, error) {
	return s.primary.NextReceiptID(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) CountPositionsByDepositor(ctx context.Context, depositor common.Address) (int, error) {
	return s.primary.CountPositionsByDepositor(ctx, depositor)
}

func (s *CachedStore) CountPositionsByRound(ctx context.Context, round int) (int, error) {
	return s.primary.CountPositionsByRound(ctx, round)
}

func (s *CachedStore) GetRequest(ctx context.Context, id common.Hash) (*model.RandomnessRequest, error) {
	return s.primary.GetRequest(ctx, id)
}

func (s *CachedStore) ListRequests(ctx context.Context) ([]model.RandomnessRequest, error) {
	return s.primary.ListRequests(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	setupKey   = "raffle:setup"
	winnersKey = "raffle:winners"
)

func positionKey(id uint64) string { return fmt.Sprintf("raffle:position:%d", id) }
