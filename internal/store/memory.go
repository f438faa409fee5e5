package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/raffle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	setup     *model.Setup
	positions map[uint64]*model.Position
	nextID    uint64
	requests  map[common.Hash]*model.RandomnessRequest
	winners   []model.Winner
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[uint64]*model.Position),
		requests:  make(map[common.Hash]*model.RandomnessRequest),
	}
}

func (s *MemoryStore) SaveSetup(_ context.Context, setup *model.Setup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setup != nil {
		return fmt.Errorf("%w: setup", ErrAlreadyExists)
	}
	s.setup = cloneSetup(setup)
	return nil
}

func (s *MemoryStore) GetSetup(_ context.Context) (*model.Setup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.setup == nil {
		return nil, fmt.Errorf("%w: setup", ErrNotFound)
	}
	return cloneSetup(s.setup), nil
}

func cloneSetup(setup *model.Setup) *model.Setup {
	c := *setup
	c.StakeAssets = slices.Clone(setup.StakeAssets)
	c.Sponsors = slices.Clone(setup.Sponsors)
	return &c
}

func (s *MemoryStore) NextReceiptID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID, nil
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ReceiptID]; ok {
		return fmt.Errorf("%w: position %d", ErrAlreadyExists, p.ReceiptID)
	}
	copy := *p
	s.positions[p.ReceiptID] = &copy
	if p.ReceiptID >= s.nextID {
		s.nextID = p.ReceiptID + 1
	}
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, receiptID uint64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[receiptID]
	if !ok {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, receiptID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ReceiptID < positions[j].ReceiptID })
	return positions, nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, receiptID uint64, closedBy common.Address, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[receiptID]
	if !ok {
		return fmt.Errorf("%w: position %d", ErrNotFound, receiptID)
	}
	if p.Closed {
		return fmt.Errorf("%w: %d", ErrAlreadyClosed, receiptID)
	}
	p.Closed = true
	p.ClosedBy = closedBy
	p.ClosedAt = &at
	return nil
}

func (s *MemoryStore) ReopenPosition(_ context.Context, receiptID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[receiptID]
	if !ok {
		return fmt.Errorf("%w: position %d", ErrNotFound, receiptID)
	}
	p.Closed = false
	p.ClosedBy = common.Address{}
	p.ClosedAt = nil
	return nil
}

func (s *MemoryStore) CountPositionsByDepositor(_ context.Context, depositor common.Address) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.positions {
		if p.Depositor == depositor {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountPositionsByRound(_ context.Context, round int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.positions {
		if p.Round == round {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveRequest(_ context.Context, req *model.RandomnessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.RequestID]; ok {
		return fmt.Errorf("%w: request %s", ErrAlreadyExists, req.RequestID.Hex())
	}
	copy := *req
	s.requests[req.RequestID] = &copy
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id common.Hash) (*model.RandomnessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id.Hex())
	}
	copy := *req
	return &copy, nil
}

func (s *MemoryStore) ListRequests(_ context.Context) ([]model.RandomnessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RandomnessRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].Round < out[j].Round
	})
	return out, nil
}

func (s *MemoryStore) ResolveRequest(_ context.Context, req *model.RandomnessRequest, winners []model.Winner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[req.RequestID]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, req.RequestID.Hex())
	}
	if !existing.Outstanding() {
		return fmt.Errorf("%w: %s", ErrNotOutstanding, req.RequestID.Hex())
	}

	// Validate everything before mutating so the call is all-or-nothing.
	seen := make(map[uint64]bool, len(s.winners)+len(winners))
	for _, w := range s.winners {
		seen[w.ReceiptID] = true
	}
	for _, w := range winners {
		if seen[w.ReceiptID] {
			return fmt.Errorf("%w: %d", ErrDuplicateWinner, w.ReceiptID)
		}
		seen[w.ReceiptID] = true
	}

	copy := *req
	s.requests[req.RequestID] = &copy
	s.winners = append(s.winners, winners...)
	return nil
}

func (s *MemoryStore) ListWinners(_ context.Context) ([]model.Winner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Winner, len(s.winners))
	copy(out, s.winners)
	return out, nil
}
