package store

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/model"
)

var (
	now   = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func position(id uint64, depositor common.Address, round int) *model.Position {
	return &model.Position{
		ReceiptID: id,
		Depositor: depositor,
		Asset:     common.HexToAddress("0x11"),
		Amount:    decimal.NewFromInt(1),
		Round:     round,
		CreatedAt: now,
	}
}

func TestMemoryStore_Setup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetSetup(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	setup := &model.Setup{StakeAssets: []common.Address{{1}}, InitializedAt: now}
	if err := s.SaveSetup(ctx, setup); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveSetup(ctx, setup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, _ := s.GetSetup(ctx)
	got.StakeAssets[0] = common.Address{9}
	again, _ := s.GetSetup(ctx)
	if again.StakeAssets[0] != (common.Address{1}) {
		t.Error("mutating a returned setup leaked into the store")
	}
}

func TestMemoryStore_Positions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, who := range []common.Address{alice, bob, alice} {
		next, _ := s.NextReceiptID(ctx)
		if next != uint64(i) {
			t.Fatalf("next id = %d, want %d", next, i)
		}
		if err := s.InsertPosition(ctx, position(next, who, i/2)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.InsertPosition(ctx, position(0, bob, 0)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	if n, _ := s.CountPositionsByDepositor(ctx, alice); n != 2 {
		t.Errorf("alice count = %d, want 2", n)
	}
	if n, _ := s.CountPositionsByRound(ctx, 0); n != 2 {
		t.Errorf("round 0 count = %d, want 2", n)
	}

	list, _ := s.ListPositions(ctx)
	if len(list) != 3 || list[0].ReceiptID != 0 || list[2].ReceiptID != 2 {
		t.Errorf("unexpected order %v", list)
	}
}

func TestMemoryStore_CloseOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.InsertPosition(ctx, position(0, alice, 0))

	if err := s.ClosePosition(ctx, 0, bob, now); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.ClosePosition(ctx, 0, bob, now); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
	p, _ := s.GetPosition(ctx, 0)
	if !p.Closed || p.ClosedBy != bob || p.ClosedAt == nil {
		t.Errorf("unexpected closed position %+v", p)
	}
	// Closed positions still count against the depositor.
	if n, _ := s.CountPositionsByDepositor(ctx, alice); n != 1 {
		t.Errorf("alice count = %d, want 1", n)
	}

	if err := s.ReopenPosition(ctx, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if p, _ := s.GetPosition(ctx, 0); p.Closed {
		t.Error("position should be open again")
	}
	if err := s.ClosePosition(ctx, 7, bob, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ResolveRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := uint64(0); i < 3; i++ {
		s.InsertPosition(ctx, position(i, alice, 0))
	}

	req := &model.RandomnessRequest{
		RequestID:   common.HexToHash("0x01"),
		Scope:       "global",
		Seed:        big.NewInt(1),
		Status:      model.RequestPending,
		RequestedAt: now,
	}
	if err := s.SaveRequest(ctx, req); err != nil {
		t.Fatalf("save request: %v", err)
	}

	done := *req
	done.Status = model.RequestFulfilled
	done.Value = big.NewInt(770)
	winners := []model.Winner{{Ordinal: 0, ReceiptID: 2, RequestID: req.RequestID, SelectedAt: now}}
	if err := s.ResolveRequest(ctx, &done, winners); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveRequest(ctx, &done, winners); !errors.Is(err, ErrNotOutstanding) {
		t.Errorf("expected ErrNotOutstanding on replay, got %v", err)
	}

	got, _ := s.GetRequest(ctx, req.RequestID)
	if got.Outstanding() || got.Value.Int64() != 770 {
		t.Errorf("unexpected stored request %+v", got)
	}
	list, _ := s.ListWinners(ctx)
	if len(list) != 1 || list[0].ReceiptID != 2 {
		t.Errorf("unexpected winners %v", list)
	}
}

func TestMemoryStore_ResolveRejectsDuplicateWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.RandomnessRequest{RequestID: common.HexToHash("0x01"), Status: model.RequestPending, RequestedAt: now}
	second := &model.RandomnessRequest{RequestID: common.HexToHash("0x02"), Status: model.RequestPending, RequestedAt: now.Add(time.Hour)}
	s.SaveRequest(ctx, first)
	s.SaveRequest(ctx, second)

	f := *first
	f.Status = model.RequestFulfilled
	s.ResolveRequest(ctx, &f, []model.Winner{{Ordinal: 0, ReceiptID: 4}})

	sec := *second
	sec.Status = model.RequestFulfilled
	err := s.ResolveRequest(ctx, &sec, []model.Winner{{Ordinal: 1, ReceiptID: 5}, {Ordinal: 2, ReceiptID: 4}})
	if !errors.Is(err, ErrDuplicateWinner) {
		t.Fatalf("expected ErrDuplicateWinner, got %v", err)
	}

	// Nothing from the rejected resolution was applied.
	if got, _ := s.GetRequest(ctx, second.RequestID); !got.Outstanding() {
		t.Error("rejected resolution changed the request status")
	}
	if list, _ := s.ListWinners(ctx); len(list) != 1 {
		t.Errorf("rejected resolution appended winners: %v", list)
	}

	reqs, _ := s.ListRequests(ctx)
	if len(reqs) != 2 || reqs[0].RequestID != first.RequestID {
		t.Errorf("requests not ordered by time: %v", reqs)
	}
}
