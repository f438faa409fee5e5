// Package store defines the persistence interface for the raffle engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/raffle-engine/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrAlreadyClosed   = errors.New("store: position already closed")
	ErrNotOutstanding  = errors.New("store: request is not outstanding")
	ErrDuplicateWinner = errors.New("store: receipt already in winner set")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Initialization ---

	// SaveSetup persists the one-time initialization record.
	// Returns ErrAlreadyExists if one is already stored.
	SaveSetup(ctx context.Context, setup *model.Setup) error

	// GetSetup returns the initialization record or ErrNotFound.
	GetSetup(ctx context.Context) (*model.Setup, error)

	// --- Position ledger ---

	// NextReceiptID returns the id the next position will receive.
	NextReceiptID(ctx context.Context) (uint64, error)

	// InsertPosition records a new open position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by receipt id.
	GetPosition(ctx context.Context, receiptID uint64) (*model.Position, error)

	// ListPositions returns every position ordered by receipt id.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// ClosePosition marks an open position closed. Returns ErrAlreadyClosed
	// when it was closed already.
	ClosePosition(ctx context.Context, receiptID uint64, closedBy common.Address, at time.Time) error

	// ReopenPosition undoes ClosePosition when the payout that followed it
	// could not be completed.
	ReopenPosition(ctx context.Context, receiptID uint64) error

	// CountPositionsByDepositor counts every position ever opened by depositor.
	CountPositionsByDepositor(ctx context.Context, depositor common.Address) (int, error)

	// CountPositionsByRound counts the positions opened in round.
	CountPositionsByRound(ctx context.Context, round int) (int, error)

	// --- Randomness requests and winners ---

	// SaveRequest records a new outstanding randomness request.
	SaveRequest(ctx context.Context, req *model.RandomnessRequest) error

	// GetRequest retrieves a request by id.
	GetRequest(ctx context.Context, id common.Hash) (*model.RandomnessRequest, error)

	// ListRequests returns every request ordered by request time.
	ListRequests(ctx context.Context) ([]model.RandomnessRequest, error)

	// ResolveRequest stores the fulfilled request and appends its winners in
	// one step. Returns ErrNotOutstanding if the request was already
	// resolved and ErrDuplicateWinner if a receipt is already a winner.
	ResolveRequest(ctx context.Context, req *model.RandomnessRequest, winners []model.Winner) error

	// ListWinners returns the winner set in selection order.
	ListWinners(ctx context.Context) ([]model.Winner, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
