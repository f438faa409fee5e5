// Package raffle is the round/state engine: it admits deposits into the
// position ledger, drives the randomness gate, records winners and settles
// claims against whoever holds a receipt at claim time.
//
// Every state-changing call is serialized by the engine (and by a
// distributed lock when one is configured) and recomputes the round from the
// clock on entry. Nothing about rounds or the gate is cached between calls.
package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/admission"
	"github.com/atmx/raffle-engine/internal/epoch"
	"github.com/atmx/raffle-engine/internal/limits"
	"github.com/atmx/raffle-engine/internal/metrics"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/store"
)

// SettlementMode decides whether a deposit is returned on claim.
type SettlementMode string

const (
	// ModeStake returns principal to the receipt holder.
	ModeStake SettlementMode = "stake"
	// ModeEntryFee keeps the deposit; only winners receive anything.
	ModeEntryFee SettlementMode = "entry_fee"
)

// RepeatClaimPolicy decides what a claim on a closed position does.
type RepeatClaimPolicy string

const (
	RepeatClaimRevert RepeatClaimPolicy = "revert"
	RepeatClaimNoop   RepeatClaimPolicy = "noop"
)

// Params is the fixed configuration of one raffle.
type Params struct {
	Owner       common.Address
	Clock       epoch.Clock
	StakeAmount decimal.Decimal
	BaseAsset   common.Address

	Mode        SettlementMode
	RepeatClaim RepeatClaimPolicy

	WinnersPerRound    int
	RewardAsset        common.Address
	RewardAmount       decimal.Decimal
	SponsorWinnerCount int

	MaxPerParticipant int
	MaxPerRound       int

	FeeAsset    common.Address
	Fee         randomness.FeeSizer
	KeyHash     common.Hash
	ScopeMode   randomness.ScopeMode
	AutoRequest bool
}

func (p Params) validate() error {
	switch {
	case p.Owner == (common.Address{}):
		return fmt.Errorf("%w: owner is required", ErrInvalidParams)
	case !p.StakeAmount.IsPositive():
		return fmt.Errorf("%w: stake amount must be positive", ErrInvalidParams)
	case p.WinnersPerRound < 1:
		return fmt.Errorf("%w: winners per round must be at least 1", ErrInvalidParams)
	case p.RewardAmount.IsNegative():
		return fmt.Errorf("%w: reward amount is negative", ErrInvalidParams)
	case p.RewardAmount.IsPositive() && p.RewardAsset == (common.Address{}):
		return fmt.Errorf("%w: reward asset is required", ErrInvalidParams)
	case p.SponsorWinnerCount < 0:
		return fmt.Errorf("%w: sponsor winner count is negative", ErrInvalidParams)
	case p.Mode != ModeStake && p.Mode != ModeEntryFee:
		return fmt.Errorf("%w: unknown settlement mode %q", ErrInvalidParams, p.Mode)
	case p.RepeatClaim != RepeatClaimRevert && p.RepeatClaim != RepeatClaimNoop:
		return fmt.Errorf("%w: unknown repeat-claim policy %q", ErrInvalidParams, p.RepeatClaim)
	case p.ScopeMode != randomness.ScopeGlobal && p.ScopeMode != randomness.ScopeRound:
		return fmt.Errorf("%w: unknown scope mode %q", ErrInvalidParams, p.ScopeMode)
	}
	if _, err := epoch.New(p.Clock.Start, p.Clock.RoundLength, p.Clock.Rounds); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Assets moves fungible balances in and out of the engine's custody.
type Assets interface {
	Custodian() common.Address
	BalanceOf(ctx context.Context, asset, holder common.Address) (decimal.Decimal, error)
	TransferIn(ctx context.Context, asset, from common.Address, amount decimal.Decimal) error
	TransferOut(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error
}

// Receipts is the receipt registry. The engine mints, reads ownership and
// burns only to undo a mint it could not record.
type Receipts interface {
	Mint(ctx context.Context, to common.Address, id uint64) error
	Burn(ctx context.Context, id uint64) error
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	TokensOf(ctx context.Context, owner common.Address) ([]uint64, error)
}

// Locker is a cross-process mutex.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// EventSink receives events after their state change is stored.
type EventSink interface {
	Publish(ev model.Event)
}

// Deps are the engine's collaborators. Locker, Events and Now are optional.
type Deps struct {
	Store       store.Store
	Assets      Assets
	Receipts    Receipts
	Registry    admission.PairRegistry
	Coordinator randomness.Coordinator
	Locker      Locker
	Events      []EventSink
	Now         func() time.Time
}

const (
	lockKey  = "raffle-engine"
	lockTTL  = 30 * time.Second
	lockWait = 5 * time.Second
)

// Engine is the raffle state machine.
type Engine struct {
	params   Params
	store    store.Store
	assets   Assets
	receipts Receipts
	registry admission.PairRegistry
	coord    randomness.Coordinator
	limiter  *limits.EntryLimiter
	locker   Locker
	sinks    []EventSink
	now      func() time.Time

	mu sync.Mutex
}

// New validates params and wires the engine.
func New(p Params, d Deps) (*Engine, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if d.Store == nil || d.Assets == nil || d.Receipts == nil || d.Coordinator == nil {
		return nil, fmt.Errorf("%w: store, assets, receipts and coordinator are required", ErrInvalidParams)
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		params:   p,
		store:    d.Store,
		assets:   d.Assets,
		receipts: d.Receipts,
		registry: d.Registry,
		coord:    d.Coordinator,
		limiter:  limits.NewEntryLimiter(p.MaxPerParticipant, p.MaxPerRound),
		locker:   d.Locker,
		sinks:    d.Events,
		now:      now,
	}, nil
}

// Params returns the engine configuration.
func (e *Engine) Params() Params { return e.params }

// Subscribe adds an event sink. Call before serving traffic.
func (e *Engine) Subscribe(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// lock serializes state changes in-process and, when a Locker is set, across
// instances.
func (e *Engine) lock(ctx context.Context) (func(), error) {
	e.mu.Lock()
	if e.locker == nil {
		return e.mu.Unlock, nil
	}

	deadline := time.Now().Add(lockWait)
	for {
		release, err := e.locker.Acquire(ctx, lockKey, lockTTL)
		if err == nil {
			return func() {
				release()
				e.mu.Unlock()
			}, nil
		}
		if !errors.Is(err, store.ErrLockHeld) || time.Now().After(deadline) {
			e.mu.Unlock()
			return nil, fmt.Errorf("raffle: acquire engine lock: %w", err)
		}
		select {
		case <-ctx.Done():
			e.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (e *Engine) policy(setup *model.Setup) admission.Policy {
	return admission.Policy{
		Schedule: setup.StakeAssets,
		Base:     e.params.BaseAsset,
		Registry: e.registry,
	}
}

func (e *Engine) loadSetup(ctx context.Context) (*model.Setup, error) {
	setup, err := e.store.GetSetup(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("raffle: load setup: %w", err)
	}
	return setup, nil
}

// loadGate rebuilds the randomness gate from the stored request log.
func (e *Engine) loadGate(ctx context.Context) (*randomness.Gate, error) {
	log, err := e.store.ListRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: load requests: %w", err)
	}
	return randomness.NewGate(e.params.ScopeMode, log), nil
}

// eligible returns the open receipts that are not yet winners.
func (e *Engine) eligible(ctx context.Context) (open, excluded []uint64, err error) {
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("raffle: list positions: %w", err)
	}
	winners, err := e.store.ListWinners(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("raffle: list winners: %w", err)
	}
	for _, p := range positions {
		if !p.Closed {
			open = append(open, p.ReceiptID)
		}
	}
	for _, w := range winners {
		excluded = append(excluded, w.ReceiptID)
	}
	return open, excluded, nil
}

func (e *Engine) publish(ev model.Event) {
	for _, sink := range e.sinks {
		sink.Publish(ev)
	}
}

func (e *Engine) reject(op string, err error) error {
	class := "internal"
	if c := Classify(err); c != nil {
		class = c.Error()
	}
	metrics.Rejections.WithLabelValues(op, class).Inc()
	return err
}

// --- Initialization ---

// Init stores the stake-asset schedule and per-round sponsors and pulls the
// reward, sponsor and oracle-fee budget from the owner into custody.
func (e *Engine) Init(ctx context.Context, caller common.Address, stakeAssets, sponsorAssets []common.Address, sponsorAmounts []decimal.Decimal) (*model.Setup, error) {
	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	setup, err := e.init(ctx, caller, stakeAssets, sponsorAssets, sponsorAmounts)
	if err != nil {
		return nil, e.reject("init", err)
	}
	return setup, nil
}

func (e *Engine) init(ctx context.Context, caller common.Address, stakeAssets, sponsorAssets []common.Address, sponsorAmounts []decimal.Decimal) (*model.Setup, error) {
	if caller != e.params.Owner {
		return nil, ErrUnauthorized
	}
	if _, err := e.store.GetSetup(ctx); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("raffle: load setup: %w", err)
	}
	if len(stakeAssets) != len(sponsorAssets) || len(stakeAssets) != len(sponsorAmounts) {
		return nil, fmt.Errorf("%w: %d stake assets, %d sponsor assets, %d sponsor amounts",
			ErrLengthMismatch, len(stakeAssets), len(sponsorAssets), len(sponsorAmounts))
	}

	now := e.now()
	setup := &model.Setup{
		StakeAssets:   stakeAssets,
		Sponsors:      make([]model.Sponsor, len(sponsorAssets)),
		InitializedBy: caller,
		InitializedAt: now,
	}
	if err := e.policy(setup).ValidateSchedule(ctx, e.params.Clock.Rounds); err != nil {
		return nil, err
	}
	for i := range sponsorAssets {
		hasAsset := sponsorAssets[i] != (common.Address{})
		if sponsorAmounts[i].IsNegative() || hasAsset != sponsorAmounts[i].IsPositive() {
			return nil, fmt.Errorf("%w: round %d", ErrInvalidSponsor, i)
		}
		setup.Sponsors[i] = model.Sponsor{Asset: sponsorAssets[i], Amount: sponsorAmounts[i]}
	}

	budget, err := e.fundingBudget(ctx, setup)
	if err != nil {
		return nil, err
	}
	pulled, err := e.pullAll(ctx, caller, budget)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSetup(ctx, setup); err != nil {
		e.refundAll(ctx, caller, pulled)
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("raffle: save setup: %w", err)
	}

	slog.Info("raffle initialized",
		"owner", caller.Hex(),
		"scheduled_rounds", len(stakeAssets),
		"rounds", e.params.Clock.Rounds,
		"start", e.params.Clock.Start,
	)
	e.publish(model.Event{
		ID:        newEventID(),
		Type:      model.EventInitialized,
		Account:   &caller,
		Timestamp: now,
	})
	return setup, nil
}

// fundingBudget is what custody must hold to pay every reward, sponsor bonus
// and oracle fee the raffle can incur.
func (e *Engine) fundingBudget(ctx context.Context, setup *model.Setup) ([]model.Payout, error) {
	p := e.params
	rounds := decimal.NewFromInt(int64(p.Clock.Rounds))
	totals := make(map[common.Address]decimal.Decimal)

	fee, err := p.Fee.Fee(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: size oracle fee: %w", err)
	}
	if fee.IsPositive() {
		totals[p.FeeAsset] = totals[p.FeeAsset].Add(fee.Mul(rounds))
	}
	if p.RewardAmount.IsPositive() {
		winners := rounds.Mul(decimal.NewFromInt(int64(p.WinnersPerRound)))
		totals[p.RewardAsset] = totals[p.RewardAsset].Add(p.RewardAmount.Mul(winners))
	}
	sponsored := decimal.NewFromInt(int64(min(p.SponsorWinnerCount, p.WinnersPerRound)))
	for _, sp := range setup.Sponsors {
		if sp.Configured() {
			totals[sp.Asset] = totals[sp.Asset].Add(sp.Amount.Mul(sponsored))
		}
	}

	out := make([]model.Payout, 0, len(totals))
	for asset, amount := range totals {
		if amount.IsPositive() {
			out = append(out, model.Payout{Asset: asset, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.Cmp(out[j].Asset) < 0 })
	return out, nil
}

// pullAll transfers every amount from `from` into custody, undoing the
// transfers already made when one fails.
func (e *Engine) pullAll(ctx context.Context, from common.Address, amounts []model.Payout) ([]model.Payout, error) {
	var done []model.Payout
	for _, a := range amounts {
		if err := e.assets.TransferIn(ctx, a.Asset, from, a.Amount); err != nil {
			e.refundAll(ctx, from, done)
			return nil, fmt.Errorf("%w: fund %s of %s: %v", ErrTransferFailed, a.Amount, a.Asset.Hex(), err)
		}
		done = append(done, a)
	}
	return done, nil
}

func (e *Engine) refundAll(ctx context.Context, to common.Address, amounts []model.Payout) {
	for _, a := range amounts {
		if err := e.assets.TransferOut(ctx, a.Asset, to, a.Amount); err != nil {
			slog.Error("refund failed",
				"to", to.Hex(),
				"asset", a.Asset.Hex(),
				"amount", a.Amount.String(),
				"error", err,
			)
		}
	}
}
