package raffle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/epoch"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/store"
)

// Snapshot is the externally visible state of the raffle at one instant.
type Snapshot struct {
	Now            time.Time                   `json:"now"`
	Initialized    bool                        `json:"initialized"`
	Setup          *model.Setup                `json:"setup,omitempty"`
	Phase          epoch.Phase                 `json:"phase"`
	Round          int                         `json:"round"`
	Start          time.Time                   `json:"start"`
	End            time.Time                   `json:"end"`
	RoundLength    string                      `json:"round_length"`
	Rounds         int                         `json:"rounds"`
	EndedRounds    int                         `json:"ended_rounds"`
	ResolvedRounds int                         `json:"resolved_rounds"`
	ScopeMode      randomness.ScopeMode        `json:"scope_mode"`
	Scopes         map[string]randomness.State `json:"scopes"`
	Outstanding    []model.RandomnessRequest   `json:"outstanding"`
	Positions      int                         `json:"positions"`
	OpenPositions  int                         `json:"open_positions"`
	Winners        int                         `json:"winners"`

	Mode               SettlementMode    `json:"mode"`
	RepeatClaim        RepeatClaimPolicy `json:"repeat_claim"`
	StakeAmount        decimal.Decimal   `json:"stake_amount"`
	WinnersPerRound    int               `json:"winners_per_round"`
	RewardAsset        common.Address    `json:"reward_asset"`
	RewardAmount       decimal.Decimal   `json:"reward_amount"`
	SponsorWinnerCount int               `json:"sponsor_winner_count"`
}

// Snapshot evaluates the clock and gate now.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := e.now()
	p := e.params
	reading := p.Clock.At(now)

	snap := &Snapshot{
		Now:                now,
		Phase:              reading.Phase,
		Round:              reading.Round,
		Start:              p.Clock.Start,
		End:                p.Clock.End(),
		RoundLength:        p.Clock.RoundLength.String(),
		Rounds:             p.Clock.Rounds,
		EndedRounds:        p.Clock.EndedRounds(now),
		ScopeMode:          p.ScopeMode,
		Mode:               p.Mode,
		RepeatClaim:        p.RepeatClaim,
		StakeAmount:        p.StakeAmount,
		WinnersPerRound:    p.WinnersPerRound,
		RewardAsset:        p.RewardAsset,
		RewardAmount:       p.RewardAmount,
		SponsorWinnerCount: p.SponsorWinnerCount,
	}

	setup, err := e.store.GetSetup(ctx)
	switch {
	case err == nil:
		snap.Initialized = true
		snap.Setup = setup
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("raffle: load setup: %w", err)
	}

	gate, err := e.loadGate(ctx)
	if err != nil {
		return nil, err
	}
	snap.ResolvedRounds = gate.ResolvedCount()
	snap.Scopes = gate.States()
	snap.Outstanding = gate.Outstanding()

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: list positions: %w", err)
	}
	snap.Positions = len(positions)
	for _, pos := range positions {
		if !pos.Closed {
			snap.OpenPositions++
		}
	}
	winners, err := e.store.ListWinners(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: list winners: %w", err)
	}
	snap.Winners = len(winners)
	return snap, nil
}

// Position returns one position by receipt id.
func (e *Engine) Position(ctx context.Context, receiptID uint64) (*model.Position, error) {
	p, err := e.store.GetPosition(ctx, receiptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, receiptID)
	}
	return p, err
}

// Positions returns the full position table ordered by receipt id.
func (e *Engine) Positions(ctx context.Context) ([]model.Position, error) {
	return e.store.ListPositions(ctx)
}

// Winners returns the winner set in selection order.
func (e *Engine) Winners(ctx context.Context) ([]model.Winner, error) {
	return e.store.ListWinners(ctx)
}

// Requests returns the randomness request log.
func (e *Engine) Requests(ctx context.Context) ([]model.RandomnessRequest, error) {
	return e.store.ListRequests(ctx)
}

// Request returns one randomness request by id.
func (e *Engine) Request(ctx context.Context, id common.Hash) (*model.RandomnessRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id.Hex())
	}
	return req, err
}

// AssetAudit compares custody with what is owed in one asset.
type AssetAudit struct {
	Asset         common.Address  `json:"asset"`
	Custody       decimal.Decimal `json:"custody"`
	OpenPrincipal decimal.Decimal `json:"open_principal"`
	UnpaidRewards decimal.Decimal `json:"unpaid_rewards"`
	FutureRewards decimal.Decimal `json:"future_rewards"`
	FeeReserve    decimal.Decimal `json:"fee_reserve"`
	Liabilities   decimal.Decimal `json:"liabilities"`
	Surplus       decimal.Decimal `json:"surplus"`
	Solvent       bool            `json:"solvent"`
}

// Audit is the solvency report across every asset the raffle touches.
type Audit struct {
	AsOf    time.Time    `json:"as_of"`
	Assets  []AssetAudit `json:"assets"`
	Solvent bool         `json:"solvent"`
}

// Audit reports, per asset, custody against open principal, rewards owed to
// recorded winners, rewards for rounds not yet drawn and fees for requests
// not yet made.
func (e *Engine) Audit(ctx context.Context) (*Audit, error) {
	p := e.params
	setup, err := e.loadSetup(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: list positions: %w", err)
	}
	winners, err := e.store.ListWinners(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: list winners: %w", err)
	}
	gate, err := e.loadGate(ctx)
	if err != nil {
		return nil, err
	}

	rows := make(map[common.Address]*AssetAudit)
	row := func(asset common.Address) *AssetAudit {
		r, ok := rows[asset]
		if !ok {
			r = &AssetAudit{Asset: asset}
			rows[asset] = r
		}
		return r
	}

	open := make(map[uint64]bool, len(positions))
	for _, pos := range positions {
		row(pos.Asset)
		if pos.Closed {
			continue
		}
		open[pos.ReceiptID] = true
		if p.Mode == ModeStake {
			r := row(pos.Asset)
			r.OpenPrincipal = r.OpenPrincipal.Add(pos.Amount)
		}
	}

	for _, w := range winners {
		if !open[w.ReceiptID] {
			continue
		}
		for _, pay := range e.winnerPayouts(setup, w) {
			r := row(pay.Asset)
			r.UnpaidRewards = r.UnpaidRewards.Add(pay.Amount)
		}
	}

	sponsored := int64(min(p.SponsorWinnerCount, p.WinnersPerRound))
	requested := make(map[int]bool)
	for _, req := range gate.Log() {
		requested[req.Round] = true
	}
	fee, err := p.Fee.Fee(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: size oracle fee: %w", err)
	}
	for round := 0; round < p.Clock.Rounds; round++ {
		if !gate.Resolved(round) {
			if p.RewardAmount.IsPositive() {
				r := row(p.RewardAsset)
				r.FutureRewards = r.FutureRewards.Add(p.RewardAmount.Mul(decimal.NewFromInt(int64(p.WinnersPerRound))))
			}
			if sp, ok := setup.SponsorFor(round); ok {
				r := row(sp.Asset)
				r.FutureRewards = r.FutureRewards.Add(sp.Amount.Mul(decimal.NewFromInt(sponsored)))
			}
		}
		if !requested[round] && fee.IsPositive() {
			r := row(p.FeeAsset)
			r.FeeReserve = r.FeeReserve.Add(fee)
		}
	}

	custodian := e.assets.Custodian()
	out := &Audit{AsOf: e.now(), Solvent: true}
	for asset, r := range rows {
		bal, err := e.assets.BalanceOf(ctx, asset, custodian)
		if err != nil {
			return nil, fmt.Errorf("raffle: custody balance %s: %w", asset.Hex(), err)
		}
		r.Custody = bal
		r.Liabilities = r.OpenPrincipal.Add(r.UnpaidRewards).Add(r.FutureRewards).Add(r.FeeReserve)
		r.Surplus = r.Custody.Sub(r.Liabilities)
		r.Solvent = !r.Surplus.IsNegative()
		if !r.Solvent {
			out.Solvent = false
		}
		out.Assets = append(out.Assets, *r)
	}
	sort.Slice(out.Assets, func(i, j int) bool { return out.Assets[i].Asset.Cmp(out.Assets[j].Asset) < 0 })
	return out, nil
}
