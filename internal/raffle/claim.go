package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/metrics"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/selection"
	"github.com/atmx/raffle-engine/internal/store"
)

// Claim settles one receipt for its current holder: principal in stake mode,
// plus the reward and any sponsor bonus when the receipt is a winner.
func (e *Engine) Claim(ctx context.Context, caller common.Address, receiptID uint64) (*model.Settlement, error) {
	start := time.Now()
	defer func() { metrics.OperationLatency.WithLabelValues("claim").Observe(time.Since(start).Seconds()) }()

	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := e.claimContext(ctx)
	if err != nil {
		return nil, e.reject("claim", err)
	}
	s, err := e.claim(ctx, c, caller, receiptID)
	if err != nil {
		return nil, e.reject("claim", err)
	}
	return s, nil
}

// ClaimAll settles every open position whose receipt the caller holds.
// It fails with ErrNotStaked when there is none.
func (e *Engine) ClaimAll(ctx context.Context, caller common.Address) ([]model.Settlement, error) {
	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := e.claimAll(ctx, caller)
	if err != nil {
		return nil, e.reject("claim_all", err)
	}
	return out, nil
}

func (e *Engine) claimAll(ctx context.Context, caller common.Address) ([]model.Settlement, error) {
	c, err := e.claimContext(ctx)
	if err != nil {
		return nil, err
	}
	held, err := e.receipts.TokensOf(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("raffle: receipts of %s: %w", caller.Hex(), err)
	}

	var open []model.Position
	for _, id := range held {
		pos, err := e.store.GetPosition(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("raffle: load position %d: %w", id, err)
		}
		if !pos.Closed {
			open = append(open, *pos)
		}
	}
	if len(open) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotStaked, caller.Hex())
	}
	if c.gate.AnyOutstanding() {
		return nil, ErrDrawPending
	}

	// Drawn rounds settle first. Closing their positions can leave nothing to
	// draw, which makes the remaining ended rounds settleable too.
	var out []model.Settlement
	var rest []model.Position
	for _, pos := range open {
		if !c.gate.Resolved(pos.Round) {
			rest = append(rest, pos)
			continue
		}
		s, err := e.claim(ctx, c, caller, pos.ReceiptID)
		if err != nil {
			return out, err
		}
		out = append(out, *s)
	}
	c.drained = nil
	for _, pos := range rest {
		ok, err := e.settleable(ctx, c, pos.Round)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		s, err := e.claim(ctx, c, caller, pos.ReceiptID)
		if err != nil {
			return out, err
		}
		out = append(out, *s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no held position is in a drawn round", ErrNotEnded)
	}
	return out, nil
}

// claimState is what every claim in one call reads.
type claimState struct {
	setup   *model.Setup
	gate    *randomness.Gate
	winners map[uint64]model.Winner
	now     time.Time

	// drained caches whether the draw pool is empty; nil until asked.
	drained *bool
}

// settleable reports whether positions staked in round can be claimed. A
// drawn round always can. An ended round that was never drawn can too once
// no request is in flight and every open receipt has already won: no draw
// for it can be requested, so its positions would otherwise be stuck.
func (e *Engine) settleable(ctx context.Context, c *claimState, round int) (bool, error) {
	if c.gate.Resolved(round) {
		return true, nil
	}
	if c.gate.AnyOutstanding() || !e.params.Clock.RoundEnded(round, c.now) {
		return false, nil
	}
	if c.drained == nil {
		open, excluded, err := e.eligible(ctx)
		if err != nil {
			return false, err
		}
		drained := len(selection.Pool(open, excluded)) == 0
		c.drained = &drained
	}
	return *c.drained, nil
}

func (e *Engine) claimContext(ctx context.Context) (*claimState, error) {
	setup, err := e.loadSetup(ctx)
	if err != nil {
		return nil, err
	}
	gate, err := e.loadGate(ctx)
	if err != nil {
		return nil, err
	}
	list, err := e.store.ListWinners(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: list winners: %w", err)
	}
	winners := make(map[uint64]model.Winner, len(list))
	for _, w := range list {
		winners[w.ReceiptID] = w
	}
	return &claimState{setup: setup, gate: gate, winners: winners, now: e.now()}, nil
}

func (e *Engine) claim(ctx context.Context, c *claimState, caller common.Address, receiptID uint64) (*model.Settlement, error) {
	pos, err := e.store.GetPosition(ctx, receiptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, receiptID)
	}
	if err != nil {
		return nil, fmt.Errorf("raffle: load position %d: %w", receiptID, err)
	}

	holder, err := e.receipts.OwnerOf(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("raffle: owner of receipt %d: %w", receiptID, err)
	}
	if holder != caller {
		return nil, fmt.Errorf("%w: receipt %d", ErrNotOwner, receiptID)
	}

	winner, isWinner := c.winners[receiptID]
	settlement := &model.Settlement{ReceiptID: receiptID, Recipient: caller, Winner: isWinner}

	if pos.Closed {
		if e.params.RepeatClaim == RepeatClaimNoop {
			settlement.NoOp = true
			metrics.ClaimsTotal.WithLabelValues("noop").Inc()
			return settlement, nil
		}
		return nil, fmt.Errorf("%w: receipt %d", ErrAlreadyClaimed, receiptID)
	}
	if c.gate.AnyOutstanding() {
		return nil, ErrDrawPending
	}
	ok, err := e.settleable(ctx, c, pos.Round)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrNotEnded, pos.Round)
	}

	var payouts []model.Payout
	if e.params.Mode == ModeStake {
		payouts = append(payouts, model.Payout{Asset: pos.Asset, Amount: pos.Amount})
	}
	if isWinner {
		payouts = append(payouts, e.winnerPayouts(c.setup, winner)...)
	}
	if len(payouts) == 0 {
		// Entry-fee non-winner: nothing is owed and the receipt stays in the pool.
		settlement.NoOp = true
		metrics.ClaimsTotal.WithLabelValues("noop").Inc()
		return settlement, nil
	}
	if err := e.checkCustody(ctx, payouts); err != nil {
		return nil, err
	}

	now := e.now()
	if err := e.store.ClosePosition(ctx, receiptID, caller, now); err != nil {
		if errors.Is(err, store.ErrAlreadyClosed) {
			return nil, fmt.Errorf("%w: receipt %d", ErrAlreadyClaimed, receiptID)
		}
		return nil, fmt.Errorf("raffle: close position %d: %w", receiptID, err)
	}
	if err := e.payAll(ctx, caller, payouts); err != nil {
		if reopenErr := e.store.ReopenPosition(ctx, receiptID); reopenErr != nil {
			slog.Error("reopen position after failed payout", "receipt", receiptID, "error", reopenErr)
		}
		return nil, err
	}
	settlement.Payouts = payouts

	outcome := "principal"
	if isWinner {
		outcome = "winner"
	}
	metrics.ClaimsTotal.WithLabelValues(outcome).Inc()
	for _, p := range payouts {
		metrics.PayoutsTotal.WithLabelValues(p.Asset.Hex()).Add(p.Amount.InexactFloat64())
	}
	slog.Info("claim settled",
		"receipt", receiptID,
		"recipient", caller.Hex(),
		"depositor", pos.Depositor.Hex(),
		"winner", isWinner,
		"payouts", len(payouts),
	)
	for _, p := range payouts {
		asset := p.Asset
		e.publish(model.Event{
			ID:        newEventID(),
			Type:      model.EventClaimed,
			Round:     pos.Round,
			ReceiptID: &receiptID,
			Account:   &caller,
			Asset:     &asset,
			Amount:    p.Amount.String(),
			Timestamp: now,
		})
	}
	return settlement, nil
}

// winnerPayouts is what a recorded winner is owed on top of principal.
func (e *Engine) winnerPayouts(setup *model.Setup, w model.Winner) []model.Payout {
	var out []model.Payout
	if e.params.RewardAmount.IsPositive() {
		out = append(out, model.Payout{Asset: e.params.RewardAsset, Amount: e.params.RewardAmount})
	}
	if w.Sponsored {
		if sp, ok := setup.SponsorFor(w.Round); ok {
			out = append(out, model.Payout{Asset: sp.Asset, Amount: sp.Amount})
		}
	}
	return out
}

// checkCustody fails when custody cannot cover every payout.
func (e *Engine) checkCustody(ctx context.Context, payouts []model.Payout) error {
	need := make(map[common.Address]decimal.Decimal)
	for _, p := range payouts {
		need[p.Asset] = need[p.Asset].Add(p.Amount)
	}
	custodian := e.assets.Custodian()
	for asset, amount := range need {
		bal, err := e.assets.BalanceOf(ctx, asset, custodian)
		if err != nil {
			return fmt.Errorf("raffle: custody balance %s: %w", asset.Hex(), err)
		}
		if bal.LessThan(amount) {
			return fmt.Errorf("%w: %s of %s needed, %s held", ErrInsufficientCustody, amount, asset.Hex(), bal)
		}
	}
	return nil
}

// payAll transfers payouts out of custody, clawing back the ones already
// made when a later transfer fails.
func (e *Engine) payAll(ctx context.Context, to common.Address, payouts []model.Payout) error {
	for i, p := range payouts {
		if err := e.assets.TransferOut(ctx, p.Asset, to, p.Amount); err != nil {
			for _, done := range payouts[:i] {
				if backErr := e.assets.TransferIn(ctx, done.Asset, to, done.Amount); backErr != nil {
					slog.Error("claw back payout failed",
						"to", to.Hex(),
						"asset", done.Asset.Hex(),
						"amount", done.Amount.String(),
						"error", backErr,
					)
				}
			}
			return fmt.Errorf("%w: pay %s of %s: %v", ErrTransferFailed, p.Amount, p.Asset.Hex(), err)
		}
	}
	return nil
}
