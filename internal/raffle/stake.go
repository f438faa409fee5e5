package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/raffle-engine/internal/epoch"
	"github.com/atmx/raffle-engine/internal/metrics"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/randomness"
)

// Stake escrows the fixed stake amount of asset from depositor, mints a
// receipt and records the position. When a draw has become possible it is
// requested afterwards; a failed request does not undo the deposit.
func (e *Engine) Stake(ctx context.Context, depositor, asset common.Address) (*model.Position, error) {
	start := time.Now()
	defer func() { metrics.OperationLatency.WithLabelValues("stake").Observe(time.Since(start).Seconds()) }()

	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	pos, err := e.stake(ctx, depositor, asset)
	if err != nil {
		return nil, e.reject("stake", err)
	}

	if e.params.AutoRequest {
		e.autoRequest(ctx)
	}
	return pos, nil
}

func (e *Engine) stake(ctx context.Context, depositor, asset common.Address) (*model.Position, error) {
	setup, err := e.loadSetup(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	reading := e.params.Clock.At(now)
	switch reading.Phase {
	case epoch.PreOpen:
		return nil, fmt.Errorf("%w: opens at %s", ErrNotStarted, e.params.Clock.Start.Format(time.RFC3339))
	case epoch.Ended:
		return nil, fmt.Errorf("%w: closed at %s", ErrRaffleEnded, e.params.Clock.End().Format(time.RFC3339))
	}
	round := reading.Round

	rule, err := e.policy(setup).Admit(ctx, asset, round)
	if err != nil {
		return nil, err
	}

	participant, err := e.store.CountPositionsByDepositor(ctx, depositor)
	if err != nil {
		return nil, fmt.Errorf("raffle: count positions: %w", err)
	}
	inRound, err := e.store.CountPositionsByRound(ctx, round)
	if err != nil {
		return nil, fmt.Errorf("raffle: count positions: %w", err)
	}
	if err := e.limiter.CheckLimit(participant, inRound); err != nil {
		return nil, err
	}

	id, err := e.store.NextReceiptID(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: next receipt id: %w", err)
	}
	amount := e.params.StakeAmount

	if err := e.assets.TransferIn(ctx, asset, depositor, amount); err != nil {
		return nil, fmt.Errorf("%w: escrow %s of %s: %v", ErrTransferFailed, amount, asset.Hex(), err)
	}
	refund := []model.Payout{{Asset: asset, Amount: amount}}

	if err := e.receipts.Mint(ctx, depositor, id); err != nil {
		e.refundAll(ctx, depositor, refund)
		return nil, fmt.Errorf("raffle: mint receipt %d: %w", id, err)
	}

	pos := &model.Position{
		ReceiptID: id,
		Depositor: depositor,
		Asset:     asset,
		Amount:    amount,
		Round:     round,
		CreatedAt: now,
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		if burnErr := e.receipts.Burn(ctx, id); burnErr != nil {
			slog.Error("burn receipt after failed insert", "receipt", id, "error", burnErr)
		}
		e.refundAll(ctx, depositor, refund)
		return nil, fmt.Errorf("raffle: record position %d: %w", id, err)
	}

	metrics.StakesTotal.WithLabelValues(strconv.Itoa(round), rule.String()).Inc()
	slog.Info("stake accepted",
		"receipt", id,
		"depositor", depositor.Hex(),
		"asset", asset.Hex(),
		"amount", amount.String(),
		"round", round,
		"rule", rule.String(),
	)
	e.publish(model.Event{
		ID:        newEventID(),
		Type:      model.EventStaked,
		Round:     round,
		ReceiptID: &id,
		Account:   &depositor,
		Asset:     &asset,
		Amount:    amount.String(),
		Timestamp: now,
	})
	return pos, nil
}

// autoRequest asks for randomness after a deposit when a round is waiting
// for its draw. Refusals from the gate are the common case and stay quiet.
func (e *Engine) autoRequest(ctx context.Context) {
	req, err := e.request(ctx, "auto")
	switch {
	case err == nil:
		slog.Info("randomness requested after deposit", "round", req.Round, "request_id", req.RequestID.Hex())
	case errors.Is(err, randomness.ErrCannotRequest):
		slog.Debug("no draw requested after deposit", "reason", err)
	default:
		slog.Warn("automatic randomness request failed", "error", err)
	}
}
