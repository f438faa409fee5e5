package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/raffle-engine/internal/metrics"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/selection"
)

// RequestRandomness asks the coordinator for the value that draws the lowest
// ended, unresolved round. Anyone may call it.
func (e *Engine) RequestRandomness(ctx context.Context) (*model.RandomnessRequest, error) {
	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := e.loadSetup(ctx); err != nil {
		return nil, e.reject("request_randomness", err)
	}
	req, err := e.request(ctx, "manual")
	if err != nil {
		return nil, e.reject("request_randomness", err)
	}
	return req, nil
}

func (e *Engine) request(ctx context.Context, trigger string) (*model.RandomnessRequest, error) {
	req, err := e.doRequest(ctx)
	result := "ok"
	if err != nil {
		result = "refused"
		if !errors.Is(err, randomness.ErrCannotRequest) {
			result = "error"
		}
	}
	metrics.RandomnessRequests.WithLabelValues(trigger, result).Inc()
	return req, err
}

func (e *Engine) doRequest(ctx context.Context) (*model.RandomnessRequest, error) {
	gate, err := e.loadGate(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	round, err := gate.NextRound(e.params.Clock.EndedRounds(now), e.params.Clock.Rounds)
	if err != nil {
		return nil, err
	}

	open, excluded, err := e.eligible(ctx)
	if err != nil {
		return nil, err
	}
	if len(selection.Pool(open, excluded)) == 0 {
		return nil, fmt.Errorf("%w: round %d has no eligible receipts", randomness.ErrRoundNotEligible, round)
	}

	fee, err := e.params.Fee.Fee(ctx)
	if err != nil {
		return nil, fmt.Errorf("raffle: size oracle fee: %w", err)
	}
	coordAddr := e.coord.Address()
	if fee.IsPositive() {
		bal, err := e.assets.BalanceOf(ctx, e.params.FeeAsset, e.assets.Custodian())
		if err != nil {
			return nil, fmt.Errorf("raffle: custody balance: %w", err)
		}
		if bal.LessThan(fee) {
			return nil, fmt.Errorf("%w: oracle fee %s exceeds custody %s", ErrInsufficientCustody, fee, bal)
		}
		if err := e.assets.TransferOut(ctx, e.params.FeeAsset, coordAddr, fee); err != nil {
			return nil, fmt.Errorf("%w: pay oracle fee: %v", ErrTransferFailed, err)
		}
	}

	seed := requestSeed(e.assets.Custodian(), round, len(gate.Log()), now)
	id, err := e.coord.RequestRandomness(ctx, randomness.Request{
		KeyHash:  e.params.KeyHash,
		Fee:      fee,
		Seed:     seed,
		Consumer: e.assets.Custodian(),
	})
	if err != nil {
		if fee.IsPositive() {
			if refundErr := e.assets.TransferIn(ctx, e.params.FeeAsset, coordAddr, fee); refundErr != nil {
				slog.Error("oracle fee refund failed", "amount", fee.String(), "error", refundErr)
			}
		}
		return nil, fmt.Errorf("raffle: request randomness for round %d: %w", round, err)
	}

	req, err := gate.Begin(round, id, seed, fee, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveRequest(ctx, &req); err != nil {
		// The coordinator holds a request the engine cannot match; its
		// callback will be refused and the fee is lost.
		slog.Error("randomness request not recorded", "request_id", id.Hex(), "round", round, "error", err)
		return nil, fmt.Errorf("raffle: record request %s: %w", id.Hex(), err)
	}

	metrics.OutstandingRequests.Set(float64(len(gate.Outstanding())))
	slog.Info("randomness requested",
		"request_id", id.Hex(),
		"round", round,
		"scope", req.Scope,
		"fee", fee.String(),
	)
	e.publish(model.Event{
		ID:        newEventID(),
		Type:      model.EventRandomnessRequested,
		Round:     round,
		RequestID: &req.RequestID,
		Amount:    fee.String(),
		Timestamp: now,
	})
	return &req, nil
}

// requestSeed derives the per-request seed from the custody address, the
// round, the request count and the time.
func requestSeed(custody common.Address, round, nonce int, now time.Time) *big.Int {
	h := crypto.Keccak256(
		common.LeftPadBytes(custody.Bytes(), 32),
		math.U256Bytes(big.NewInt(int64(round))),
		math.U256Bytes(big.NewInt(int64(nonce))),
		math.U256Bytes(big.NewInt(now.Unix())),
	)
	return new(big.Int).SetBytes(h)
}

// FulfillRandomness is the coordinator callback.
func (e *Engine) FulfillRandomness(ctx context.Context, caller common.Address, requestID common.Hash, value *big.Int) error {
	_, err := e.Resolve(ctx, caller, requestID, value)
	return err
}

// Resolve consumes a fulfilled value: it draws the winners for the request's
// round and stores them together with the fulfilled request.
func (e *Engine) Resolve(ctx context.Context, caller common.Address, requestID common.Hash, value *big.Int) ([]model.Winner, error) {
	start := time.Now()
	defer func() { metrics.OperationLatency.WithLabelValues("fulfill").Observe(time.Since(start).Seconds()) }()

	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	winners, err := e.resolve(ctx, caller, requestID, value)
	if err != nil {
		metrics.RandomnessFulfillments.WithLabelValues("rejected").Inc()
		return nil, e.reject("fulfill", err)
	}
	metrics.RandomnessFulfillments.WithLabelValues("ok").Inc()
	return winners, nil
}

func (e *Engine) resolve(ctx context.Context, caller common.Address, requestID common.Hash, value *big.Int) ([]model.Winner, error) {
	if caller != e.coord.Address() {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedOracle, caller.Hex())
	}
	if value == nil || value.Sign() < 0 {
		return nil, ErrInvalidRandomness
	}
	setup, err := e.loadSetup(ctx)
	if err != nil {
		return nil, err
	}
	gate, err := e.loadGate(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	done, err := gate.Fulfill(requestID, value, now)
	if err != nil {
		return nil, err
	}

	open, excluded, err := e.eligible(ctx)
	if err != nil {
		return nil, err
	}
	picks, err := selection.Select(value, open, excluded, e.params.WinnersPerRound)
	if err != nil {
		slog.Error("draw has no eligible receipts",
			"request_id", requestID.Hex(),
			"round", done.Round,
		)
		return nil, err
	}

	_, sponsored := setup.SponsorFor(done.Round)
	winners := make([]model.Winner, len(picks))
	for i, id := range picks {
		winners[i] = model.Winner{
			Ordinal:    len(excluded) + i,
			ReceiptID:  id,
			Round:      done.Round,
			RoundIndex: i,
			RequestID:  requestID,
			Sponsored:  sponsored && i < e.params.SponsorWinnerCount,
			SelectedAt: now,
		}
	}
	if err := e.store.ResolveRequest(ctx, &done, winners); err != nil {
		return nil, fmt.Errorf("raffle: store draw for round %d: %w", done.Round, err)
	}

	final := gate.ResolvedCount() == e.params.Clock.Rounds
	metrics.WinnersTotal.Add(float64(len(winners)))
	metrics.ResolvedRounds.Set(float64(gate.ResolvedCount()))
	metrics.OutstandingRequests.Set(float64(len(gate.Outstanding())))

	slog.Info("round drawn",
		"request_id", requestID.Hex(),
		"round", done.Round,
		"winners", picks,
		"pool", len(selection.Pool(open, excluded)),
		"final", final,
	)
	e.publish(model.Event{
		ID:        newEventID(),
		Type:      model.EventRandomnessFulfilled,
		Round:     done.Round,
		RequestID: &done.RequestID,
		Final:     final,
		Timestamp: now,
	})
	for i := range winners {
		w := winners[i]
		e.publish(model.Event{
			ID:        newEventID(),
			Type:      model.EventWinnerSelected,
			Round:     w.Round,
			ReceiptID: &w.ReceiptID,
			RequestID: &done.RequestID,
			Final:     final,
			Timestamp: now,
		})
	}
	return winners, nil
}
