package raffle

import (
	"errors"
	"fmt"

	"github.com/atmx/raffle-engine/internal/admission"
	"github.com/atmx/raffle-engine/internal/limits"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/selection"
	"github.com/atmx/raffle-engine/internal/store"
)

// Error classes. Every error the engine returns wraps exactly one of them,
// directly or through Classify.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTiming        = errors.New("timing error")
	ErrAuthorization = errors.New("authorization error")
	ErrCapacity      = errors.New("capacity error")
	ErrProtocol      = errors.New("protocol violation")
	ErrNotFound      = errors.New("not found")
)

var (
	ErrNotInitialized     = fmt.Errorf("%w: raffle not initialized", ErrConfiguration)
	ErrAlreadyInitialized = fmt.Errorf("%w: already initialized", ErrConfiguration)
	ErrLengthMismatch     = fmt.Errorf("%w: configuration arrays differ in length", ErrConfiguration)
	ErrInvalidSponsor     = fmt.Errorf("%w: sponsor asset and amount must both be set or both be zero", ErrConfiguration)
	ErrInvalidParams      = fmt.Errorf("%w: invalid parameters", ErrConfiguration)

	ErrNotStarted  = fmt.Errorf("%w: raffle has not started", ErrTiming)
	ErrRaffleEnded = fmt.Errorf("%w: raffle has ended", ErrTiming)
	ErrNotEnded    = fmt.Errorf("%w: round not resolved yet", ErrTiming)
	ErrDrawPending = fmt.Errorf("%w: a draw is pending", ErrTiming)

	ErrUnauthorized       = fmt.Errorf("%w: caller is not the owner", ErrAuthorization)
	ErrNotOwner           = fmt.Errorf("%w: caller does not hold the receipt", ErrAuthorization)
	ErrUnauthorizedOracle = fmt.Errorf("%w: caller is not the randomness coordinator", ErrAuthorization)

	ErrTransferFailed = fmt.Errorf("%w: asset transfer failed", ErrCapacity)

	ErrAlreadyClosed       = fmt.Errorf("%w: position already closed", ErrProtocol)
	ErrAlreadyClaimed      = fmt.Errorf("%w: already claimed", ErrAlreadyClosed)
	ErrInsufficientCustody = fmt.Errorf("%w: custody cannot cover the payout", ErrProtocol)
	ErrInvalidRandomness   = fmt.Errorf("%w: random value must be a non-negative integer", ErrProtocol)

	ErrPositionNotFound = fmt.Errorf("%w: position", ErrNotFound)
	ErrRequestNotFound  = fmt.Errorf("%w: randomness request", ErrNotFound)
	ErrNotStaked        = fmt.Errorf("%w: caller holds no open position", ErrNotFound)
)

var classes = []error{ErrConfiguration, ErrTiming, ErrAuthorization, ErrCapacity, ErrProtocol, ErrNotFound}

// Classify returns the error class of err, or nil when err is nil or does
// not belong to any class.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, class := range classes {
		if errors.Is(err, class) {
			return class
		}
	}
	switch {
	case errors.Is(err, admission.ErrAssetRejected),
		errors.Is(err, admission.ErrInvalidAssetConfig):
		return ErrConfiguration
	case errors.Is(err, limits.ErrEntryCapExceeded):
		return ErrCapacity
	case errors.Is(err, randomness.ErrRoundNotEligible):
		return ErrTiming
	case errors.Is(err, randomness.ErrCannotRequest),
		errors.Is(err, randomness.ErrUnknownRequest),
		errors.Is(err, selection.ErrNoEligibleReceipts),
		errors.Is(err, store.ErrAlreadyClosed),
		errors.Is(err, store.ErrNotOutstanding),
		errors.Is(err, store.ErrDuplicateWinner):
		return ErrProtocol
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	}
	return nil
}
