package raffle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/atmx/raffle-engine/internal/admission"
	"github.com/atmx/raffle-engine/internal/limits"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/selection"
	"github.com/atmx/raffle-engine/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{nil, nil},
		{errors.New("disk on fire"), nil},
		{ErrLengthMismatch, ErrConfiguration},
		{fmt.Errorf("stake: %w", admission.ErrAssetRejected), ErrConfiguration},
		{admission.ErrInvalidAssetConfig, ErrConfiguration},
		{ErrNotStarted, ErrTiming},
		{ErrDrawPending, ErrTiming},
		{randomness.ErrRoundNotEligible, ErrTiming},
		{ErrNotOwner, ErrAuthorization},
		{ErrUnauthorizedOracle, ErrAuthorization},
		{limits.ErrRoundCapExceeded, ErrCapacity},
		{ErrTransferFailed, ErrCapacity},
		{randomness.ErrRequestOutstanding, ErrProtocol},
		{randomness.ErrUnknownRequest, ErrProtocol},
		{selection.ErrNoEligibleReceipts, ErrProtocol},
		{store.ErrDuplicateWinner, ErrProtocol},
		{ErrAlreadyClaimed, ErrProtocol},
		{fmt.Errorf("%w: receipt 9", store.ErrNotFound), ErrNotFound},
		{ErrNotStaked, ErrNotFound},
		{randomness.ErrCoordinator, nil},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
