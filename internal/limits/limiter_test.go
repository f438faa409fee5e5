package limits

import (
	"errors"
	"testing"
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewEntryLimiter(3, 10)

	if err := limiter.CheckLimit(0, 0); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := limiter.CheckLimit(2, 9); err != nil {
		t.Errorf("expected the last slot to be allowed, got %v", err)
	}
}

func TestCheckLimit_ParticipantExceeded(t *testing.T) {
	limiter := NewEntryLimiter(3, 10)

	err := limiter.CheckLimit(3, 0)
	if err != ErrParticipantCapExceeded {
		t.Errorf("expected ErrParticipantCapExceeded, got %v", err)
	}
	if !errors.Is(err, ErrEntryCapExceeded) {
		t.Error("participant cap should wrap ErrEntryCapExceeded")
	}
}

func TestCheckLimit_RoundExceeded(t *testing.T) {
	limiter := NewEntryLimiter(0, 2)

	err := limiter.CheckLimit(100, 2)
	if err != ErrRoundCapExceeded {
		t.Errorf("expected ErrRoundCapExceeded, got %v", err)
	}
	if !errors.Is(err, ErrEntryCapExceeded) {
		t.Error("round cap should wrap ErrEntryCapExceeded")
	}
}

func TestCheckLimit_ParticipantCheckedFirst(t *testing.T) {
	limiter := NewEntryLimiter(1, 1)

	if err := limiter.CheckLimit(1, 1); err != ErrParticipantCapExceeded {
		t.Errorf("expected ErrParticipantCapExceeded, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	limiter := NewEntryLimiter(0, -5)

	if err := limiter.CheckLimit(1_000_000, 1_000_000); err != nil {
		t.Errorf("expected disabled caps to allow everything, got %v", err)
	}
}
