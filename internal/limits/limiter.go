// Package limits enforces entry caps on raffle deposits.
//
// Two independent caps exist: how many deposits one participant may ever
// make, and how many deposits a single round may hold. Either cap set to
// zero is disabled.
package limits

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryCapExceeded is the parent of every cap violation.
	ErrEntryCapExceeded = errors.New("limits: entry cap exceeded")

	// ErrParticipantCapExceeded is returned when a depositor has already made
	// the maximum number of deposits.
	ErrParticipantCapExceeded = fmt.Errorf("%w: participant", ErrEntryCapExceeded)

	// ErrRoundCapExceeded is returned when the current round is full.
	ErrRoundCapExceeded = fmt.Errorf("%w: round", ErrEntryCapExceeded)
)

// EntryLimiter holds the configured caps.
type EntryLimiter struct {
	// MaxPerParticipant is the maximum number of deposits one depositor may
	// make over the raffle's lifetime, closed positions included.
	MaxPerParticipant int

	// MaxPerRound is the maximum number of deposits accepted in one round.
	MaxPerRound int
}

// NewEntryLimiter creates a limiter. Negative caps are treated as disabled.
func NewEntryLimiter(maxPerParticipant, maxPerRound int) *EntryLimiter {
	if maxPerParticipant < 0 {
		maxPerParticipant = 0
	}
	if maxPerRound < 0 {
		maxPerRound = 0
	}
	return &EntryLimiter{
		MaxPerParticipant: maxPerParticipant,
		MaxPerRound:       maxPerRound,
	}
}

// CheckLimit validates one more deposit given the depositor's existing
// deposit count and the current round's deposit count.
func (l *EntryLimiter) CheckLimit(participantEntries, roundEntries int) error {
	if l.MaxPerParticipant > 0 && participantEntries+1 > l.MaxPerParticipant {
		return ErrParticipantCapExceeded
	}
	if l.MaxPerRound > 0 && roundEntries+1 > l.MaxPerRound {
		return ErrRoundCapExceeded
	}
	return nil
}
