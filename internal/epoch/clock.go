// Package epoch derives the raffle round index from wall-clock time.
//
// A Clock is stateless beyond its configuration: every caller passes the
// current time in and gets a fresh Reading back. Nothing here caches a round.
package epoch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRoundLength is returned when the round length is not positive.
	ErrInvalidRoundLength = errors.New("epoch: round length must be positive")

	// ErrInvalidRounds is returned when the active round count is not positive.
	ErrInvalidRounds = errors.New("epoch: active rounds must be positive")
)

// Phase is the coarse lifecycle position of the raffle at a point in time.
type Phase int

const (
	// PreOpen is any instant strictly before the start time.
	PreOpen Phase = iota
	// Open covers [start, start + rounds*length).
	Open
	// Ended is any instant at or after the end of the last round.
	Ended
)

func (p Phase) String() string {
	switch p {
	case PreOpen:
		return "pre_open"
	case Open:
		return "open"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase as its lowercase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{PreOpen, Open, Ended} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("epoch: unknown phase %q", b)
}

// Reading is the result of evaluating a Clock at one instant.
type Reading struct {
	Phase Phase `json:"phase"`
	// Round is the active round while Open, 0 while PreOpen and Rounds once
	// Ended.
	Round int `json:"round"`
}

// Clock maps time onto rounds of fixed length.
type Clock struct {
	Start       time.Time
	RoundLength time.Duration
	Rounds      int
}

// New validates the configuration and returns a Clock.
func New(start time.Time, roundLength time.Duration, rounds int) (Clock, error) {
	if roundLength <= 0 {
		return Clock{}, ErrInvalidRoundLength
	}
	if rounds <= 0 {
		return Clock{}, ErrInvalidRounds
	}
	return Clock{Start: start, RoundLength: roundLength, Rounds: rounds}, nil
}

// At evaluates the clock at now.
func (c Clock) At(now time.Time) Reading {
	if now.Before(c.Start) {
		return Reading{Phase: PreOpen}
	}
	idx := int(now.Sub(c.Start) / c.RoundLength)
	if idx >= c.Rounds {
		return Reading{Phase: Ended, Round: c.Rounds}
	}
	return Reading{Phase: Open, Round: idx}
}

// EndedRounds returns how many rounds have fully elapsed at now.
func (c Clock) EndedRounds(now time.Time) int {
	r := c.At(now)
	switch r.Phase {
	case PreOpen:
		return 0
	case Ended:
		return c.Rounds
	default:
		return r.Round
	}
}

// RoundEnded reports whether round i is over at now.
func (c Clock) RoundEnded(i int, now time.Time) bool {
	return i < c.EndedRounds(now)
}

// RoundStart is the first instant of round i.
func (c Clock) RoundStart(i int) time.Time {
	return c.Start.Add(time.Duration(i) * c.RoundLength)
}

// RoundEnd is the first instant after round i.
func (c Clock) RoundEnd(i int) time.Time {
	return c.RoundStart(i + 1)
}

// End is the first instant at which the raffle is Ended.
func (c Clock) End() time.Time {
	return c.RoundStart(c.Rounds)
}
