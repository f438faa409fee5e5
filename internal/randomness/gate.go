// Package randomness implements the single-outstanding-request protocol
// around an external verifiable-randomness coordinator.
//
// A Gate is a finite state machine per scope (Idle → Requested → Fulfilled →
// Idle). It holds no state of its own between calls: the engine rebuilds it
// from the persisted request log at the start of every entry point.
package randomness

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/model"
)

var (
	// ErrCannotRequest is the parent of every refused request.
	ErrCannotRequest = errors.New("randomness: cannot request")

	// ErrRequestOutstanding is returned while the scope is Requested.
	ErrRequestOutstanding = fmt.Errorf("%w: request already outstanding", ErrCannotRequest)

	// ErrRoundNotEligible is returned when no ended, unresolved round exists
	// or there is nothing to draw from.
	ErrRoundNotEligible = fmt.Errorf("%w: no round eligible for a draw", ErrCannotRequest)

	// ErrAlreadyResolved is returned once every round has been drawn.
	ErrAlreadyResolved = fmt.Errorf("%w: all rounds resolved", ErrCannotRequest)

	// ErrUnknownRequest is returned for a callback that does not match an
	// outstanding request, including replays of a fulfilled one.
	ErrUnknownRequest = errors.New("randomness: unknown request")
)

// State is the state of one scope.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateFulfilled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateFulfilled:
		return "fulfilled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{StateIdle, StateRequested, StateFulfilled} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("randomness: unknown state %q", b)
}

// ScopeMode decides how wide the single-outstanding-request rule reaches.
type ScopeMode string

const (
	// ScopeGlobal allows one outstanding request system-wide and resolves
	// rounds strictly in order.
	ScopeGlobal ScopeMode = "global"
	// ScopeRound allows one outstanding request per round.
	ScopeRound ScopeMode = "round"
)

// GlobalScope is the only scope key in ScopeGlobal mode.
const GlobalScope = "global"

// RoundScope is the scope key of round r in ScopeRound mode.
func RoundScope(r int) string {
	return fmt.Sprintf("round:%d", r)
}

// Gate is the per-scope state machine.
type Gate struct {
	mode     ScopeMode
	requests map[common.Hash]*model.RandomnessRequest
	pending  map[string]common.Hash // scope → outstanding request
	resolved map[int]bool
}

// NewGate rebuilds a gate from a persisted request log.
func NewGate(mode ScopeMode, log []model.RandomnessRequest) *Gate {
	if mode != ScopeRound {
		mode = ScopeGlobal
	}
	g := &Gate{
		mode:     mode,
		requests: make(map[common.Hash]*model.RandomnessRequest, len(log)),
		pending:  make(map[string]common.Hash),
		resolved: make(map[int]bool),
	}
	for i := range log {
		req := log[i]
		g.requests[req.RequestID] = &req
		if req.Outstanding() {
			g.pending[req.Scope] = req.RequestID
		} else {
			g.resolved[req.Round] = true
		}
	}
	return g
}

// Mode returns the configured scope mode.
func (g *Gate) Mode() ScopeMode { return g.mode }

// ScopeFor returns the scope key that governs round r.
func (g *Gate) ScopeFor(r int) string {
	if g.mode == ScopeRound {
		return RoundScope(r)
	}
	return GlobalScope
}

// State returns the state of a scope. Fulfilled is transient inside
// Fulfill, so persisted scopes are either Idle or Requested.
func (g *Gate) State(scope string) State {
	if _, ok := g.pending[scope]; ok {
		return StateRequested
	}
	return StateIdle
}

// States returns every scope that is currently Requested, plus the global
// scope in global mode.
func (g *Gate) States() map[string]State {
	out := make(map[string]State, len(g.pending)+1)
	if g.mode == ScopeGlobal {
		out[GlobalScope] = g.State(GlobalScope)
	}
	for scope := range g.pending {
		out[scope] = StateRequested
	}
	return out
}

// AnyOutstanding reports whether any scope is Requested.
func (g *Gate) AnyOutstanding() bool {
	return len(g.pending) > 0
}

// Outstanding returns the outstanding requests ordered by round.
func (g *Gate) Outstanding() []model.RandomnessRequest {
	out := make([]model.RandomnessRequest, 0, len(g.pending))
	for _, id := range g.pending {
		out = append(out, *g.requests[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out
}

// Log returns every request the gate knows about, ordered by round and then
// request time.
func (g *Gate) Log() []model.RandomnessRequest {
	out := make([]model.RandomnessRequest, 0, len(g.requests))
	for _, req := range g.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Resolved reports whether round r has been drawn.
func (g *Gate) Resolved(r int) bool {
	return g.resolved[r]
}

// ResolvedCount returns how many rounds have been drawn.
func (g *Gate) ResolvedCount() int {
	return len(g.resolved)
}

// NextRound picks the round the next request would draw for, given how many
// rounds have ended and how many exist in total.
func (g *Gate) NextRound(endedRounds, totalRounds int) (int, error) {
	if g.ResolvedCount() >= totalRounds {
		return 0, ErrAlreadyResolved
	}
	if g.mode == ScopeGlobal && g.AnyOutstanding() {
		return 0, ErrRequestOutstanding
	}
	blocked := false
	for r := 0; r < endedRounds; r++ {
		if g.resolved[r] {
			continue
		}
		if g.State(g.ScopeFor(r)) == StateRequested {
			blocked = true
			continue
		}
		return r, nil
	}
	if blocked {
		return 0, ErrRequestOutstanding
	}
	return 0, ErrRoundNotEligible
}

// Begin moves the scope of round r from Idle to Requested.
func (g *Gate) Begin(r int, id common.Hash, seed *big.Int, fee decimal.Decimal, now time.Time) (model.RandomnessRequest, error) {
	scope := g.ScopeFor(r)
	if g.State(scope) != StateIdle {
		return model.RandomnessRequest{}, ErrRequestOutstanding
	}
	if g.resolved[r] {
		return model.RandomnessRequest{}, ErrAlreadyResolved
	}
	if _, dup := g.requests[id]; dup {
		return model.RandomnessRequest{}, fmt.Errorf("%w: duplicate request id %s", ErrCannotRequest, id.Hex())
	}
	req := model.RandomnessRequest{
		RequestID:   id,
		Scope:       scope,
		Round:       r,
		Seed:        seed,
		Fee:         fee,
		Status:      model.RequestPending,
		RequestedAt: now,
	}
	g.requests[id] = &req
	g.pending[scope] = id
	return req, nil
}

// Fulfill moves the request's scope through Fulfilled back to Idle and
// returns the completed request record.
func (g *Gate) Fulfill(id common.Hash, value *big.Int, now time.Time) (model.RandomnessRequest, error) {
	req, ok := g.requests[id]
	if !ok || !req.Outstanding() || g.pending[req.Scope] != id {
		return model.RandomnessRequest{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id.Hex())
	}
	done := *req
	done.Status = model.RequestFulfilled
	done.Value = new(big.Int).Set(value)
	done.FulfilledAt = &now

	*req = done
	delete(g.pending, req.Scope)
	g.resolved[req.Round] = true
	return done, nil
}
