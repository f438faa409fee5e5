// Package admission decides which deposit asset is acceptable in which round.
//
// Two rules exist and are evaluated in fixed precedence:
//   - RuleFixed: the round has an entry in the configured schedule, and the
//     deposit must be exactly that asset.
//   - RuleRegistry: the round is past the end of the schedule, and the deposit
//     must be a pool the pair registry attests as containing the base asset.
//
// A scheduled round never falls back to the registry.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrAssetRejected is returned when no rule admits the asset for the round.
	ErrAssetRejected = errors.New("admission: asset rejected for round")

	// ErrInvalidAssetConfig is returned when a schedule cannot be used.
	ErrInvalidAssetConfig = errors.New("admission: invalid asset configuration")
)

// Rule identifies which admission variant governs a round.
type Rule int

const (
	// RuleNone means nothing is admissible (no schedule entry, no registry).
	RuleNone Rule = iota
	RuleFixed
	RuleRegistry
)

func (r Rule) String() string {
	switch r {
	case RuleFixed:
		return "fixed"
	case RuleRegistry:
		return "registry"
	default:
		return "none"
	}
}

// PairRegistry attests that pool is a registered liquidity pool containing
// base.
type PairRegistry interface {
	IsPair(ctx context.Context, base, pool common.Address) (bool, error)
}

// Policy holds the per-round schedule and the registry fallback.
type Policy struct {
	Schedule []common.Address
	Base     common.Address
	Registry PairRegistry
}

// RuleFor returns the rule that governs round.
func (p Policy) RuleFor(round int) Rule {
	if round >= 0 && round < len(p.Schedule) {
		return RuleFixed
	}
	if p.Registry != nil && p.Base != (common.Address{}) {
		return RuleRegistry
	}
	return RuleNone
}

// Admit checks asset against the rule for round and returns the rule that
// accepted it.
func (p Policy) Admit(ctx context.Context, asset common.Address, round int) (Rule, error) {
	rule := p.RuleFor(round)
	switch rule {
	case RuleFixed:
		if asset != p.Schedule[round] {
			return rule, fmt.Errorf("%w: round %d requires %s, got %s",
				ErrAssetRejected, round, p.Schedule[round].Hex(), asset.Hex())
		}
		return rule, nil
	case RuleRegistry:
		ok, err := p.Registry.IsPair(ctx, p.Base, asset)
		if err != nil {
			return rule, fmt.Errorf("admission: registry lookup %s: %w", asset.Hex(), err)
		}
		if !ok {
			return rule, fmt.Errorf("%w: %s is not a registered %s pool",
				ErrAssetRejected, asset.Hex(), p.Base.Hex())
		}
		return rule, nil
	default:
		return rule, fmt.Errorf("%w: round %d admits no asset", ErrAssetRejected, round)
	}
}

// ValidateSchedule checks a schedule for a raffle of the given round count.
// Every entry must be non-zero and, when a registry is configured, attested
// as a pool of the base asset.
func (p Policy) ValidateSchedule(ctx context.Context, rounds int) error {
	if len(p.Schedule) > rounds {
		return fmt.Errorf("%w: %d scheduled assets for %d rounds",
			ErrInvalidAssetConfig, len(p.Schedule), rounds)
	}
	for i, asset := range p.Schedule {
		if asset == (common.Address{}) {
			return fmt.Errorf("%w: round %d has the zero address", ErrInvalidAssetConfig, i)
		}
		if p.Registry == nil || p.Base == (common.Address{}) {
			continue
		}
		ok, err := p.Registry.IsPair(ctx, p.Base, asset)
		if err != nil {
			return fmt.Errorf("admission: registry lookup %s: %w", asset.Hex(), err)
		}
		if !ok {
			return fmt.Errorf("%w: round %d asset %s is not a registered pool",
				ErrInvalidAssetConfig, i, asset.Hex())
		}
	}
	return nil
}
