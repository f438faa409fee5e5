package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/epoch"
	"github.com/atmx/raffle-engine/internal/raffle"
	"github.com/atmx/raffle-engine/internal/randomness"
)

func parseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: %s is negative", field)
	}
	return d, nil
}

func address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// EngineParams converts the raffle and randomness sections.
func (c *Config) EngineParams() (raffle.Params, error) {
	r, rnd := c.Raffle, c.Randomness

	clock, err := epoch.New(r.Start, r.RoundLength, r.Rounds)
	if err != nil {
		return raffle.Params{}, fmt.Errorf("config: raffle: %w", err)
	}
	stake, err := parseAmount("raffle.stake_amount", r.StakeAmount)
	if err != nil {
		return raffle.Params{}, err
	}
	rewardAmount, err := parseAmount("raffle.reward_amount", r.RewardAmount)
	if err != nil {
		return raffle.Params{}, err
	}
	fee, err := c.FeeSizer()
	if err != nil {
		return raffle.Params{}, err
	}

	return raffle.Params{
		Owner:              address(r.Owner),
		Clock:              clock,
		StakeAmount:        stake,
		BaseAsset:          address(r.BaseAsset),
		Mode:               raffle.SettlementMode(r.Mode),
		RepeatClaim:        raffle.RepeatClaimPolicy(r.RepeatClaim),
		WinnersPerRound:    r.WinnersPerRound,
		RewardAsset:        address(r.RewardAsset),
		RewardAmount:       rewardAmount,
		SponsorWinnerCount: r.SponsorWinnerCount,
		MaxPerParticipant:  r.MaxPerParticipant,
		MaxPerRound:        r.MaxPerRound,
		FeeAsset:           address(rnd.FeeAsset),
		Fee:                fee,
		KeyHash:            common.HexToHash(rnd.KeyHash),
		ScopeMode:          randomness.ScopeMode(rnd.ScopeMode),
		AutoRequest:        r.AutoRequest,
	}, nil
}

// FeeSizer builds the oracle fee rule: a USD fee converted at the configured
// fee-asset price, or a fixed fee.
func (c *Config) FeeSizer() (randomness.FeeSizer, error) {
	rnd := c.Randomness
	fixed, err := parseAmount("randomness.fee", rnd.Fee)
	if err != nil {
		return randomness.FeeSizer{}, err
	}
	usd, err := parseAmount("randomness.fee_usd", rnd.FeeUSD)
	if err != nil {
		return randomness.FeeSizer{}, err
	}
	sizer := randomness.FeeSizer{Fixed: fixed, USD: usd}
	if usd.IsPositive() {
		price, err := parseAmount("randomness.fee_asset_price_usd", rnd.FeeAssetPrice)
		if err != nil {
			return randomness.FeeSizer{}, err
		}
		if !price.IsPositive() {
			return randomness.FeeSizer{}, fmt.Errorf("config: randomness.fee_asset_price_usd must be positive")
		}
		sizer.Feed = randomness.FixedPrice(price)
	}
	if (fixed.IsPositive() || usd.IsPositive()) && rnd.FeeAsset == "" {
		return randomness.FeeSizer{}, fmt.Errorf("config: randomness.fee_asset is required when a fee is set")
	}
	return sizer, nil
}
