package randomness

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeScale is the number of decimal places fee amounts are rounded up to.
const FeeScale int32 = 18

// ErrInvalidPrice is returned when the price feed reports a non-positive price.
var ErrInvalidPrice = errors.New("randomness: invalid fee asset price")

// PriceFeed reports the USD price of one unit of the oracle fee asset.
type PriceFeed interface {
	LatestPrice(ctx context.Context) (decimal.Decimal, error)
}

// FeeSizer computes the fee attached to each randomness request. A fixed fee
// is used as-is; otherwise a USD fee is converted through the price feed.
type FeeSizer struct {
	Fixed decimal.Decimal
	USD   decimal.Decimal
	Feed  PriceFeed
}

// Fee returns the fee for one request, in units of the fee asset.
func (f FeeSizer) Fee(ctx context.Context) (decimal.Decimal, error) {
	if f.USD.IsPositive() && f.Feed != nil {
		price, err := f.Feed.LatestPrice(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("randomness: read price feed: %w", err)
		}
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
		}
		return f.USD.DivRound(price, FeeScale+2).RoundCeil(FeeScale), nil
	}
	return f.Fixed, nil
}

// FixedPrice is a PriceFeed that always reports the same price.
type FixedPrice decimal.Decimal

func (p FixedPrice) LatestPrice(context.Context) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}
