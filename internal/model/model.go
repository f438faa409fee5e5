// Package model defines the core domain types shared across the raffle engine.
// All token amounts use shopspring/decimal, never float64.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Position is the ledger record behind one receipt. Amount is fixed at
// creation. A position closes on a settled claim and reopens only when
// that claim's payout fails.
type Position struct {
	ReceiptID uint64          `json:"receipt_id" db:"receipt_id"`
	Depositor common.Address  `json:"depositor" db:"depositor"`
	Asset     common.Address  `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Round     int             `json:"round" db:"round"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Closed    bool            `json:"closed" db:"closed"`
	ClosedBy  common.Address  `json:"closed_by,omitempty" db:"closed_by"` // receipt holder at claim time
	ClosedAt  *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Winner is one entry of the append-only WinnerSet.
type Winner struct {
	Ordinal    int         `json:"ordinal" db:"ordinal"` // position in the WinnerSet
	ReceiptID  uint64      `json:"receipt_id" db:"receipt_id"`
	Round      int         `json:"round" db:"round"`
	RoundIndex int         `json:"round_index" db:"round_index"` // order drawn within the round
	RequestID  common.Hash `json:"request_id" db:"request_id"`
	Sponsored  bool        `json:"sponsored" db:"sponsored"`
	SelectedAt time.Time   `json:"selected_at" db:"selected_at"`
}

// RequestStatus is the persisted state of one randomness request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "requested"
	RequestFulfilled RequestStatus = "fulfilled"
)

// RandomnessRequest records one call to the randomness coordinator.
type RandomnessRequest struct {
	RequestID   common.Hash     `json:"request_id" db:"request_id"`
	Scope       string          `json:"scope" db:"scope"`
	Round       int             `json:"round" db:"round"`
	Seed        *big.Int        `json:"seed" db:"seed"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Status      RequestStatus   `json:"status" db:"status"`
	Value       *big.Int        `json:"value,omitempty" db:"value"`
	RequestedAt time.Time       `json:"requested_at" db:"requested_at"`
	FulfilledAt *time.Time      `json:"fulfilled_at,omitempty" db:"fulfilled_at"`
}

// Outstanding reports whether the request is still waiting for a callback.
func (r RandomnessRequest) Outstanding() bool {
	return r.Status == RequestPending
}

// Sponsor is the optional bonus paid to a round's first winners.
// A zero Asset means the round has no sponsor.
type Sponsor struct {
	Asset  common.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Configured reports whether the sponsor pays anything.
func (s Sponsor) Configured() bool {
	return s.Asset != (common.Address{}) && s.Amount.IsPositive()
}

// Setup is the one-time initialization record.
type Setup struct {
	StakeAssets   []common.Address `json:"stake_assets"`
	Sponsors      []Sponsor        `json:"sponsors"`
	InitializedBy common.Address   `json:"initialized_by"`
	InitializedAt time.Time        `json:"initialized_at"`
}

// SponsorFor returns the sponsor configured for round, if any.
func (s *Setup) SponsorFor(round int) (Sponsor, bool) {
	if s == nil || round < 0 || round >= len(s.Sponsors) {
		return Sponsor{}, false
	}
	sp := s.Sponsors[round]
	return sp, sp.Configured()
}

// Payout is one transfer made to a claimant.
type Payout struct {
	Asset  common.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Settlement is the result of a claim.
type Settlement struct {
	ReceiptID uint64         `json:"receipt_id"`
	Recipient common.Address `json:"recipient"`
	Winner    bool           `json:"winner"`
	Payouts   []Payout       `json:"payouts"`
	// NoOp is set when the claim changed nothing (repeat claim under the
	// no-op policy, or a non-winner in entry-fee mode).
	NoOp bool `json:"no_op"`
}

// EventType names an engine event.
type EventType string

const (
	EventInitialized         EventType = "initialized"
	EventStaked              EventType = "staked"
	EventRandomnessRequested EventType = "randomness_requested"
	EventRandomnessFulfilled EventType = "randomness_fulfilled"
	EventWinnerSelected      EventType = "winner_selected"
	EventClaimed             EventType = "claimed"
)

// Event is published after a state change has been persisted.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Round     int             `json:"round"`
	ReceiptID *uint64         `json:"receipt_id,omitempty"`
	Account   *common.Address `json:"account,omitempty"`
	Asset     *common.Address `json:"asset,omitempty"`
	Amount    string          `json:"amount,omitempty"`
	RequestID *common.Hash    `json:"request_id,omitempty"`
	Final     bool            `json:"final,omitempty"` // last round resolved
	Timestamp time.Time       `json:"timestamp"`
}
