// Package position holds open positions and runs the multi-level exit state
// machine: Open, through partial sells, to Closed, with a forced close when a
// timed-out position cannot be sold.
package position

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Position is one held coin. A position is created on a successful buy and
// mutated only by the engine as exit levels fire.
type Position struct {
	Mint solana.PublicKey
	// Key is the logical subscription key, the mint in base58.
	Key string
	// Creator seeds the creator-vault derivation on sells; nil when the
	// creation event did not carry it.
	Creator *solana.PublicKey

	OriginalAmount  uint64 // base units
	RemainingAmount uint64
	BuyPrice        float64 // SOL per token
	BuyTime         time.Time

	TriggeredTP map[int]struct{}
	TriggeredSL map[int]struct{}
}

// NewPosition returns an open position for a completed buy.
func NewPosition(mint solana.PublicKey, creator *solana.PublicKey, amount uint64, buyPrice float64, buyTime time.Time) *Position {
	return &Position{
		Mint:            mint,
		Key:             mint.String(),
		Creator:         creator,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		BuyPrice:        buyPrice,
		BuyTime:         buyTime,
		TriggeredTP:     make(map[int]struct{}),
		TriggeredSL:     make(map[int]struct{}),
	}
}

// clone copies the position so a per-tick task never shares mutable state
// with the engine's canonical record.
func (p *Position) clone() *Position {
	cp := *p
	cp.TriggeredTP = make(map[int]struct{}, len(p.TriggeredTP))
	for i := range p.TriggeredTP {
		cp.TriggeredTP[i] = struct{}{}
	}
	cp.TriggeredSL = make(map[int]struct{}, len(p.TriggeredSL))
	for i := range p.TriggeredSL {
		cp.TriggeredSL[i] = struct{}{}
	}
	return &cp
}

// ProfitPercent is the signed gain of price over the buy price.
func (p *Position) ProfitPercent(price float64) float64 {
	if p.BuyPrice == 0 {
		return 0
	}
	return (price - p.BuyPrice) / p.BuyPrice * 100
}
