// Package trade executes buy/sell transactions and records the results.
package trade

import (
	"context"
	"errors"
	"time"
)

// RecentLimit caps the in-memory trade history.
const RecentLimit = 200

// ErrInvalidInput is returned when a record fails validation.
var ErrInvalidInput = errors.New("trade: invalid input")

// Side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Record is one executed (or forced) trade.
type Record struct {
	Mint      string
	Side      Side
	Amount    uint64 // base units
	Price     float64
	Reason    string
	Signature string
	// Forced marks a position closed without a confirmed sell, after a
	// timeout exit failed on the network.
	Forced bool
	At     time.Time
}

// Store persists trade records.
type Store interface {
	Append(ctx context.Context, r Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}
