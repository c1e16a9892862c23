package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/MSB0095/sol-beast-sub000/internal/curve"
	"github.com/MSB0095/sol-beast-sub000/internal/pumpfun"
)

// PriceFetcher reads bonding-curve state over RPC. It backs the polling path
// used when no push update is available or the cached price has gone stale.
type PriceFetcher struct {
	client  Client
	program solana.PublicKey
	timeout time.Duration
}

// NewPriceFetcher returns a fetcher for curves owned by program. Every fetch
// is capped at timeout so a slow node cannot stall exit evaluation.
func NewPriceFetcher(client Client, program solana.PublicKey, timeout time.Duration) *PriceFetcher {
	return &PriceFetcher{client: client, program: program, timeout: timeout}
}

// State fetches and decodes the bonding-curve account for mint.
func (f *PriceFetcher) State(ctx context.Context, mint solana.PublicKey) (*curve.State, error) {
	addr, err := pumpfun.BondingCurveAddress(f.program, mint)
	if err != nil {
		return nil, fmt.Errorf("derive bonding curve for %s: %w", mint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	info, err := f.client.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch bonding curve %s: %w", addr, err)
	}

	state, err := curve.DecodeState(info.Data)
	if err != nil {
		return nil, fmt.Errorf("decode bonding curve %s: %w", addr, err)
	}
	return state, nil
}

// Price fetches the current spot price for mint in SOL per token.
func (f *PriceFetcher) Price(ctx context.Context, mint solana.PublicKey) (float64, error) {
	state, err := f.State(ctx, mint)
	if err != nil {
		return 0, err
	}
	return state.SpotPrice()
}
