package trade

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/MSB0095/sol-beast-sub000/internal/chain"
	"github.com/MSB0095/sol-beast-sub000/internal/observability"
	"github.com/MSB0095/sol-beast-sub000/internal/pumpfun"
)

const (
	lamportsPerSOL    = 1e9
	baseUnitsPerToken = 1e6
	bpsDenominator    = 10_000
)

// ExecutorConfig configures trade execution.
type ExecutorConfig struct {
	// SlippageBps widens buy cost and narrows sell proceeds bounds.
	SlippageBps uint64
	// DryRun builds and signs but never submits; records carry no signature.
	DryRun bool
}

// Executor turns buy/sell decisions into signed, submitted transactions.
type Executor struct {
	builder *pumpfun.Builder
	client  chain.Client
	wallet  *chain.Wallet
	store   Store
	metrics *observability.Metrics
	log     *log.Logger
	cfg     ExecutorConfig
}

// NewExecutor wires an executor. store may not be nil; use NewMemoryStore
// when persistence is not configured.
func NewExecutor(builder *pumpfun.Builder, client chain.Client, wallet *chain.Wallet, store Store, cfg ExecutorConfig, logger *log.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		builder: builder,
		client:  client,
		wallet:  wallet,
		store:   store,
		metrics: metrics,
		log:     logger,
		cfg:     cfg,
	}
}

// Buy spends lamports on mint at the observed price. Returns the token
// amount bought in base units.
func (e *Executor) Buy(ctx context.Context, mint solana.PublicKey, creator *solana.PublicKey, lamports uint64, price float64) (uint64, solana.Signature, error) {
	if price <= 0 {
		return 0, solana.Signature{}, fmt.Errorf("trade: buy %s: non-positive price %f", mint, price)
	}

	tokens := float64(lamports) / lamportsPerSOL / price
	amount := uint64(tokens * baseUnitsPerToken)
	if amount == 0 {
		return 0, solana.Signature{}, fmt.Errorf("trade: buy %s: amount rounds to zero", mint)
	}
	maxSolCost := lamports + lamports*e.cfg.SlippageBps/bpsDenominator

	instr, err := e.builder.Buy(pumpfun.BuyParams{
		Mint:       mint,
		User:       e.wallet.PublicKey(),
		Creator:    creator,
		Amount:     amount,
		MaxSolCost: maxSolCost,
	})
	if err != nil {
		return 0, solana.Signature{}, fmt.Errorf("trade: build buy: %w", err)
	}

	sig, err := e.submit(ctx, instr)
	if err != nil {
		return 0, solana.Signature{}, fmt.Errorf("trade: submit buy for %s: %w", mint, err)
	}
	if e.metrics != nil {
		e.metrics.BuysSubmitted.Inc()
	}

	rec := Record{
		Mint:      mint.String(),
		Side:      SideBuy,
		Amount:    amount,
		Price:     price,
		Signature: sig.String(),
		At:        time.Now(),
	}
	if err := e.store.Append(ctx, rec); err != nil {
		e.log.Printf("record buy for %s: %v", mint, err)
	}
	return amount, sig, nil
}

// Sell liquidates amount base units of mint at the observed price.
func (e *Executor) Sell(ctx context.Context, mint solana.PublicKey, creator *solana.PublicKey, amount uint64, price float64, reason string) (solana.Signature, error) {
	expected := float64(amount) / baseUnitsPerToken * price * lamportsPerSOL
	minSolOutput := uint64(expected) * (bpsDenominator - e.cfg.SlippageBps) / bpsDenominator

	instr, err := e.builder.Sell(pumpfun.SellParams{
		Mint:         mint,
		User:         e.wallet.PublicKey(),
		Creator:      creator,
		Amount:       amount,
		MinSolOutput: minSolOutput,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("trade: build sell: %w", err)
	}

	sig, err := e.submit(ctx, instr)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SellFailures.Inc()
		}
		return solana.Signature{}, fmt.Errorf("trade: submit sell for %s: %w", mint, err)
	}
	if e.metrics != nil {
		e.metrics.SellsSubmitted.Inc()
	}

	rec := Record{
		Mint:      mint.String(),
		Side:      SideSell,
		Amount:    amount,
		Price:     price,
		Reason:    reason,
		Signature: sig.String(),
		At:        time.Now(),
	}
	if err := e.store.Append(ctx, rec); err != nil {
		e.log.Printf("record sell for %s: %v", mint, err)
	}
	return sig, nil
}

// RecordForcedExit books a position closed without a confirmed sell.
func (e *Executor) RecordForcedExit(ctx context.Context, mint solana.PublicKey, amount uint64, price float64) {
	if e.metrics != nil {
		e.metrics.ForcedExits.Inc()
	}
	rec := Record{
		Mint:   mint.String(),
		Side:   SideSell,
		Amount: amount,
		Price:  price,
		Reason: "timeout",
		Forced: true,
		At:     time.Now(),
	}
	if err := e.store.Append(ctx, rec); err != nil {
		e.log.Printf("record forced exit for %s: %v", mint, err)
	}
}

func (e *Executor) submit(ctx context.Context, instr solana.Instruction) (solana.Signature, error) {
	blockhash, err := e.client.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		blockhash,
		solana.TransactionPayer(e.wallet.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("assemble transaction: %w", err)
	}

	if err := e.wallet.Sign(tx); err != nil {
		return solana.Signature{}, err
	}

	if e.cfg.DryRun {
		sim, err := e.client.SimulateTransaction(ctx, tx)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("simulate transaction: %w", err)
		}
		if sim.Err != "" {
			return solana.Signature{}, fmt.Errorf("simulation failed: %s", sim.Err)
		}
		return solana.Signature{}, nil
	}
	return e.client.SendTransaction(ctx, tx)
}
