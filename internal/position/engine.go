package position

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/MSB0095/sol-beast-sub000/internal/observability"
	"github.com/MSB0095/sol-beast-sub000/internal/pricecache"
)

var (
	ErrTooManyPositions  = errors.New("position: held coin limit reached")
	ErrDuplicatePosition = errors.New("position: already holding mint")
)

// Seller submits a sell for part of a position. Implemented by trade.Executor.
type Seller interface {
	Sell(ctx context.Context, mint solana.PublicKey, creator *solana.PublicKey, amount uint64, price float64, reason string) (solana.Signature, error)
	RecordForcedExit(ctx context.Context, mint solana.PublicKey, amount uint64, price float64)
}

// PriceSource fetches a spot price over RPC when the cache has nothing fresh.
type PriceSource interface {
	Price(ctx context.Context, mint solana.PublicKey) (float64, error)
}

// Unsubscriber tears down the mint's account subscription when a position
// closes. Implemented by stream.Pool.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, key string) error
}

// EngineConfig tunes the evaluation loop.
type EngineConfig struct {
	// Timeout forces a full exit once a position has been held this long.
	Timeout time.Duration
	// TickInterval is how often open positions are re-evaluated.
	TickInterval time.Duration
	// FetchTimeout caps the RPC price fetch on a cache miss.
	FetchTimeout time.Duration
	// MaxHeldCoins bounds concurrently open positions. Zero means unbounded.
	MaxHeldCoins int
}

// DefaultEngineConfig returns the tuning used in production.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Timeout:      2 * time.Minute,
		TickInterval: time.Second,
		FetchTimeout: 3 * time.Second,
		MaxHeldCoins: 5,
	}
}

// Engine owns all open positions and drives them through the exit tables.
// One evaluation goroutine runs per position per tick; a position with an
// evaluation in flight is skipped until it completes, so a slow sell never
// stacks duplicate sells for the same mint.
type Engine struct {
	cfg     EngineConfig
	levels  *Levels
	cache   *pricecache.Cache
	fetcher PriceSource
	seller  Seller
	unsub   Unsubscriber
	metrics *observability.Metrics
	log     *log.Logger

	mu        sync.Mutex
	positions map[string]*Position
	inflight  map[string]struct{}
	wg        sync.WaitGroup
}

func NewEngine(cfg EngineConfig, levels *Levels, cache *pricecache.Cache, fetcher PriceSource, seller Seller, unsub Unsubscriber, logger *log.Logger, metrics *observability.Metrics) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg:       cfg,
		levels:    levels,
		cache:     cache,
		fetcher:   fetcher,
		seller:    seller,
		unsub:     unsub,
		metrics:   metrics,
		log:       logger,
		positions: make(map[string]*Position),
		inflight:  make(map[string]struct{}),
	}
}

// Open registers a freshly bought position.
func (e *Engine) Open(p *Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.MaxHeldCoins > 0 && len(e.positions) >= e.cfg.MaxHeldCoins {
		return ErrTooManyPositions
	}
	if _, ok := e.positions[p.Key]; ok {
		return ErrDuplicatePosition
	}
	e.positions[p.Key] = p
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(len(e.positions)))
	}
	return nil
}

// Count reports the number of open positions.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// Expire schedules a full exit for the position on its next tick by forcing
// the timeout path. Used when the bonding curve migrates: the token now
// trades elsewhere and the curve price feed is dead.
func (e *Engine) Expire(key string) {
	e.mu.Lock()
	if p, ok := e.positions[key]; ok {
		p.BuyTime = time.Time{}
	}
	e.mu.Unlock()
}

// Holding reports whether the mint has an open position.
func (e *Engine) Holding(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[key]
	return ok
}

// Run evaluates positions until ctx is cancelled, then waits for in-flight
// evaluations to drain.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick snapshots every open position without an evaluation in flight and
// evaluates each on its own goroutine.
func (e *Engine) Tick(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.EvaluationTicks.Inc()
	}

	e.mu.Lock()
	tasks := make([]*Position, 0, len(e.positions))
	for key, p := range e.positions {
		if _, busy := e.inflight[key]; busy {
			continue
		}
		e.inflight[key] = struct{}{}
		tasks = append(tasks, p.clone())
	}
	e.mu.Unlock()

	for _, p := range tasks {
		e.wg.Add(1)
		go func(p *Position) {
			defer e.wg.Done()
			e.evaluate(ctx, p)
		}(p)
	}
}

func (e *Engine) evaluate(ctx context.Context, p *Position) {
	defer func() {
		e.mu.Lock()
		delete(e.inflight, p.Key)
		e.mu.Unlock()
	}()

	now := time.Now()
	timedOut := now.Sub(p.BuyTime) >= e.cfg.Timeout

	var price float64
	if timedOut {
		// The timeout exit never waits on a network round-trip. Price the
		// forced sell off the last push, however old, else the entry.
		if stale, _, found := e.cache.GetStale(p.Key); found {
			price = stale
		} else {
			price = p.BuyPrice
		}
	} else {
		var ok bool
		price, ok = e.spotPrice(ctx, p)
		if !ok {
			return
		}
	}

	dec := e.levels.Evaluate(p, price, now, e.cfg.Timeout)
	if dec.SellAmount == 0 {
		return
	}

	sig, err := e.seller.Sell(ctx, p.Mint, p.Creator, dec.SellAmount, dec.Price, dec.Reason.String())
	if err != nil {
		e.log.Printf("sell %d of %s (%s): %v", dec.SellAmount, p.Key, dec.Reason, err)
		if dec.Reason == ReasonTimeout {
			// The position is past its deadline and unsellable. Stop
			// tracking it rather than retrying forever.
			e.seller.RecordForcedExit(ctx, p.Mint, dec.SellAmount, dec.Price)
			e.remove(p.Key)
		}
		return
	}
	e.log.Printf("sold %d of %s (%s) at %.9f sig=%s", dec.SellAmount, p.Key, dec.Reason, dec.Price, sig)
	e.applySell(p.Key, dec)
}

// applySell commits a successful sell to the canonical position: triggered
// levels are marked and the remaining amount reduced only now, so a failed
// sell leaves the position untouched and the level re-fires next tick.
func (e *Engine) applySell(key string, dec Decision) {
	e.mu.Lock()
	cur, ok := e.positions[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	for _, i := range dec.FiredTP {
		cur.TriggeredTP[i] = struct{}{}
		if e.metrics != nil {
			e.metrics.ExitLevelsFired.WithLabelValues("take_profit").Inc()
		}
	}
	for _, i := range dec.FiredSL {
		cur.TriggeredSL[i] = struct{}{}
		if e.metrics != nil {
			e.metrics.ExitLevelsFired.WithLabelValues("stop_loss").Inc()
		}
	}
	if dec.Reason == ReasonTimeout && e.metrics != nil {
		e.metrics.ExitLevelsFired.WithLabelValues("timeout").Inc()
	}
	if dec.SellAmount >= cur.RemainingAmount {
		cur.RemainingAmount = 0
	} else {
		cur.RemainingAmount -= dec.SellAmount
	}
	closed := cur.RemainingAmount == 0
	if closed {
		delete(e.positions, key)
		if e.metrics != nil {
			e.metrics.OpenPositions.Set(float64(len(e.positions)))
		}
	}
	e.mu.Unlock()

	if closed {
		e.teardown(key)
	}
}

// remove force-closes a position without a sell having gone through.
func (e *Engine) remove(key string) {
	e.mu.Lock()
	_, ok := e.positions[key]
	if ok {
		delete(e.positions, key)
		if e.metrics != nil {
			e.metrics.OpenPositions.Set(float64(len(e.positions)))
		}
	}
	e.mu.Unlock()
	if ok {
		e.teardown(key)
	}
}

func (e *Engine) teardown(key string) {
	e.cache.Remove(key)
	if e.unsub != nil {
		if err := e.unsub.Unsubscribe(context.Background(), key); err != nil {
			e.log.Printf("unsubscribe %s: %v", key, err)
		}
	}
}

func (e *Engine) spotPrice(ctx context.Context, p *Position) (float64, bool) {
	if price, ok := e.cache.Get(p.Key); ok {
		if e.metrics != nil {
			e.metrics.CacheHits.Inc()
		}
		return price, true
	}
	if e.metrics != nil {
		e.metrics.CacheMisses.Inc()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	price, err := e.fetcher.Price(fetchCtx, p.Mint)
	if err != nil {
		if e.metrics != nil {
			e.metrics.PriceFetchErrors.Inc()
		}
		e.log.Printf("fetch price for %s: %v", p.Key, err)
		return 0, false
	}
	e.cache.Put(p.Key, price)
	return price, true
}
