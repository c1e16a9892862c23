package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSB0095/sol-beast-sub000/internal/observability"
	"github.com/MSB0095/sol-beast-sub000/internal/pricecache"
)

type sellCall struct {
	mint   solana.PublicKey
	amount uint64
	price  float64
	reason string
}

type fakeSeller struct {
	mu     sync.Mutex
	err    error
	sells  []sellCall
	forced []sellCall
}

func (s *fakeSeller) Sell(ctx context.Context, mint solana.PublicKey, creator *solana.PublicKey, amount uint64, price float64, reason string) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return solana.Signature{}, s.err
	}
	s.sells = append(s.sells, sellCall{mint: mint, amount: amount, price: price, reason: reason})
	return solana.Signature{}, nil
}

func (s *fakeSeller) RecordForcedExit(ctx context.Context, mint solana.PublicKey, amount uint64, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, sellCall{mint: mint, amount: amount, price: price})
}

func (s *fakeSeller) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSeller) sellCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sells)
}

func (s *fakeSeller) forcedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forced)
}

type fakeFetcher struct {
	price float64
	err   error
	delay time.Duration
}

func (f *fakeFetcher) Price(ctx context.Context, mint solana.PublicKey) (float64, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.price, f.err
}

type fakeUnsub struct {
	mu   sync.Mutex
	keys []string
}

func (u *fakeUnsub) Unsubscribe(ctx context.Context, key string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

func (u *fakeUnsub) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.keys)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type engineHarness struct {
	engine  *Engine
	cache   *pricecache.Cache
	seller  *fakeSeller
	fetcher *fakeFetcher
	unsub   *fakeUnsub
}

func newEngineHarness(t *testing.T, cfg EngineConfig, levels *Levels, cacheTTL time.Duration) *engineHarness {
	t.Helper()
	cache, err := pricecache.New(16, cacheTTL)
	require.NoError(t, err)
	h := &engineHarness{
		cache:   cache,
		seller:  &fakeSeller{},
		fetcher: &fakeFetcher{err: errors.New("rpc down")},
		unsub:   &fakeUnsub{},
	}
	h.engine = NewEngine(cfg, levels, cache, h.fetcher, h.seller, h.unsub, nil, nil)
	return h
}

func TestEngine_MultiLevelExit(t *testing.T) {
	levels := NewLevels([]ExitLevel{
		{TriggerPercent: 50, SellPercent: 50},
		{TriggerPercent: 100, SellPercent: 50},
	}, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: time.Hour, MaxHeldCoins: 5}, levels, time.Minute)

	p := openPosition(1_000_000, 1.0)
	require.NoError(t, h.engine.Open(p))

	h.cache.Put(p.Key, 1.6)
	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 1 })

	assert.Equal(t, uint64(500_000), h.seller.sells[0].amount)
	assert.Equal(t, "take_profit", h.seller.sells[0].reason)
	waitFor(t, func() bool { return h.engine.Holding(p.Key) && h.engine.Count() == 1 })

	h.cache.Put(p.Key, 2.1)
	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 2 })

	assert.Equal(t, uint64(500_000), h.seller.sells[1].amount)
	waitFor(t, func() bool { return !h.engine.Holding(p.Key) })
	waitFor(t, func() bool { return h.unsub.count() == 1 })
	assert.Equal(t, p.Key, h.unsub.keys[0])
}

func TestEngine_SellFailureLeavesPositionOpen(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 50}}, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: time.Hour}, levels, time.Minute)
	h.seller.setErr(errors.New("blockhash expired"))

	p := openPosition(1_000_000, 1.0)
	require.NoError(t, h.engine.Open(p))
	h.cache.Put(p.Key, 1.6)

	h.engine.Tick(context.Background())
	waitFor(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.inflight) == 0
	})

	// Nothing committed: still open, full size, level unarmed.
	assert.True(t, h.engine.Holding(p.Key))
	assert.Equal(t, uint64(1_000_000), p.RemainingAmount)
	assert.Empty(t, p.TriggeredTP)
	assert.Zero(t, h.seller.forcedCount())

	// The level fires again once sells recover.
	h.seller.setErr(nil)
	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 1 })
	assert.Equal(t, uint64(500_000), h.seller.sells[0].amount)
}

func TestEngine_TimeoutUsesStalePrice(t *testing.T) {
	levels := NewLevels(nil, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: 10 * time.Millisecond}, levels, time.Millisecond)

	p := openPosition(1_000_000, 1.0)
	p.BuyTime = time.Now().Add(-time.Minute)
	require.NoError(t, h.engine.Open(p))

	// Let the pushed price age past the TTL; the fetcher is down.
	h.cache.Put(p.Key, 0.8)
	time.Sleep(5 * time.Millisecond)

	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 1 })

	assert.Equal(t, "timeout", h.seller.sells[0].reason)
	assert.Equal(t, uint64(1_000_000), h.seller.sells[0].amount)
	assert.Equal(t, 0.8, h.seller.sells[0].price)
	waitFor(t, func() bool { return !h.engine.Holding(p.Key) })
}

func TestEngine_TimeoutNeverFetches(t *testing.T) {
	levels := NewLevels(nil, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: 10 * time.Millisecond, FetchTimeout: time.Second}, levels, time.Millisecond)

	// The fetcher answers, slowly and with a wild price. A timed-out
	// position must ignore it and exit on the stale push immediately.
	h.fetcher.err = nil
	h.fetcher.price = 9.9
	h.fetcher.delay = 400 * time.Millisecond

	p := openPosition(1_000_000, 1.0)
	p.BuyTime = time.Now().Add(-time.Minute)
	require.NoError(t, h.engine.Open(p))

	h.cache.Put(p.Key, 0.8)
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 1 })

	assert.Equal(t, 0.8, h.seller.sells[0].price)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestEngine_TimeoutSellFailureForcesClose(t *testing.T) {
	levels := NewLevels(nil, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: 10 * time.Millisecond}, levels, time.Minute)
	h.seller.setErr(errors.New("node rejected"))

	p := openPosition(1_000_000, 1.0)
	p.BuyTime = time.Now().Add(-time.Minute)
	require.NoError(t, h.engine.Open(p))

	// No cached price at all: the forced exit books at the buy price.
	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.forcedCount() == 1 })

	assert.Equal(t, uint64(1_000_000), h.seller.forced[0].amount)
	assert.Equal(t, 1.0, h.seller.forced[0].price)
	waitFor(t, func() bool { return !h.engine.Holding(p.Key) })
	waitFor(t, func() bool { return h.unsub.count() == 1 })
}

func TestEngine_SkipsTickWithoutPrice(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 100}}, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: time.Hour}, levels, time.Minute)

	p := openPosition(1_000_000, 1.0)
	require.NoError(t, h.engine.Open(p))

	// Cache empty, fetcher erroring, position not timed out: nothing happens.
	h.engine.Tick(context.Background())
	waitFor(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.inflight) == 0
	})
	assert.Zero(t, h.seller.sellCount())
	assert.True(t, h.engine.Holding(p.Key))
}

func TestEngine_FetcherFillsCacheMiss(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 100}}, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: time.Hour}, levels, time.Minute)
	h.fetcher.err = nil
	h.fetcher.price = 1.7

	p := openPosition(1_000_000, 1.0)
	require.NoError(t, h.engine.Open(p))

	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 1 })
	assert.Equal(t, 1.7, h.seller.sells[0].price)
}

func TestEngine_ExpireForcesTimeoutExit(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 50}}, nil)
	h := newEngineHarness(t, EngineConfig{Timeout: time.Hour}, levels, time.Minute)

	p := openPosition(1_000_000, 1.0)
	require.NoError(t, h.engine.Open(p))
	h.cache.Put(p.Key, 1.2)

	h.engine.Expire(p.Key)
	h.engine.Tick(context.Background())
	waitFor(t, func() bool { return h.seller.sellCount() == 1 })

	assert.Equal(t, "timeout", h.seller.sells[0].reason)
	assert.Equal(t, uint64(1_000_000), h.seller.sells[0].amount)
	waitFor(t, func() bool { return !h.engine.Holding(p.Key) })
}

func TestEngine_TickMetricCountsTicks(t *testing.T) {
	cache, err := pricecache.New(16, time.Minute)
	require.NoError(t, err)
	metrics := observability.NewMetrics("ticktest")
	engine := NewEngine(EngineConfig{Timeout: time.Hour, MaxHeldCoins: 5}, NewLevels(nil, nil),
		cache, &fakeFetcher{err: errors.New("rpc down")}, &fakeSeller{}, &fakeUnsub{}, nil, metrics)

	require.NoError(t, engine.Open(openPosition(1_000_000, 1.0)))
	require.NoError(t, engine.Open(openPosition(2_000_000, 1.0)))

	engine.Tick(context.Background())
	engine.Tick(context.Background())

	// One increment per tick, not per evaluated position.
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EvaluationTicks))
}

func TestEngine_OpenLimits(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{Timeout: time.Hour, MaxHeldCoins: 1}, NewLevels(nil, nil), time.Minute)

	p := openPosition(1_000_000, 1.0)
	require.NoError(t, h.engine.Open(p))
	assert.ErrorIs(t, h.engine.Open(p), ErrTooManyPositions)

	h2 := newEngineHarness(t, EngineConfig{Timeout: time.Hour, MaxHeldCoins: 5}, NewLevels(nil, nil), time.Minute)
	require.NoError(t, h2.engine.Open(p))
	assert.ErrorIs(t, h2.engine.Open(p), ErrDuplicatePosition)
}
