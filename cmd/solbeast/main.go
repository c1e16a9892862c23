package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/MSB0095/sol-beast-sub000/internal/chain"
	"github.com/MSB0095/sol-beast-sub000/internal/config"
	"github.com/MSB0095/sol-beast-sub000/internal/discovery"
	"github.com/MSB0095/sol-beast-sub000/internal/observability"
	"github.com/MSB0095/sol-beast-sub000/internal/position"
	"github.com/MSB0095/sol-beast-sub000/internal/pricecache"
	"github.com/MSB0095/sol-beast-sub000/internal/pricehistory"
	"github.com/MSB0095/sol-beast-sub000/internal/pumpfun"
	"github.com/MSB0095/sol-beast-sub000/internal/stream"
	"github.com/MSB0095/sol-beast-sub000/internal/trade"
)

// launchSpotPrice is the spot price of a freshly created curve with the
// protocol's default virtual reserves (30 SOL against 1.073B tokens). Used
// to size the first buy when the curve account is not yet readable.
const launchSpotPrice = 30.0 / 1_073_000_000

func main() {
	configPath := flag.String("config", "solbeast.toml", "Path to TOML configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[solbeast] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Error: %v", err)
	}
	logger.Println("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Settings, logger *log.Logger) error {
	metrics := observability.NewMetrics("")

	program, err := solana.PublicKeyFromBase58(cfg.PumpFunProgram)
	if err != nil {
		return fmt.Errorf("parse pump_fun_program: %w", err)
	}

	wallet, err := loadWallet(cfg, logger)
	if err != nil {
		return err
	}
	logger.Printf("Trading as %s (dry_run=%v)", wallet.PublicKey(), cfg.DryRun)

	client, err := chain.NewHTTPClient(cfg.SolanaRPCURLs, chain.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create rpc client: %w", err)
	}
	fetcher := chain.NewPriceFetcher(client, program, cfg.PriceFetchTimeout())

	cache, err := pricecache.New(cfg.CacheCapacity, cfg.PriceCacheTTL())
	if err != nil {
		return err
	}

	var store trade.Store = trade.NewMemoryStore()
	if cfg.PostgresDSN != "" {
		pgStore, err := trade.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
		logger.Println("Persisting trades to PostgreSQL")
	}

	var sink *pricehistory.Sink
	if cfg.ClickHouseDSN != "" {
		sink, err = pricehistory.NewSink(ctx, cfg.ClickHouseDSN, pricehistory.DefaultSinkConfig(), logger)
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		defer sink.Close()
		logger.Println("Recording price ticks to ClickHouse")
	}

	doc, err := pumpfun.DefaultDocument()
	if err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}
	builder := pumpfun.NewBuilder(program, doc, logger)
	executor := trade.NewExecutor(builder, client, wallet, store, trade.ExecutorConfig{
		SlippageBps: cfg.SlippageBps,
		DryRun:      cfg.DryRun,
	}, logger, metrics)

	levels := position.NewLevels(exitLevels(cfg.TPLevels), exitLevels(cfg.SLLevels))

	// Assigned below; price updates only start once a position subscribes.
	var engine *position.Engine

	handlers := stream.Handlers{
		OnPrice: func(u stream.PriceUpdate) {
			if u.Price > 0 {
				cache.Put(u.Key, u.Price)
			}
			if u.State != nil && u.State.Complete && engine != nil {
				engine.Expire(u.Key)
			}
			if sink != nil && u.State != nil {
				sink.Record(pricehistory.Tick{
					Mint:          u.Key,
					Price:         u.Price,
					VirtualSol:    u.State.VirtualSolReserves,
					VirtualTokens: u.State.VirtualTokenReserves,
					Slot:          uint64(u.Slot),
					At:            u.At,
				})
			}
		},
	}

	endpointCfg := stream.DefaultEndpointConfig()
	endpointCfg.MaxSubs = cfg.MaxSubsPerWSS
	endpointCfg.SubTTL = cfg.SubTTL()
	endpointCfg.SubscribeTimeout = cfg.SubscribeTimeout()

	pool, err := stream.NewPool(ctx, stream.PoolConfig{
		URLs:     cfg.SolanaWSURLs,
		Program:  program,
		Endpoint: endpointCfg,
	}, handlers, logger, metrics)
	if err != nil {
		return fmt.Errorf("create subscription pool: %w", err)
	}
	defer pool.Close()

	engine = position.NewEngine(position.EngineConfig{
		Timeout:      cfg.PositionTimeout(),
		TickInterval: time.Second,
		FetchTimeout: cfg.PriceFetchTimeout(),
		MaxHeldCoins: cfg.MaxHeldCoins,
	}, levels, cache, fetcher, executor, pool, logger, metrics)

	entry := &entryHandler{
		cfg:      cfg,
		program:  program,
		engine:   engine,
		executor: executor,
		fetcher:  fetcher,
		pool:     pool,
		log:      logger,
	}
	feed := discovery.NewFeed(discovery.DefaultFeedConfig(cfg.PumpPortalURL), func(ev discovery.TokenEvent) {
		go entry.handle(ctx, ev)
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return feed.Run(ctx) })
	if sink != nil {
		g.Go(func() error { return sink.Run(ctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	}

	logger.Println("Engine running")
	return g.Wait()
}

// entryHandler buys into newly created tokens as they come off the feed.
type entryHandler struct {
	cfg      *config.Settings
	program  solana.PublicKey
	engine   *position.Engine
	executor *trade.Executor
	fetcher  *chain.PriceFetcher
	pool     *stream.Pool
	log      *log.Logger
}

func (h *entryHandler) handle(ctx context.Context, ev discovery.TokenEvent) {
	key := ev.Mint.String()
	if h.engine.Holding(key) {
		return
	}
	if h.cfg.MaxHeldCoins > 0 && h.engine.Count() >= h.cfg.MaxHeldCoins {
		return
	}

	// The curve account usually is not readable yet this soon after
	// creation; fall back to the launch-reserve price for sizing.
	price, err := h.fetcher.Price(ctx, ev.Mint)
	if err != nil {
		price = launchSpotPrice
	}

	lamports := uint64(h.cfg.BuyAmountSOL * 1e9)
	amount, sig, err := h.executor.Buy(ctx, ev.Mint, ev.Creator, lamports, price)
	if err != nil {
		h.log.Printf("Buy %s (%s): %v", key, ev.Symbol, err)
		return
	}
	h.log.Printf("Bought %d of %s (%s) at %.12f sig=%s", amount, key, ev.Symbol, price, sig)

	curveAddr, err := pumpfun.BondingCurveAddress(h.program, ev.Mint)
	if err != nil {
		h.log.Printf("Derive curve for %s: %v", key, err)
		return
	}
	if _, err := h.pool.Subscribe(ctx, curveAddr, key, true); err != nil {
		h.log.Printf("Subscribe %s: %v", key, err)
	}

	p := position.NewPosition(ev.Mint, ev.Creator, amount, price, time.Now())
	if err := h.engine.Open(p); err != nil {
		h.log.Printf("Open position %s: %v", key, err)
	}
}

func loadWallet(cfg *config.Settings, logger *log.Logger) (*chain.Wallet, error) {
	if cfg.WalletPrivateKey != "" {
		w, err := chain.LoadWallet(cfg.WalletPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("load wallet: %w", err)
		}
		return w, nil
	}
	// Dry run without a configured key: sign with a throwaway keypair.
	logger.Println("No wallet configured, using an ephemeral keypair")
	return chain.LoadWallet(solana.NewWallet().PrivateKey.String())
}

func exitLevels(in []config.ExitLevel) []position.ExitLevel {
	out := make([]position.ExitLevel, len(in))
	for i, lvl := range in {
		out[i] = position.ExitLevel{
			TriggerPercent: lvl.TriggerPercent,
			SellPercent:    lvl.SellPercent,
		}
	}
	return out
}

func serveMetrics(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("Starting metrics server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
