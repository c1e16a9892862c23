package stream

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MSB0095/sol-beast-sub000/internal/observability"
)

// seenSignatures bounds the discovery dedup set.
const seenSignatures = 4096

// PoolConfig configures a Pool.
type PoolConfig struct {
	URLs     []string
	Program  solana.PublicKey
	Endpoint EndpointConfig
}

// Pool fans subscriptions out over several endpoints. New subscriptions go
// to the best-scoring endpoint; when every score is non-positive the pool
// falls back to round-robin so a fully degraded fleet still makes progress.
type Pool struct {
	endpoints []*Endpoint
	log       *log.Logger

	rr atomic.Uint64

	// index maps logical key to owning endpoint; guarded because subscribe
	// and unsubscribe race from different callers.
	mu    sync.Mutex
	index map[string]*Endpoint

	seen *lru.Cache[string, struct{}]
}

// NewPool dials every URL and starts the endpoints. Log events are
// deduplicated by signature before reaching handlers.OnLogs: with several
// endpoints watching the same program, every event arrives once per endpoint.
func NewPool(ctx context.Context, cfg PoolConfig, handlers Handlers, logger *log.Logger, metrics *observability.Metrics) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = log.Default()
	}

	seen, err := lru.New[string, struct{}](seenSignatures)
	if err != nil {
		return nil, fmt.Errorf("stream: seen set: %w", err)
	}

	p := &Pool{
		log:   logger,
		index: make(map[string]*Endpoint),
		seen:  seen,
	}

	wrapped := Handlers{
		OnPrice: handlers.OnPrice,
		OnLogs:  p.dedupLogs(handlers.OnLogs),
	}

	for _, url := range cfg.URLs {
		e, err := NewEndpoint(ctx, url, cfg.Program, cfg.Endpoint, wrapped, logger, metrics)
		if err != nil {
			for _, prev := range p.endpoints {
				prev.Close()
			}
			return nil, err
		}
		p.endpoints = append(p.endpoints, e)
	}
	return p, nil
}

func (p *Pool) dedupLogs(next func(LogEvent)) func(LogEvent) {
	if next == nil {
		return nil
	}
	return func(ev LogEvent) {
		if ev.Signature != "" {
			if _, dup := p.seen.Get(ev.Signature); dup {
				return
			}
			p.seen.Add(ev.Signature, struct{}{})
		}
		next(ev)
	}
}

// Subscribe places an account subscription on the best endpoint, trying
// lower-ranked ones when the choice fails. The logical key must be unique
// across the pool.
func (p *Pool) Subscribe(ctx context.Context, account solana.PublicKey, key string, pinned bool) (int64, error) {
	// Claim the key up front so a concurrent Subscribe for the same key fails
	// instead of both racing onto endpoints. A nil entry marks the claim.
	p.mu.Lock()
	if _, exists := p.index[key]; exists {
		p.mu.Unlock()
		return 0, fmt.Errorf("stream: key %q already subscribed", key)
	}
	p.index[key] = nil
	p.mu.Unlock()

	var lastErr error
	for _, e := range p.ranked() {
		subID, err := e.Subscribe(ctx, account, key, pinned)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				p.release(key)
				return 0, err
			}
			continue
		}
		p.mu.Lock()
		p.index[key] = e
		p.mu.Unlock()
		return subID, nil
	}
	p.release(key)
	return 0, fmt.Errorf("stream: subscribe %q failed on all endpoints: %w", key, lastErr)
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	if e, ok := p.index[key]; ok && e == nil {
		delete(p.index, key)
	}
	p.mu.Unlock()
}

// Unsubscribe tears down the subscription registered under key.
func (p *Pool) Unsubscribe(ctx context.Context, key string) error {
	p.mu.Lock()
	e, ok := p.index[key]
	if ok && e != nil {
		delete(p.index, key)
	}
	p.mu.Unlock()

	// A nil entry is a Subscribe still in flight; its owner cleans it up.
	if !ok || e == nil {
		return ErrUnknownKey
	}
	return e.UnsubscribeKey(ctx, key)
}

// ranked orders endpoints best-first. When no endpoint scores positive, the
// rotation pointer picks the starting endpoint instead.
func (p *Pool) ranked() []*Endpoint {
	type scored struct {
		e     *Endpoint
		score int
	}
	all := make([]scored, len(p.endpoints))
	anyPositive := false
	for i, e := range p.endpoints {
		s := e.score()
		all[i] = scored{e: e, score: s}
		if s > 0 {
			anyPositive = true
		}
	}

	if !anyPositive {
		start := int(p.rr.Add(1)) % len(p.endpoints)
		out := make([]*Endpoint, 0, len(p.endpoints))
		for i := 0; i < len(p.endpoints); i++ {
			out = append(out, p.endpoints[(start+i)%len(p.endpoints)])
		}
		return out
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	out := make([]*Endpoint, len(all))
	for i, s := range all {
		out[i] = s.e
	}
	return out
}

// Health reports per-endpoint health keyed by URL.
func (p *Pool) Health() map[string]Health {
	out := make(map[string]Health, len(p.endpoints))
	for _, e := range p.endpoints {
		out[e.URL()] = e.Health()
	}
	return out
}

// Close shuts down every endpoint.
func (p *Pool) Close() error {
	var firstErr error
	for _, e := range p.endpoints {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
