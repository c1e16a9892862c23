// Package stream multiplexes account and log subscriptions over a pool of
// WebSocket endpoints. Each endpoint's socket loop is single-owner: one
// goroutine reads frames, services control requests, and runs the periodic
// TTL sweep via one select, so the subscription tables need no locks.
//
// The subscribe protocol acks by caller-chosen request id while notifications
// reference the server's durable subscription id, so a placeholder entry is
// registered under the request id at send time and remapped to the durable id
// when the ack arrives.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/MSB0095/sol-beast-sub000/internal/curve"
	"github.com/MSB0095/sol-beast-sub000/internal/observability"
)

const (
	// Request ids start above the low range some providers reserve for
	// their own bookkeeping frames.
	initialRequestID = 1000

	maxSweepInterval = 30 * time.Second
)

// EndpointConfig configures one endpoint's limits and timers.
type EndpointConfig struct {
	// MaxSubs caps concurrent subscriptions, placeholders included.
	MaxSubs int
	// SubTTL expires account subscriptions that produced no notification.
	SubTTL time.Duration
	// SubscribeTimeout bounds the wait for a subscribe ack.
	SubscribeTimeout time.Duration
	// ReconnectDelay is the fixed backoff before a redial.
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// DefaultEndpointConfig returns production defaults.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		MaxSubs:          25,
		SubTTL:           5 * time.Minute,
		SubscribeTimeout: 10 * time.Second,
		ReconnectDelay:   2 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// PriceUpdate is one decoded curve-state notification.
type PriceUpdate struct {
	Key   string
	State *curve.State
	// Price is 0 when the curve has migrated or has no token reserves.
	Price float64
	Slot  int64
	At    time.Time
}

// LogEvent is one program log notification.
type LogEvent struct {
	Signature string
	Logs      []string
	Err       interface{}
	Slot      int64
}

// Handlers receive decoded notifications. They are called from the endpoint
// loop and must not block.
type Handlers struct {
	OnPrice func(PriceUpdate)
	OnLogs  func(LogEvent)
}

// Health is a point-in-time snapshot of an endpoint's counters.
type Health struct {
	Active         int
	Pending        int
	RecentTimeouts int
	Healthy        bool
}

// subEntry is one acknowledged subscription, keyed by durable id.
type subEntry struct {
	account    solana.PublicKey
	key        string
	pinned     bool
	lastUpdate time.Time
}

// pendingSub is a placeholder registered under the request id until the ack
// delivers the durable id.
type pendingSub struct {
	account solana.PublicKey
	key     string
	pinned  bool
	respond chan controlResult // nil for loop-internal resubscribes
	issued  time.Time
}

type controlKind int

const (
	ctrlSubscribe controlKind = iota
	ctrlUnsubscribe
	ctrlUnsubscribeKey
)

type controlRequest struct {
	kind    controlKind
	account solana.PublicKey
	key     string
	pinned  bool
	subID   int64
	respond chan controlResult
}

type controlResult struct {
	subID int64
	err   error
}

// Endpoint is one live WebSocket connection with its subscription tables.
type Endpoint struct {
	url      string
	program  solana.PublicKey
	cfg      EndpointConfig
	handlers Handlers
	log      *log.Logger
	metrics  *observability.Metrics

	ctrl chan controlRequest
	done chan struct{}
	wg   sync.WaitGroup

	closed atomic.Bool

	// Mirrors of the loop-owned counters, read by the pool scorer.
	active    atomic.Int64
	pending   atomic.Int64
	timeouts  atomic.Int64
	connected atomic.Bool
}

// NewEndpoint dials url and starts the endpoint loop. A logs-level
// subscription for program is issued on every (re)connect.
func NewEndpoint(ctx context.Context, url string, program solana.PublicKey, cfg EndpointConfig, handlers Handlers, logger *log.Logger, metrics *observability.Metrics) (*Endpoint, error) {
	e := &Endpoint{
		url:      url,
		program:  program,
		cfg:      cfg,
		handlers: handlers,
		log:      logger,
		metrics:  metrics,
		ctrl:     make(chan controlRequest),
		done:     make(chan struct{}),
	}
	if e.log == nil {
		e.log = log.Default()
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.run(conn)
	return e, nil
}

// URL returns the endpoint address, used as a metrics label.
func (e *Endpoint) URL() string { return e.url }

func (e *Endpoint) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", e.url, err)
	}
	return conn, nil
}

// Subscribe registers an account subscription under a logical key and waits
// for the durable id. Pinned subscriptions survive reconnects and are exempt
// from the TTL sweep; use them for accounts backing open positions.
func (e *Endpoint) Subscribe(ctx context.Context, account solana.PublicKey, key string, pinned bool) (int64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	respond := make(chan controlResult, 1)
	req := controlRequest{kind: ctrlSubscribe, account: account, key: key, pinned: pinned, respond: respond}

	select {
	case e.ctrl <- req:
	case <-e.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	timer := time.NewTimer(e.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case res := <-respond:
		return res.subID, res.err
	case <-timer.C:
		return 0, ErrSubscribeTimeout
	case <-e.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Unsubscribe tears down a subscription by durable id.
func (e *Endpoint) Unsubscribe(ctx context.Context, subID int64) error {
	if e.closed.Load() {
		return ErrClosed
	}

	respond := make(chan controlResult, 1)
	req := controlRequest{kind: ctrlUnsubscribe, subID: subID, respond: respond}

	select {
	case e.ctrl <- req:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case res := <-respond:
		return res.err
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnsubscribeKey tears down the subscription registered under key. It
// survives reconnects, which reassign durable ids.
func (e *Endpoint) UnsubscribeKey(ctx context.Context, key string) error {
	if e.closed.Load() {
		return ErrClosed
	}

	respond := make(chan controlResult, 1)
	req := controlRequest{kind: ctrlUnsubscribeKey, key: key, respond: respond}

	select {
	case e.ctrl <- req:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case res := <-respond:
		return res.err
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns the endpoint's current counters.
func (e *Endpoint) Health() Health {
	return Health{
		Active:         int(e.active.Load()),
		Pending:        int(e.pending.Load()),
		RecentTimeouts: int(e.timeouts.Load()),
		Healthy:        e.connected.Load(),
	}
}

// score ranks the endpoint for new subscriptions. Negative means avoid.
func (e *Endpoint) score() int {
	h := e.Health()
	score := 100 - 30*h.RecentTimeouts - 15*h.Pending
	if h.Active >= e.cfg.MaxSubs {
		score -= 1000
	}
	if h.Healthy {
		score += 50
	}
	return score
}

// Close stops the loop and closes the connection.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.done)
	e.wg.Wait()
	return nil
}

// startReader pumps raw frames from conn until read error. One reader per
// connection; it dies with the connection.
func (e *Endpoint) startReader(conn *websocket.Conn) (<-chan []byte, <-chan error) {
	msgs := make(chan []byte, 256)
	errs := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				select {
				case errs <- err:
				case <-e.done:
				}
				return
			}
			select {
			case msgs <- message:
			case <-e.done:
				return
			}
		}
	}()
	return msgs, errs
}

func (e *Endpoint) writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// run is the endpoint loop: sole owner of the subscription tables.
func (e *Endpoint) run(conn *websocket.Conn) {
	defer e.wg.Done()
	defer func() {
		if conn != nil {
			conn.Close()
		}
		e.connected.Store(false)
	}()

	subs := make(map[int64]*subEntry)
	placeholders := make(map[uint64]*pendingSub)
	reqID := uint64(initialRequestID)
	nextReqID := func() uint64 {
		reqID++
		return reqID
	}

	sweepInterval := e.cfg.SubTTL
	if sweepInterval > maxSweepInterval {
		sweepInterval = maxSweepInterval
	}
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	ping := time.NewTicker(e.cfg.PingInterval)
	defer ping.Stop()

	e.connected.Store(true)
	if err := e.writeJSON(conn, subscribeLogsRequest(nextReqID(), e.program)); err != nil {
		e.log.Printf("logs subscribe on %s failed: %v", e.url, err)
	}

	msgs, errs := e.startReader(conn)

	for {
		select {
		case <-e.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case req := <-e.ctrl:
			switch req.kind {
			case ctrlSubscribe:
				if len(subs)+len(placeholders) >= e.cfg.MaxSubs {
					req.respond <- controlResult{err: ErrAtCapacity}
					continue
				}
				id := nextReqID()
				if err := e.writeJSON(conn, subscribeAccountRequest(id, req.account)); err != nil {
					req.respond <- controlResult{err: fmt.Errorf("stream: send subscribe: %w", err)}
					continue
				}
				placeholders[id] = &pendingSub{
					account: req.account,
					key:     req.key,
					pinned:  req.pinned,
					respond: req.respond,
					issued:  time.Now(),
				}
				e.pending.Store(int64(len(placeholders)))

			case ctrlUnsubscribe:
				if _, ok := subs[req.subID]; !ok {
					req.respond <- controlResult{err: ErrUnknownSubscription}
					continue
				}
				delete(subs, req.subID)
				e.active.Store(int64(len(subs)))
				if err := e.writeJSON(conn, unsubscribeAccountRequest(nextReqID(), req.subID)); err != nil {
					req.respond <- controlResult{err: fmt.Errorf("stream: send unsubscribe: %w", err)}
					continue
				}
				req.respond <- controlResult{subID: req.subID}

			case ctrlUnsubscribeKey:
				// Durable ids are reassigned on reconnect, so teardown by
				// logical key is the stable form.
				var found int64
				for id, entry := range subs {
					if entry.key == req.key {
						found = id
						break
					}
				}
				if found == 0 {
					req.respond <- controlResult{err: ErrUnknownKey}
					continue
				}
				delete(subs, found)
				e.active.Store(int64(len(subs)))
				if err := e.writeJSON(conn, unsubscribeAccountRequest(nextReqID(), found)); err != nil {
					req.respond <- controlResult{err: fmt.Errorf("stream: send unsubscribe: %w", err)}
					continue
				}
				req.respond <- controlResult{subID: found}
			}
			e.updateGauges(subs, placeholders)

		case message := <-msgs:
			e.handleMessage(message, subs, placeholders)
			e.updateGauges(subs, placeholders)

		case err := <-errs:
			if e.closed.Load() {
				return
			}
			e.log.Printf("connection to %s lost: %v", e.url, err)
			e.connected.Store(false)
			conn.Close()

			next, ok := e.redial()
			if !ok {
				return
			}
			conn = next
			e.connected.Store(true)
			if e.metrics != nil {
				e.metrics.Reconnects.Inc()
			}

			if err := e.writeJSON(conn, subscribeLogsRequest(nextReqID(), e.program)); err != nil {
				e.log.Printf("logs resubscribe on %s failed: %v", e.url, err)
			}

			// Durable ids died with the old connection. Re-issue pinned
			// subscriptions as fresh placeholders; everything else is
			// dropped and will be re-requested on demand.
			for id, entry := range subs {
				delete(subs, id)
				if !entry.pinned {
					continue
				}
				newID := nextReqID()
				if err := e.writeJSON(conn, subscribeAccountRequest(newID, entry.account)); err != nil {
					e.log.Printf("resubscribe %s on %s failed: %v", entry.key, e.url, err)
					continue
				}
				placeholders[newID] = &pendingSub{
					account: entry.account,
					key:     entry.key,
					pinned:  true,
					issued:  time.Now(),
				}
			}
			e.active.Store(int64(len(subs)))
			e.pending.Store(int64(len(placeholders)))
			e.updateGauges(subs, placeholders)

			msgs, errs = e.startReader(conn)

		case now := <-sweep.C:
			for id, p := range placeholders {
				if now.Sub(p.issued) < e.cfg.SubscribeTimeout {
					continue
				}
				delete(placeholders, id)
				e.timeouts.Add(1)
				if e.metrics != nil {
					e.metrics.SubscribeTimeouts.Inc()
				}
				if p.respond != nil {
					p.respond <- controlResult{err: ErrSubscribeTimeout}
				}
			}
			for id, s := range subs {
				if s.pinned || now.Sub(s.lastUpdate) < e.cfg.SubTTL {
					continue
				}
				delete(subs, id)
				if err := e.writeJSON(conn, unsubscribeAccountRequest(nextReqID(), id)); err != nil {
					e.log.Printf("sweep unsubscribe %s on %s failed: %v", s.key, e.url, err)
				}
			}
			e.active.Store(int64(len(subs)))
			e.pending.Store(int64(len(placeholders)))
			e.updateGauges(subs, placeholders)

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// redial reconnects after the fixed backoff, retrying until shutdown.
func (e *Endpoint) redial() (*websocket.Conn, bool) {
	for {
		select {
		case <-e.done:
			return nil, false
		case <-time.After(e.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := e.dial(ctx)
		cancel()
		if err == nil {
			return conn, true
		}
		e.log.Printf("reconnect to %s failed: %v", e.url, err)
	}
}

func (e *Endpoint) handleMessage(message []byte, subs map[int64]*subEntry, placeholders map[uint64]*pendingSub) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		e.log.Printf("malformed frame from %s: %v", e.url, err)
		return
	}

	switch env.Method {
	case "accountNotification":
		e.handleAccountNotification(env.Params, subs)
	case "logsNotification":
		e.handleLogsNotification(env.Params)
	case "":
		if env.ID != 0 {
			e.handleAck(&env, subs, placeholders)
		}
	}
}

// handleAck remaps a placeholder to its durable subscription id.
func (e *Endpoint) handleAck(env *wsEnvelope, subs map[int64]*subEntry, placeholders map[uint64]*pendingSub) {
	p, ok := placeholders[env.ID]
	if !ok {
		// Ack for the logs subscription or an unsubscribe; nothing to route.
		return
	}
	delete(placeholders, env.ID)
	e.pending.Store(int64(len(placeholders)))

	if env.Error != nil {
		if p.respond != nil {
			p.respond <- controlResult{err: env.Error}
		}
		return
	}

	var durable int64
	if err := json.Unmarshal(env.Result, &durable); err != nil || durable == 0 {
		if p.respond != nil {
			p.respond <- controlResult{err: ErrNoDurableID}
		}
		return
	}

	subs[durable] = &subEntry{
		account:    p.account,
		key:        p.key,
		pinned:     p.pinned,
		lastUpdate: time.Now(),
	}
	e.active.Store(int64(len(subs)))

	// A clean ack is evidence the node recovered; decay its bad mark.
	if t := e.timeouts.Load(); t > 0 {
		e.timeouts.Store(t - 1)
	}

	if p.respond != nil {
		p.respond <- controlResult{subID: durable}
	}
}

func (e *Endpoint) handleAccountNotification(raw json.RawMessage, subs map[int64]*subEntry) {
	var params accountNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		e.log.Printf("malformed account notification from %s: %v", e.url, err)
		return
	}
	if e.metrics != nil {
		e.metrics.AccountNotifications.Inc()
	}

	entry, ok := subs[params.Subscription]
	if !ok {
		return
	}
	entry.lastUpdate = time.Now()

	if len(params.Result.Value.Data) < 1 {
		return
	}
	data, err := base64.StdEncoding.DecodeString(params.Result.Value.Data[0])
	if err != nil {
		e.log.Printf("bad account data for %s: %v", entry.key, err)
		if e.metrics != nil {
			e.metrics.DecodeErrors.Inc()
		}
		return
	}

	state, err := curve.DecodeState(data)
	if err != nil {
		e.log.Printf("decode curve state for %s: %v", entry.key, err)
		if e.metrics != nil {
			e.metrics.DecodeErrors.Inc()
		}
		return
	}

	// Migrated or empty curves carry price 0; the state still flows through
	// so the exit engine can react to migration.
	price, _ := state.SpotPrice()

	if e.handlers.OnPrice != nil {
		e.handlers.OnPrice(PriceUpdate{
			Key:   entry.key,
			State: state,
			Price: price,
			Slot:  params.Result.Context.Slot,
			At:    time.Now(),
		})
	}
}

func (e *Endpoint) handleLogsNotification(raw json.RawMessage) {
	var params logsNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		e.log.Printf("malformed logs notification from %s: %v", e.url, err)
		return
	}
	if e.metrics != nil {
		e.metrics.LogNotifications.Inc()
	}
	if e.handlers.OnLogs != nil {
		e.handlers.OnLogs(LogEvent{
			Signature: params.Result.Value.Signature,
			Logs:      params.Result.Value.Logs,
			Err:       params.Result.Value.Err,
			Slot:      params.Result.Context.Slot,
		})
	}
}

func (e *Endpoint) updateGauges(subs map[int64]*subEntry, placeholders map[uint64]*pendingSub) {
	if e.metrics == nil {
		return
	}
	e.metrics.ActiveSubscriptions.WithLabelValues(e.url).Set(float64(len(subs)))
	e.metrics.PendingSubscriptions.WithLabelValues(e.url).Set(float64(len(placeholders)))
}
