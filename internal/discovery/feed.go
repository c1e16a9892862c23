// Package discovery consumes the PumpPortal new-token stream. The feed is the
// only part of the system that deals with PumpPortal's loosely specified JSON,
// so all the field-name tolerance lives here and the rest of the code sees a
// validated TokenEvent.
package discovery

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

// TokenEvent is one newly created token.
type TokenEvent struct {
	Mint    solana.PublicKey
	Creator *solana.PublicKey
	Name    string
	Symbol  string
	At      time.Time
}

// Handler receives events from the feed's read loop and must not block.
type Handler func(TokenEvent)

type FeedConfig struct {
	URL            string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

func DefaultFeedConfig(url string) FeedConfig {
	return FeedConfig{
		URL:            url,
		ReconnectDelay: 2 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Feed maintains a subscription to the new-token stream, reconnecting with a
// fixed delay until its context is cancelled.
type Feed struct {
	cfg     FeedConfig
	handler Handler
	log     logger
}

type logger interface {
	Printf(format string, v ...any)
}

func NewFeed(cfg FeedConfig, handler Handler, log logger) *Feed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Feed{cfg: cfg, handler: handler, log: log}
}

// Run blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Printf("new-token feed: %v, reconnecting in %s", err, f.cfg.ReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Tear the read loop down when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := conn.WriteJSON(map[string]string{"method": "subscribeNewToken"}); err != nil {
		return err
	}
	f.log.Printf("subscribed to new-token stream at %s", f.cfg.URL)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok := ParseTokenEvent(data)
		if !ok {
			continue
		}
		f.handler(ev)
	}
}

// ParseTokenEvent extracts a token creation from a raw stream message. The
// message is skipped, not failed, when it carries no usable mint: the stream
// interleaves acks and unrelated notifications with token events.
func ParseTokenEvent(data []byte) (TokenEvent, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return TokenEvent{}, false
	}

	mintStr, ok := firstString(raw,
		"mint", "mintAddress", "tokenMint", "mintAddr", "mint_addr",
		"mintPubkey", "mint_pubkey", "token_mint")
	if !ok {
		return TokenEvent{}, false
	}
	mint, ok := sanitizeMint(mintStr)
	if !ok {
		return TokenEvent{}, false
	}

	ev := TokenEvent{Mint: mint, At: time.Now()}

	if creatorStr, ok := firstString(raw,
		"traderPublicKey", "creator", "creatorPubkey", "creatorAddress", "trader"); ok {
		if creator, err := solana.PublicKeyFromBase58(strings.TrimSpace(creatorStr)); err == nil {
			ev.Creator = &creator
		}
	}
	ev.Name, _ = firstString(raw, "name", "tokenName")
	ev.Symbol, _ = firstString(raw, "symbol", "tokenSymbol")
	return ev, true
}

func firstString(raw map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

// sanitizeMint copes with noisy mint values: surrounding whitespace, trailing
// punctuation, and a decorative "pump" suffix glued onto the address. Many
// real pump.fun mints legitimately end in "pump", so the suffix is stripped
// only when the value does not parse as-is.
func sanitizeMint(s string) (solana.PublicKey, bool) {
	s = trimJunk(s)
	for {
		if pk, err := solana.PublicKeyFromBase58(s); err == nil {
			return pk, true
		}
		low := strings.ToLower(s)
		if !strings.HasSuffix(low, "pump") {
			return solana.PublicKey{}, false
		}
		s = trimJunk(s[:len(s)-4])
		if s == "" {
			return solana.PublicKey{}, false
		}
	}
}

func trimJunk(s string) string {
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		c := s[len(s)-1]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
