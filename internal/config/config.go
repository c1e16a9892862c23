// Package config defines the immutable runtime settings for the trading
// engine and provides loading and validation helpers. Settings are read once
// at startup from a TOML file and passed to components at construction; there
// is no global configuration state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mr-tron/base58"
)

// Settings is the root configuration value.
type Settings struct {
	// Endpoints.
	SolanaRPCURLs []string `toml:"solana_rpc_urls"`
	SolanaWSURLs  []string `toml:"solana_ws_urls"`

	// New-token discovery stream.
	PumpPortalURL string `toml:"pumpportal_url"`

	// Program under watch.
	PumpFunProgram string `toml:"pump_fun_program"`

	// Trading identity. DryRun signs but never submits.
	WalletPrivateKey string `toml:"wallet_private_key"`
	DryRun           bool   `toml:"dry_run"`

	// Subscription multiplexer.
	MaxSubsPerWSS           int   `toml:"max_subs_per_wss"`
	SubTTLSecs              int64 `toml:"sub_ttl_secs"`
	WSSSubscribeTimeoutSecs int64 `toml:"wss_subscribe_timeout_secs"`

	// Price cache.
	CacheCapacity     int   `toml:"cache_capacity"`
	PriceCacheTTLSecs int64 `toml:"price_cache_ttl_secs"`

	// Exit rules.
	TPLevels    []ExitLevel `toml:"tp_levels"`
	SLLevels    []ExitLevel `toml:"sl_levels"`
	TimeoutSecs int64       `toml:"timeout_secs"`

	// Buy sizing.
	BuyAmountSOL float64 `toml:"buy_amount"`
	SlippageBps  uint64  `toml:"slippage_bps"`
	MaxHeldCoins int     `toml:"max_held_coins"`

	// Price fetch fallback bound during exit evaluation.
	PriceFetchTimeoutSecs int64 `toml:"price_fetch_timeout_secs"`

	// Optional persistence.
	PostgresDSN   string `toml:"postgres_dsn"`
	ClickHouseDSN string `toml:"clickhouse_dsn"`

	// Observability.
	MetricsAddr string `toml:"metrics_addr"`
}

// ExitLevel is one partial-exit rule: once profit crosses TriggerPercent,
// SellPercent of the original position size is liquidated.
type ExitLevel struct {
	TriggerPercent float64 `toml:"trigger_percent"`
	SellPercent    float64 `toml:"sell_percent"`
}

// Load reads and validates settings from a TOML file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates settings from TOML bytes.
func Parse(data []byte) (*Settings, error) {
	s := defaults()
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaults() *Settings {
	return &Settings{
		PumpPortalURL:           "wss://pumpportal.fun/api/data",
		MaxSubsPerWSS:           25,
		SubTTLSecs:              300,
		WSSSubscribeTimeoutSecs: 10,
		CacheCapacity:           512,
		PriceCacheTTLSecs:       60,
		TimeoutSecs:             3600,
		BuyAmountSOL:            0.1,
		SlippageBps:             500,
		MaxHeldCoins:            10,
		PriceFetchTimeoutSecs:   5,
		MetricsAddr:             ":9090",
	}
}

// Validate checks invariants that later components rely on.
func (s *Settings) Validate() error {
	if len(s.SolanaRPCURLs) == 0 {
		return fmt.Errorf("config: at least one solana_rpc_urls entry is required")
	}
	if len(s.SolanaWSURLs) == 0 {
		return fmt.Errorf("config: at least one solana_ws_urls entry is required")
	}
	if s.PumpFunProgram == "" {
		return fmt.Errorf("config: pump_fun_program is required")
	}
	if err := validatePubkey(s.PumpFunProgram); err != nil {
		return fmt.Errorf("config: pump_fun_program: %w", err)
	}
	if s.WalletPrivateKey == "" && !s.DryRun {
		return fmt.Errorf("config: wallet_private_key is required unless dry_run is set")
	}
	if s.MaxSubsPerWSS <= 0 {
		return fmt.Errorf("config: max_subs_per_wss must be positive, got %d", s.MaxSubsPerWSS)
	}
	if s.CacheCapacity <= 0 {
		return fmt.Errorf("config: cache_capacity must be positive, got %d", s.CacheCapacity)
	}
	if s.PriceCacheTTLSecs <= 0 {
		return fmt.Errorf("config: price_cache_ttl_secs must be positive, got %d", s.PriceCacheTTLSecs)
	}
	if s.TimeoutSecs <= 0 {
		return fmt.Errorf("config: timeout_secs must be positive, got %d", s.TimeoutSecs)
	}
	for i, lvl := range s.TPLevels {
		if lvl.TriggerPercent <= 0 {
			return fmt.Errorf("config: tp_levels[%d].trigger_percent must be positive, got %v", i, lvl.TriggerPercent)
		}
		if lvl.SellPercent <= 0 || lvl.SellPercent > 100 {
			return fmt.Errorf("config: tp_levels[%d].sell_percent must be in (0, 100], got %v", i, lvl.SellPercent)
		}
	}
	for i, lvl := range s.SLLevels {
		if lvl.TriggerPercent >= 0 {
			return fmt.Errorf("config: sl_levels[%d].trigger_percent must be negative, got %v", i, lvl.TriggerPercent)
		}
		if lvl.SellPercent <= 0 || lvl.SellPercent > 100 {
			return fmt.Errorf("config: sl_levels[%d].sell_percent must be in (0, 100], got %v", i, lvl.SellPercent)
		}
	}
	return nil
}

func validatePubkey(s string) error {
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("decode base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("decoded to %d bytes, want 32", len(raw))
	}
	return nil
}

// Duration helpers so components take time.Duration instead of raw seconds.

func (s *Settings) SubTTL() time.Duration { return time.Duration(s.SubTTLSecs) * time.Second }

func (s *Settings) SubscribeTimeout() time.Duration {
	return time.Duration(s.WSSSubscribeTimeoutSecs) * time.Second
}

func (s *Settings) PriceCacheTTL() time.Duration {
	return time.Duration(s.PriceCacheTTLSecs) * time.Second
}

func (s *Settings) PositionTimeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

func (s *Settings) PriceFetchTimeout() time.Duration {
	return time.Duration(s.PriceFetchTimeoutSecs) * time.Second
}
