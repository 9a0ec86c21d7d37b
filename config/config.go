package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yitech/candlefeed/model/candle"
)

// Config is the complete service configuration.
type Config struct {
	Symbol       string           `yaml:"symbol"`
	Interval     string           `yaml:"interval"`
	HistoryCount int              `yaml:"history_count"`
	Log          LogConfig        `yaml:"log"`
	Server       ServerConfig     `yaml:"server"`
	Binance      BinanceConfig    `yaml:"binance"`
	CoinGecko    CoinGeckoConfig  `yaml:"coingecko"`
	OKX          OKXConfig        `yaml:"okx"`
	Bybit        BybitConfig      `yaml:"bybit"`
	History      HistoryConfig    `yaml:"history"`
	Live         LiveConfig       `yaml:"live"`
	Synth        SynthConfig      `yaml:"synth"`
	Aggregator   AggregatorConfig `yaml:"aggregator"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds the graceful stop before the server is
	// stopped hard.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BinanceConfig struct {
	RestURL string        `yaml:"rest_url"`
	WSURL   string        `yaml:"ws_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CoinGeckoConfig struct {
	BaseURL  string            `yaml:"base_url"`
	AssetIDs map[string]string `yaml:"asset_ids"`
	Timeout  time.Duration     `yaml:"timeout"`
}

type OKXConfig struct {
	BaseURL string `yaml:"base_url"`
}

type BybitConfig struct {
	BaseURL  string `yaml:"base_url"`
	Category string `yaml:"category"`
}

// HistoryConfig drives the loader cascade. Sources are tried in order
// before falling back to synthetic data.
type HistoryConfig struct {
	Sources         []string      `yaml:"sources"`
	StrategyTimeout time.Duration `yaml:"strategy_timeout"`
	DefaultPrice    float64       `yaml:"default_price"`
}

type LiveConfig struct {
	FallbackDelay time.Duration `yaml:"fallback_delay"`
	SimPeriod     time.Duration `yaml:"sim_period"`
	AutoRetry     bool          `yaml:"auto_retry"`
	RetryMin      time.Duration `yaml:"retry_min"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

type SynthConfig struct {
	Volatility     float64 `yaml:"volatility"`
	TickVolatility float64 `yaml:"tick_volatility"`
	Drift          float64 `yaml:"drift"`
	StartRatio     float64 `yaml:"start_ratio"`
	Spread         float64 `yaml:"spread"`
	MinPrice       float64 `yaml:"min_price"`
	Precision      int32   `yaml:"precision"`
}

type AggregatorConfig struct {
	MaxCandles int  `yaml:"max_candles"`
	Backfill   bool `yaml:"backfill"`
}

// Known history source names.
const (
	SourceBinance   = "binance"
	SourceCoinGecko = "coingecko"
	SourceOKX       = "okx"
	SourceBybit     = "bybit"
)

// Default returns a configuration that works against the public endpoints.
func Default() *Config {
	return &Config{
		Symbol:       "BTCUSDT",
		Interval:     "1h",
		HistoryCount: 100,
		Log:          LogConfig{Level: "info", Format: "console"},
		Server:       ServerConfig{Addr: ":50051", ShutdownTimeout: 5 * time.Second},
		Binance: BinanceConfig{
			RestURL: "https://api.binance.com",
			WSURL:   "wss://stream.binance.com:9443/ws",
			Timeout: 8 * time.Second,
		},
		CoinGecko: CoinGeckoConfig{
			BaseURL: "https://api.coingecko.com/api/v3",
			AssetIDs: map[string]string{
				"BTCUSDT": "bitcoin",
				"ETHUSDT": "ethereum",
				"SOLUSDT": "solana",
				"BNBUSDT": "binancecoin",
				"XRPUSDT": "ripple",
			},
			Timeout: 8 * time.Second,
		},
		OKX:   OKXConfig{BaseURL: "https://www.okx.com"},
		Bybit: BybitConfig{BaseURL: "https://api.bybit.com", Category: "spot"},
		History: HistoryConfig{
			Sources:         []string{SourceBinance, SourceCoinGecko},
			StrategyTimeout: 8 * time.Second,
			DefaultPrice:    112000,
		},
		Live: LiveConfig{
			FallbackDelay: 3 * time.Second,
			SimPeriod:     time.Second,
			RetryMin:      5 * time.Second,
			RetryMax:      2 * time.Minute,
		},
		Synth: SynthConfig{
			Volatility:     0.015,
			TickVolatility: 0.003,
			Drift:          0.003,
			StartRatio:     0.85,
			Spread:         0.01,
			MinPrice:       0.01,
			Precision:      2,
		},
		Aggregator: AggregatorConfig{MaxCandles: 1000},
	}
}

// LoadFromFile reads a YAML file over the defaults. An empty path yields
// the defaults. Environment overrides are applied afterwards.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides selected keys from CANDLES_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CANDLES_SYMBOL", &c.Symbol)
	str("CANDLES_INTERVAL", &c.Interval)
	str("CANDLES_LOG_LEVEL", &c.Log.Level)
	str("CANDLES_LOG_FORMAT", &c.Log.Format)
	str("CANDLES_SERVER_ADDR", &c.Server.Addr)
	str("CANDLES_BINANCE_REST_URL", &c.Binance.RestURL)
	str("CANDLES_BINANCE_WS_URL", &c.Binance.WSURL)
	str("CANDLES_COINGECKO_BASE_URL", &c.CoinGecko.BaseURL)

	if v := strings.TrimSpace(os.Getenv("CANDLES_HISTORY_COUNT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CANDLES_HISTORY_COUNT: %w", err)
		}
		c.HistoryCount = n
	}
	if v := strings.TrimSpace(os.Getenv("CANDLES_HISTORY_SOURCES")); v != "" {
		var sources []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
				sources = append(sources, s)
			}
		}
		c.History.Sources = sources
	}
	if v := strings.TrimSpace(os.Getenv("CANDLES_AUTO_RETRY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CANDLES_AUTO_RETRY: %w", err)
		}
		c.Live.AutoRetry = b
	}
	return nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if !candle.ValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol %q is not a trading pair", c.Symbol)
	}
	if _, err := candle.ParseInterval(c.Interval); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if c.HistoryCount <= 0 {
		return fmt.Errorf("history_count must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	for _, s := range c.History.Sources {
		switch s {
		case SourceBinance, SourceCoinGecko, SourceOKX, SourceBybit:
		default:
			return fmt.Errorf("history.sources: unknown source %q", s)
		}
	}
	if c.History.StrategyTimeout <= 0 {
		return fmt.Errorf("history.strategy_timeout must be positive")
	}
	if !candle.PositiveFinite(c.History.DefaultPrice) {
		return fmt.Errorf("history.default_price must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Live.FallbackDelay < 0 || c.Live.SimPeriod <= 0 {
		return fmt.Errorf("live: fallback_delay must be >= 0 and sim_period positive")
	}
	if c.Live.AutoRetry && (c.Live.RetryMin <= 0 || c.Live.RetryMax < c.Live.RetryMin) {
		return fmt.Errorf("live: retry_min must be positive and retry_max >= retry_min")
	}
	if c.Synth.Volatility < 0 || c.Synth.TickVolatility < 0 || c.Synth.Spread < 0 {
		return fmt.Errorf("synth: volatility, tick_volatility and spread must be >= 0")
	}
	if c.Synth.StartRatio < 0 || c.Synth.StartRatio >= 1 {
		return fmt.Errorf("synth: start_ratio must be in [0, 1)")
	}
	if c.Synth.MinPrice < 0 || c.Synth.Precision < 0 {
		return fmt.Errorf("synth: min_price and precision must be >= 0")
	}
	if c.Aggregator.MaxCandles < 0 {
		return fmt.Errorf("aggregator.max_candles must be >= 0")
	}
	return nil
}

// IntervalSeconds returns the parsed Interval. Validate must have passed.
func (c *Config) IntervalSeconds() int64 {
	s, _ := candle.ParseInterval(c.Interval)
	return s
}
