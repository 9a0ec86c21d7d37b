package market

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/adapter/binance"
	"github.com/yitech/candlefeed/adapter/bybit"
	"github.com/yitech/candlefeed/adapter/coingecko"
	"github.com/yitech/candlefeed/adapter/okx"
	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/loader"
	"github.com/yitech/candlefeed/synth"
)

// NewFromConfig builds a Service over the public exchange adapters.
// History sources follow cfg.History.Sources in order; current prices come
// from Binance and then CoinGecko; the live feed is the Binance ticker.
func NewFromConfig(cfg *config.Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	bn := binance.New(cfg.Binance, log)
	cg := coingecko.New(cfg.CoinGecko, log)

	history := make([]adapter.HistorySource, 0, len(cfg.History.Sources))
	for _, name := range cfg.History.Sources {
		switch name {
		case config.SourceBinance:
			history = append(history, bn)
		case config.SourceCoinGecko:
			history = append(history, cg)
		case config.SourceOKX:
			history = append(history, okx.New(cfg.OKX, log))
		case config.SourceBybit:
			history = append(history, bybit.New(cfg.Bybit, log))
		default:
			return nil, fmt.Errorf("market: unknown history source %q", name)
		}
	}
	prices := []adapter.PriceSource{bn, cg}

	sp := SynthParams(cfg.Synth)
	ld := loader.New(loader.Config{
		StrategyTimeout: cfg.History.StrategyTimeout,
		DefaultPrice:    cfg.History.DefaultPrice,
		Synth:           sp,
	}, history, prices, log)

	return NewService(Config{
		HistoryCount:  cfg.HistoryCount,
		MaxCandles:    cfg.Aggregator.MaxCandles,
		Backfill:      cfg.Aggregator.Backfill,
		FallbackDelay: cfg.Live.FallbackDelay,
		SimPeriod:     cfg.Live.SimPeriod,
		AutoRetry:     cfg.Live.AutoRetry,
		RetryMin:      cfg.Live.RetryMin,
		RetryMax:      cfg.Live.RetryMax,
		Synth:         sp,
	}, ld, bn, log), nil
}

// SynthParams maps the synth config section onto generator parameters.
func SynthParams(c config.SynthConfig) synth.Params {
	p := synth.DefaultParams()
	p.Volatility = c.Volatility
	p.TickVolatility = c.TickVolatility
	p.Drift = c.Drift
	p.StartRatio = c.StartRatio
	p.Spread = c.Spread
	p.MinPrice = c.MinPrice
	p.Precision = c.Precision
	return p
}
