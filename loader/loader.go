// Package loader fills a fresh subscription with past candles. It walks an
// ordered list of strategies (network sources first, then the synthetic
// generator) and returns the first usable series. It never fails.
package loader

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
	"github.com/yitech/candlefeed/synth"
)

// Strategy names reported in Result.Source besides the network sources'
// own names.
const (
	SourceSynthetic = "synthetic"
	SourceDefault   = "default"
)

const (
	DefaultPrice   = 112000.0
	defaultTimeout = 8 * time.Second
)

type Config struct {
	// StrategyTimeout bounds each network call.
	StrategyTimeout time.Duration
	// DefaultPrice anchors the last-resort synthetic series.
	DefaultPrice float64
	// Synth is the generator shape; Cadence is overridden per load.
	Synth synth.Params
}

// Result is the outcome of a load.
type Result struct {
	Series candle.Series
	// Source names the strategy that produced Series.
	Source string
	// Current is the best-effort current price. It comes from a price
	// source when one answers, else from the last historical close.
	Current candle.Tick
	// Synthetic is set when Series came from the generator.
	Synthetic bool
	// Unavailable is set when every strategy failed and Series is empty.
	Unavailable bool
}

// Loader runs the history cascade.
type Loader struct {
	cfg     Config
	history []adapter.HistorySource
	prices  []adapter.PriceSource
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg Config, history []adapter.HistorySource, prices []adapter.PriceSource, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = defaultTimeout
	}
	if !candle.PositiveFinite(cfg.DefaultPrice) {
		cfg.DefaultPrice = DefaultPrice
	}
	return &Loader{
		cfg:     cfg,
		history: history,
		prices:  prices,
		log:     log.Named("loader"),
		now:     time.Now,
	}
}

// WithClock replaces the wall clock. It affects synthetic candle placement
// and synthesized timestamps.
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	return l
}

type strategy struct {
	name string
	run  func(ctx context.Context) (candle.Series, error)
}

// Load returns up to count candles for symbol at interval. Strategies are
// tried strictly one after another.
func (l *Loader) Load(ctx context.Context, symbol, interval string, count int) Result {
	log := l.log.With(zap.String("symbol", symbol), zap.String("interval", interval))

	step, err := candle.ParseInterval(interval)
	if err != nil {
		log.Error("cannot load history", zap.Error(err))
		return Result{Unavailable: true}
	}
	if count <= 0 {
		count = 1
	}

	// The current price is fetched at most once and shared between the
	// synthetic strategy and Result.Current.
	var (
		current    candle.Tick
		currentErr error
		fetched    bool
	)
	currentPrice := func(ctx context.Context) (candle.Tick, error) {
		if !fetched {
			current, currentErr = l.CurrentPrice(ctx, symbol)
			fetched = true
		}
		return current, currentErr
	}

	params := l.cfg.Synth
	params.Cadence = step
	params.Slot = 0
	gen := synth.New(params).WithClock(l.now)
	seed := Seed(symbol, interval)

	strategies := make([]strategy, 0, len(l.history)+2)
	for _, src := range l.history {
		strategies = append(strategies, strategy{
			name: src.Name(),
			run: func(ctx context.Context) (candle.Series, error) {
				return l.fetch(ctx, src, symbol, interval, step, count)
			},
		})
	}
	strategies = append(strategies,
		strategy{
			name: SourceSynthetic,
			run: func(ctx context.Context) (candle.Series, error) {
				t, err := currentPrice(ctx)
				if err != nil {
					return nil, err
				}
				return gen.Generate(t.Price, count, seed)
			},
		},
		strategy{
			name: SourceDefault,
			run: func(context.Context) (candle.Series, error) {
				return gen.Generate(l.cfg.DefaultPrice, count, seed)
			},
		},
	)

	res := Result{Unavailable: true}
	for _, s := range strategies {
		series, err := l.attempt(ctx, s)
		if err != nil {
			log.Warn("history strategy failed", zap.String("strategy", s.name), zap.Error(err))
			continue
		}
		res = Result{
			Series:    series,
			Source:    s.name,
			Synthetic: s.name == SourceSynthetic || s.name == SourceDefault,
		}
		log.Info("history loaded", zap.String("source", s.name), zap.Int("candles", len(series)))
		break
	}

	if t, err := currentPrice(ctx); err == nil {
		res.Current = t
	} else if last, ok := res.Series.Last(); ok {
		res.Current = candle.Tick{Symbol: symbol, Price: last.Close, ReceivedAt: l.now()}
	}
	return res
}

// attempt runs one strategy under its own timeout and checks the result.
func (l *Loader) attempt(ctx context.Context, s strategy) (candle.Series, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StrategyTimeout)
	defer cancel()

	series, err := s.run(ctx)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%s: empty series: %w", s.name, candle.ErrSourceUnavailable)
	}
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return series, nil
}

func (l *Loader) fetch(ctx context.Context, src adapter.HistorySource, symbol, interval string, step int64, count int) (candle.Series, error) {
	raw, err := src.FetchHistory(ctx, symbol, interval, count)
	if err != nil {
		return nil, err
	}
	n := normalize.New(l.log, step)
	n.Now = l.now
	series, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if len(series) > count {
		series = series[len(series)-count:]
	}
	return series, nil
}

// CurrentPrice asks each price source in turn for the latest tick.
func (l *Loader) CurrentPrice(ctx context.Context, symbol string) (candle.Tick, error) {
	var errs []error
	for _, src := range l.prices {
		tctx, cancel := context.WithTimeout(ctx, l.cfg.StrategyTimeout)
		t, err := src.FetchPrice(tctx, symbol)
		cancel()
		if err == nil {
			if err = t.Validate(); err == nil {
				return t, nil
			}
		}
		l.log.Debug("price source failed", zap.String("source", src.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return candle.Tick{}, fmt.Errorf("no price sources: %w", candle.ErrSourceUnavailable)
	}
	return candle.Tick{}, fmt.Errorf("current price: %w", errors.Join(errs...))
}

// Seed derives a stable generator seed from the subscription target so a
// symbol always gets the same synthetic history.
func Seed(symbol, interval string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(interval))
	return int64(h.Sum64())
}
