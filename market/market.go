// Package market is the consumer-facing entry point. A Service hands out
// Subscriptions; each one owns a candle series that is loaded from history
// and then kept current by the live feed or, failing that, the simulator.
package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/aggregator"
	"github.com/yitech/candlefeed/loader"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/supervisor"
	"github.com/yitech/candlefeed/synth"
)

const DefaultHistoryCount = 100

type Config struct {
	HistoryCount int
	MaxCandles   int
	Backfill     bool

	FallbackDelay time.Duration
	SimPeriod     time.Duration
	AutoRetry     bool
	RetryMin      time.Duration
	RetryMax      time.Duration

	Synth synth.Params
}

// Service creates subscriptions. It holds no per-symbol state beyond the
// index of live subscriptions.
type Service struct {
	cfg    Config
	loader *loader.Loader
	feed   adapter.Feed
	log    *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewService(cfg Config, ld *loader.Loader, feed adapter.Feed, log *zap.Logger) *Service {
	if cfg.HistoryCount <= 0 {
		cfg.HistoryCount = DefaultHistoryCount
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		loader: ld,
		feed:   feed,
		log:    log.Named("market"),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe loads history for symbol at granularity and starts the live
// feed. It returns once the series is populated. Source and connection
// failures never surface here; they show up as a degraded State or
// HistoryUnavailable in the Snapshot. Only a malformed granularity fails.
func (s *Service) Subscribe(ctx context.Context, symbol, granularity string) (*Subscription, error) {
	step, err := candle.ParseInterval(granularity)
	if err != nil {
		return nil, fmt.Errorf("market: subscribe: %w", err)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	agg, err := aggregator.New(aggregator.Config{
		Interval:   step,
		MaxCandles: s.cfg.MaxCandles,
		Backfill:   s.cfg.Backfill,
	}, s.log)
	if err != nil {
		return nil, fmt.Errorf("market: subscribe: %w", err)
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		Symbol:   symbol,
		Interval: granularity,
		svc:      s,
		agg:      agg,
		state:    candle.StateConnecting,
		handlers: make(map[uint64]Handler),
		done:     make(chan struct{}),
	}
	log := s.log.With(zap.String("subscription", sub.ID), zap.String("symbol", symbol), zap.String("interval", granularity))

	res := s.loader.Load(ctx, symbol, granularity, s.cfg.HistoryCount)
	if err := agg.Reset(res.Series); err != nil {
		// Loader output is validated; this only guards against a bad strategy.
		log.Error("discarding loaded history", zap.Error(err))
		res.Unavailable = true
	}
	sub.history = res
	sub.current = res.Current
	sub.aggTok = agg.Subscribe(sub.onUpdate)

	sub.sup = supervisor.New(supervisor.Config{
		Symbol:        symbol,
		FallbackDelay: s.cfg.FallbackDelay,
		SimPeriod:     s.cfg.SimPeriod,
		AutoRetry:     s.cfg.AutoRetry,
		RetryMin:      s.cfg.RetryMin,
		RetryMax:      s.cfg.RetryMax,
		Seed:          uint64(loader.Seed(symbol, granularity)),
	}, s.feed, synth.New(s.cfg.Synth), supervisor.Callbacks{
		Tick:  sub.onTick,
		State: sub.onState,
	}, s.log)

	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()

	seed := res.Current.Price
	if last, ok := res.Series.Last(); ok && !candle.PositiveFinite(seed) {
		seed = last.Close
	}
	sub.sup.Start(seed)

	log.Info("subscribed",
		zap.String("history_source", res.Source),
		zap.Int("candles", len(res.Series)),
		zap.Bool("history_unavailable", res.Unavailable))
	return sub, nil
}

// Lookup finds a live subscription by ID.
func (s *Service) Lookup(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// Len returns the number of live subscriptions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close unsubscribes everything.
func (s *Service) Close() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}
