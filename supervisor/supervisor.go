// Package supervisor owns the live feed connection of one subscription.
//
// All state lives on a single event-loop goroutine. The socket reader, the
// simulation ticker and the fallback/retry timers only post events to that
// loop, so transitions never race and nothing fires after Stop returns.
//
//	connecting ──first tick──▶ live ──stream error──▶ disconnected
//	    │                                                  │ FallbackDelay
//	    ├──dial/stream error──▶ simulated ◀────────────────┘
//	    └──setup failure─────▶ error
//
// Reconnect re-enters connecting from any state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/synth"
)

const (
	DefaultFallbackDelay = 3 * time.Second
	DefaultSimPeriod     = time.Second

	// fallbackPrice seeds the simulator when no price is known at all.
	fallbackPrice = 112000.0

	simVolume24h = 25000
)

type Config struct {
	Symbol string
	// FallbackDelay is how long disconnected waits before simulating.
	FallbackDelay time.Duration
	// SimPeriod is the cadence of simulated ticks.
	SimPeriod time.Duration
	// AutoRetry schedules reconnect attempts from simulated with a
	// jittered exponential backoff between RetryMin and RetryMax.
	AutoRetry bool
	RetryMin  time.Duration
	RetryMax  time.Duration
	// Seed drives the simulated tick walk.
	Seed uint64
}

// Callbacks are invoked on the supervisor's loop goroutine, one at a time,
// never after Stop has returned.
type Callbacks struct {
	Tick  func(candle.Tick)
	State func(state candle.State, cause error)
}

type Supervisor struct {
	cfg  Config
	feed adapter.Feed
	gen  *synth.Generator
	cb   Callbacks
	log  *zap.Logger
	now  func() time.Time

	reconnect chan struct{}
	done      chan struct{}
	exited    chan struct{}
	pumps     sync.WaitGroup

	mu      sync.Mutex
	state   candle.State
	started bool
	stopped bool
}

func New(cfg Config, feed adapter.Feed, gen *synth.Generator, cb Callbacks, log *zap.Logger) *Supervisor {
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = DefaultFallbackDelay
	}
	if cfg.SimPeriod <= 0 {
		cfg.SimPeriod = DefaultSimPeriod
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 5 * time.Second
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	if gen == nil {
		gen = synth.New(synth.DefaultParams())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		cfg:       cfg,
		feed:      feed,
		gen:       gen,
		cb:        cb,
		log:       log.Named("supervisor").With(zap.String("symbol", cfg.Symbol)),
		now:       time.Now,
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		state:     candle.StateConnecting,
	}
}

// WithClock replaces the clock used to stamp simulated ticks.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Start begins connecting. price seeds the simulator should the feed be
// unreachable; it is replaced by every live tick. Start is a no-op after
// the first call or after Stop.
func (s *Supervisor) Start(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	if !candle.PositiveFinite(price) {
		s.log.Warn("no seed price, simulator starts from fallback", zap.Float64("price", price))
		price = fallbackPrice
	}
	go s.run(price)
}

// Reconnect tears down the active tick source and re-enters connecting.
// Requests made while one is pending coalesce.
func (s *Supervisor) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Stop tears everything down and waits for it. No callback fires after
// Stop returns.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.done)
	if started {
		<-s.exited
	}
	s.pumps.Wait()
}

// State returns the current connection state.
func (s *Supervisor) State() candle.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// streamEvent is posted by a pump. Events from an older epoch belong to a
// torn-down connection and are ignored.
type streamEvent struct {
	epoch uint64
	tick  candle.Tick
	err   error
}

// loop is the state owned by the run goroutine.
type loop struct {
	*Supervisor

	events chan streamEvent
	epoch  uint64
	cancel context.CancelFunc
	state  candle.State

	lastPrice float64
	simStart  float64
	simState  synth.TickState
	backoff   *backoff.Backoff

	simTicker *time.Ticker
	fallback  *time.Timer
	retry     *time.Timer
}

func (s *Supervisor) run(price float64) {
	defer close(s.exited)

	l := &loop{
		Supervisor: s,
		events:     make(chan streamEvent),
		lastPrice:  price,
		simState:   synth.NewTickState(price, s.cfg.Seed),
		backoff: &backoff.Backoff{
			Min:    s.cfg.RetryMin,
			Max:    s.cfg.RetryMax,
			Factor: 2,
			Jitter: true,
		},
	}
	defer l.teardown()

	l.connect()
	for {
		select {
		case <-s.done:
			return

		case <-s.reconnect:
			l.log.Info("reconnect requested", zap.Stringer("from", l.state))
			l.backoff.Reset()
			l.connect()

		case ev := <-l.events:
			if ev.epoch != l.epoch {
				continue
			}
			if ev.err != nil {
				l.onStreamError(ev.err)
				continue
			}
			l.onTick(ev.tick)

		case <-timerC(l.fallback):
			l.fallback = nil
			l.enterSimulated(candle.ErrConnectionLost)

		case <-tickerC(l.simTicker):
			l.simulate()

		case <-timerC(l.retry):
			l.retry = nil
			l.log.Info("retrying live feed")
			l.connect()
		}
	}
}

func (l *loop) connect() {
	l.teardown()
	l.setState(candle.StateConnecting, nil)

	if !candle.ValidSymbol(l.cfg.Symbol) {
		l.setState(candle.StateError, fmt.Errorf("symbol %q: %w", l.cfg.Symbol, candle.ErrSetupFailure))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.epoch++
	l.pumps.Add(1)
	go l.pump(ctx, l.epoch, l.events)
}

// pump dials and then forwards every tick or the terminal error. It owns
// the stream and closes it exactly once.
func (s *Supervisor) pump(ctx context.Context, epoch uint64, events chan<- streamEvent) {
	defer s.pumps.Done()

	post := func(ev streamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	st, err := s.feed.Dial(ctx, s.cfg.Symbol)
	if err != nil {
		post(streamEvent{epoch: epoch, err: err})
		return
	}
	closed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = st.Close()
		close(closed)
	})
	defer func() {
		if stop() {
			_ = st.Close()
		} else {
			<-closed
		}
	}()

	for {
		t, err := st.Recv(ctx)
		if err != nil {
			post(streamEvent{epoch: epoch, err: err})
			return
		}
		if !post(streamEvent{epoch: epoch, tick: t}) {
			return
		}
	}
}

func (l *loop) onTick(t candle.Tick) {
	switch l.state {
	case candle.StateConnecting:
		l.backoff.Reset()
		l.setState(candle.StateLive, nil)
	case candle.StateLive:
	default:
		return
	}
	if t.Symbol == "" {
		t.Symbol = l.cfg.Symbol
	}
	l.lastPrice = t.Price
	l.emit(t)
}

func (l *loop) onStreamError(err error) {
	l.teardown()
	switch {
	case errors.Is(err, candle.ErrSetupFailure):
		l.setState(candle.StateError, err)
	case l.state == candle.StateLive:
		l.setState(candle.StateDisconnected, fmt.Errorf("%w: %w", candle.ErrConnectionLost, err))
		l.fallback = time.NewTimer(l.cfg.FallbackDelay)
	default:
		l.enterSimulated(err)
	}
}

func (l *loop) enterSimulated(cause error) {
	l.teardown()
	l.simStart = l.lastPrice
	l.simState.Price = l.lastPrice
	l.setState(candle.StateSimulated, cause)
	l.simTicker = time.NewTicker(l.cfg.SimPeriod)

	if l.cfg.AutoRetry {
		d := l.backoff.Duration()
		l.log.Info("scheduling live feed retry", zap.Duration("in", d))
		l.retry = time.NewTimer(d)
	}
}

func (l *loop) simulate() {
	price, next := l.gen.NextTick(l.simState)
	l.simState = next
	l.lastPrice = price

	change := price - l.simStart
	l.emit(candle.Tick{
		Symbol:        l.cfg.Symbol,
		Price:         price,
		ReceivedAt:    l.now(),
		Change:        change,
		ChangePercent: change / l.simStart * 100,
		High24h:       price * 1.03,
		Low24h:        price * 0.97,
		Volume24h:     simVolume24h,
		Simulated:     true,
	})
}

// teardown stops whichever tick source and timers are active.
func (l *loop) teardown() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
		// Anything the old pump still posts is now stale.
		l.epoch++
	}
	if l.simTicker != nil {
		l.simTicker.Stop()
		l.simTicker = nil
	}
	if l.fallback != nil {
		l.fallback.Stop()
		l.fallback = nil
	}
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

func (l *loop) setState(st candle.State, cause error) {
	prev := l.state
	l.state = st
	l.mu.Lock()
	l.Supervisor.state = st
	l.mu.Unlock()

	if prev == st && st != candle.StateConnecting {
		return
	}
	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", st)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if st == candle.StateError {
		l.log.Error("connection state", fields...)
	} else {
		l.log.Info("connection state", fields...)
	}
	if l.cb.State != nil {
		l.cb.State(st, cause)
	}
}

func (l *loop) emit(t candle.Tick) {
	if l.cb.Tick != nil {
		l.cb.Tick(t)
	}
}

// timerC and tickerC return nil channels for inactive timers so the select
// case never fires.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
