// Package aggregator folds live price ticks into a candle series: each tick
// either updates the in-progress candle or rolls over to a new one at the
// next interval boundary.
package aggregator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/model/candle"
)

// DefaultMaxCandles is the target buffer size after a resize.
// The buffer grows freely until it hits 2×MaxCandles, then trims back.
const DefaultMaxCandles = 1000

// maxBackfill caps the flat candles inserted for one gap.
const maxBackfill = 1000

// Kind says how an Update changed the series.
type Kind int

const (
	// Replaced: the last candle was updated in place.
	Replaced Kind = iota
	// Appended: one or more candles were added at the end.
	Appended
	// Reset: the whole series was replaced (history load).
	Reset
)

func (k Kind) String() string {
	switch k {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Update is a delta emitted to subscribers. Candles holds the replaced
// candle, the appended candles in order, or the full series for Reset.
type Update struct {
	Kind    Kind
	Candles []candle.Candle
}

// Candle returns the newest candle of the update.
func (u Update) Candle() (candle.Candle, bool) {
	if len(u.Candles) == 0 {
		return candle.Candle{}, false
	}
	return u.Candles[len(u.Candles)-1], true
}

// Options tweak ApplyTick.
type Options struct {
	// Backfill inserts flat candles at the previous close for every
	// interval skipped between the last candle and the new one.
	Backfill bool
}

// ApplyTick merges t into series for the given interval in seconds and
// returns the new series plus the delta. Like append, the result may share
// series' backing array. An invalid tick returns candle.ErrInvalidTick and
// leaves series untouched.
//
//   - empty series: one flat candle at the tick's interval boundary.
//   - tick at least interval after the last open: a new flat candle at the
//     tick's boundary, never at the raw tick time.
//   - otherwise: close moves to the tick price and high/low widen.
//
// Ticks older than the last one are applied to the last candle as is.
func ApplyTick(series candle.Series, t candle.Tick, interval int64, opts Options) (candle.Series, Update, error) {
	if interval <= 0 {
		return series, Update{}, fmt.Errorf("aggregator: interval %d: %w", interval, candle.ErrSetupFailure)
	}
	if err := t.Validate(); err != nil {
		return series, Update{}, err
	}
	at := t.ReceivedAt.Unix()

	last, ok := series.Last()
	if !ok {
		c := candle.Flat(candle.Boundary(at, interval), t.Price)
		return append(series, c), Update{Kind: Appended, Candles: []candle.Candle{c}}, nil
	}

	if at-last.OpenTime >= interval {
		next := candle.Boundary(at, interval)
		var added []candle.Candle
		if opts.Backfill {
			added = gapFill(last, next, interval)
		}
		added = append(added, candle.Flat(next, t.Price))
		return append(series, added...), Update{Kind: Appended, Candles: added}, nil
	}

	last.Close = t.Price
	last.High = max(last.High, t.Price)
	last.Low = min(last.Low, t.Price)
	series[len(series)-1] = last
	return series, Update{Kind: Replaced, Candles: []candle.Candle{last}}, nil
}

// gapFill returns flat candles at prev's close for the boundaries strictly
// between prev and next.
func gapFill(prev candle.Candle, next, interval int64) []candle.Candle {
	first := candle.Boundary(prev.OpenTime, interval) + interval
	n := (next - first) / interval
	if n <= 0 {
		return nil
	}
	if n > maxBackfill {
		first += (n - maxBackfill) * interval
		n = maxBackfill
	}
	out := make([]candle.Candle, 0, n+1)
	for ts := first; ts < next; ts += interval {
		out = append(out, candle.Flat(ts, prev.Close))
	}
	return out
}

// Handler receives updates. It is called outside the aggregator's lock,
// in the order updates were applied.
type Handler func(Update)

type Config struct {
	// Interval is the candle width in seconds.
	Interval   int64
	MaxCandles int
	Backfill   bool
}

// Aggregator owns one subscription's series. Ticks must be applied from a
// single goroutine; readers may call Snapshot concurrently.
type Aggregator struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	series   candle.Series
	lastTick candle.Tick
	hasTick  bool
	handlers map[uint64]Handler
	nextID   uint64
}

// aggregatorToken cancels a single handler registration.
type aggregatorToken struct {
	id uint64
	a  *Aggregator
}

func (t *aggregatorToken) Unsubscribe() {
	t.a.mu.Lock()
	delete(t.a.handlers, t.id)
	t.a.mu.Unlock()
}

func New(cfg Config, log *zap.Logger) (*Aggregator, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("aggregator: interval %d: %w", cfg.Interval, candle.ErrSetupFailure)
	}
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = DefaultMaxCandles
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		cfg:      cfg,
		log:      log.Named("aggregator"),
		handlers: make(map[uint64]Handler),
	}, nil
}

// Subscribe registers handler for every later update.
func (a *Aggregator) Subscribe(handler Handler) adapter.Token {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = handler
	a.mu.Unlock()
	return &aggregatorToken{id: id, a: a}
}

// Reset replaces the series, typically with freshly loaded history.
func (a *Aggregator) Reset(series candle.Series) error {
	if err := series.Validate(); err != nil {
		return fmt.Errorf("aggregator: reset: %w", err)
	}
	a.mu.Lock()
	a.series = series.Clone()
	a.resize()
	u := Update{Kind: Reset, Candles: a.series.Clone()}
	hs := a.snapshotHandlers()
	a.mu.Unlock()

	publish(hs, u)
	return nil
}

// Apply merges t into the series and publishes the delta. Invalid ticks
// are dropped with candle.ErrInvalidTick.
func (a *Aggregator) Apply(t candle.Tick) (Update, error) {
	a.mu.Lock()
	series, u, err := ApplyTick(a.series, t, a.cfg.Interval, Options{Backfill: a.cfg.Backfill})
	if err != nil {
		a.mu.Unlock()
		a.log.Debug("dropping tick", zap.Error(err))
		return Update{}, err
	}
	a.series = series
	a.lastTick = t
	a.hasTick = true
	a.resize()
	hs := a.snapshotHandlers()
	a.mu.Unlock()

	if u.Kind == Appended {
		c, _ := u.Candle()
		a.log.Debug("rolled over", zap.Int64("open_time", c.OpenTime), zap.Int("added", len(u.Candles)))
	}
	publish(hs, u)
	return u, nil
}

// Snapshot returns a copy of the current series.
func (a *Aggregator) Snapshot() candle.Series {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.series.Clone()
}

// LastTick returns the most recently applied tick.
func (a *Aggregator) LastTick() (candle.Tick, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTick, a.hasTick
}

func (a *Aggregator) Interval() int64 { return a.cfg.Interval }

// snapshotHandlers returns a copy of the handler slice (called under lock).
func (a *Aggregator) snapshotHandlers() []Handler {
	hs := make([]Handler, 0, len(a.handlers))
	for _, h := range a.handlers {
		hs = append(hs, h)
	}
	return hs
}

// resize trims the buffer once it exceeds 2×MaxCandles (called under lock).
func (a *Aggregator) resize() {
	limit := a.cfg.MaxCandles
	if len(a.series) > limit*2 {
		// Keep the most recent `limit` candles; wait for the buffer to
		// grow to 2×limit again before the next resize.
		a.series = append(candle.Series(nil), a.series[len(a.series)-limit:]...)
	}
}

func publish(hs []Handler, u Update) {
	for _, h := range hs {
		h(u)
	}
}
