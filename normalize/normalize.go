// Package normalize converts raw upstream kline records into a canonical
// candle.Series.
//
// Upstream sources disagree on encodings: Binance sends prices as strings
// and open times in milliseconds, CoinGecko sends bare numbers and only a
// closing price per day. A RawRecord carries whatever the source produced
// and the Normalizer resolves it.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yitech/candlefeed/model/candle"
)

// DefaultStep is the spacing used when a timestamp has to be synthesized
// and no neighbor provides a better reference.
const DefaultStep = int64(3600)

// RawRecord is one upstream kline. Each field may hold a number (any Go
// numeric type or json.Number), a numeric string, or nil when the source
// does not provide it. OpenTime may also be a time.Time or a date string,
// and numeric times may be in seconds, milliseconds, microseconds or
// nanoseconds.
//
// A record with only Close set is a close-only price point: its open is
// taken from the previous close and its high/low from the two.
type RawRecord struct {
	OpenTime any
	Open     any
	High     any
	Low      any
	Close    any
	Volume   any
}

// Normalizer holds the recovery policy for malformed timestamps.
type Normalizer struct {
	// Step is the spacing in seconds for synthesized timestamps.
	Step int64
	Now  func() time.Time

	log *zap.Logger
}

// New returns a Normalizer. A zero step selects DefaultStep.
func New(log *zap.Logger, step int64) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	if step <= 0 {
		step = DefaultStep
	}
	return &Normalizer{Step: step, Now: time.Now, log: log.Named("normalize")}
}

// Normalize runs the default Normalizer with a one hour step.
func Normalize(raw []RawRecord) (candle.Series, error) {
	return New(nil, DefaultStep).Normalize(raw)
}

type resolved struct {
	idx int
	ts  int64
	rec RawRecord
}

// Normalize parses, orders and deduplicates raw. The first occurrence of a
// resolved open time wins. It fails with candle.ErrInvalidRecord when any
// price is missing, non-finite or non-positive. Unresolvable timestamps are
// not an error: they are synthesized from the record's neighbors.
func (n *Normalizer) Normalize(raw []RawRecord) (candle.Series, error) {
	if len(raw) == 0 {
		return candle.Series{}, nil
	}

	times := make([]int64, len(raw))
	ok := make([]bool, len(raw))
	for i, r := range raw {
		times[i], ok[i] = ResolveTime(r.OpenTime)
	}
	synthesized := n.fillTimes(times, ok)
	if synthesized > 0 {
		n.log.Warn("synthesized timestamps",
			zap.Int("count", synthesized),
			zap.Int("records", len(raw)),
			zap.NamedError("cause", candle.ErrInvalidTimestamp))
	}

	rows := make([]resolved, len(raw))
	for i, r := range raw {
		rows[i] = resolved{idx: i, ts: times[i], rec: r}
	}
	// Stable so that among equal times the earliest record comes first.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })

	out := make(candle.Series, 0, len(rows))
	duplicates := 0
	for _, row := range rows {
		if len(out) > 0 && out[len(out)-1].OpenTime == row.ts {
			duplicates++
			continue
		}
		var prevClose float64
		if last, ok := out.Last(); ok {
			prevClose = last.Close
		}
		c, err := n.build(row, prevClose)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if duplicates > 0 {
		n.log.Debug("dropped duplicate open times", zap.Int("count", duplicates))
	}
	return out, nil
}

func (n *Normalizer) build(row resolved, prevClose float64) (candle.Candle, error) {
	r := row.rec
	closePx, ok := ParseNumber(r.Close)
	if !ok || !candle.PositiveFinite(closePx) {
		return candle.Candle{}, fmt.Errorf("normalize: record[%d] close=%v: %w", row.idx, r.Close, candle.ErrInvalidRecord)
	}

	c := candle.Candle{OpenTime: row.ts, Close: closePx}
	if r.Open == nil && r.High == nil && r.Low == nil {
		c.Open = closePx
		if prevClose > 0 {
			c.Open = prevClose
		}
		c.High = math.Max(c.Open, c.Close)
		c.Low = math.Min(c.Open, c.Close)
	} else {
		for _, f := range [...]struct {
			name string
			v    any
			dst  *float64
		}{{"open", r.Open, &c.Open}, {"high", r.High, &c.High}, {"low", r.Low, &c.Low}} {
			v, ok := ParseNumber(f.v)
			if !ok || !candle.PositiveFinite(v) {
				return candle.Candle{}, fmt.Errorf("normalize: record[%d] %s=%v: %w", row.idx, f.name, f.v, candle.ErrInvalidRecord)
			}
			*f.dst = v
		}
		hi := math.Max(c.High, math.Max(c.Open, c.Close))
		lo := math.Min(c.Low, math.Min(c.Open, c.Close))
		if hi != c.High || lo != c.Low {
			n.log.Debug("widened inconsistent high/low", zap.Int64("open_time", c.OpenTime))
			c.High, c.Low = hi, lo
		}
	}

	if r.Volume != nil {
		if v, ok := ParseNumber(r.Volume); ok && v >= 0 && !math.IsInf(v, 0) {
			c.Volume = v
		}
	}
	return c, nil
}

// fillTimes replaces every unresolved entry in times with a value derived
// from the nearest resolved neighbors and returns how many it replaced.
func (n *Normalizer) fillTimes(times []int64, ok []bool) int {
	step := n.Step
	if step <= 0 {
		step = DefaultStep
	}
	count := 0
	for i := range times {
		if ok[i] {
			continue
		}
		count++
		prev, next := -1, -1
		for j := i - 1; j >= 0; j-- {
			if ok[j] {
				prev = j
				break
			}
		}
		for j := i + 1; j < len(times); j++ {
			if ok[j] {
				next = j
				break
			}
		}
		switch {
		case prev >= 0 && next >= 0 && times[next] > times[prev]:
			span := times[next] - times[prev]
			times[i] = times[prev] + span*int64(i-prev)/int64(next-prev)
		case prev >= 0:
			times[i] = times[prev] + step*int64(i-prev)
		case next >= 0:
			times[i] = times[next] - step*int64(next-i)
		default:
			now := time.Now
			if n.Now != nil {
				now = n.Now
			}
			end := candle.Boundary(now().Unix(), step)
			times[i] = end - step*int64(len(times)-1-i)
		}
	}
	return count
}

// ParseNumber extracts a float from a numeric or textual encoding.
func ParseNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		return d.InexactFloat64(), true
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ResolveTime turns an upstream timestamp into whole Unix seconds.
// Numeric values are scaled down from ns, µs or ms by magnitude.
func ResolveTime(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case time.Time:
		if x.IsZero() {
			return 0, false
		}
		return x.Unix(), true
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return scaleEpoch(f)
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Unix(), true
			}
		}
		return 0, false
	}
	f, ok := ParseNumber(v)
	if !ok {
		return 0, false
	}
	return scaleEpoch(f)
}

func scaleEpoch(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	switch {
	case f >= 1e17:
		f /= 1e9
	case f >= 1e14:
		f /= 1e6
	case f >= 1e11:
		f /= 1e3
	}
	return int64(math.Floor(f)), true
}
