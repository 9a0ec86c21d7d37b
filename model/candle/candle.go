package candle

import (
	"fmt"
	"math"
	"time"
)

// Candle is the canonical OHLC(V) unit for one interval bucket.
// OpenTime is in Unix seconds. A zero Volume means the source did not
// provide one.
type Candle struct {
	OpenTime int64   `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume,omitempty"`
}

// Flat returns a candle whose four prices all equal price.
func Flat(openTime int64, price float64) Candle {
	return Candle{OpenTime: openTime, Open: price, High: price, Low: price, Close: price}
}

// Validate checks that every price is finite and positive and that
// low <= min(open, close) <= max(open, close) <= high.
func (c Candle) Validate() error {
	for _, p := range [...]struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}} {
		if !PositiveFinite(p.v) {
			return fmt.Errorf("%w: %s=%v at %d", ErrInvalidRecord, p.name, p.v, c.OpenTime)
		}
	}
	if c.Volume < 0 || math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) {
		return fmt.Errorf("%w: volume=%v at %d", ErrInvalidRecord, c.Volume, c.OpenTime)
	}
	if c.Low > math.Min(c.Open, c.Close) || c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("%w: o=%v h=%v l=%v c=%v at %d", ErrInvalidRecord,
			c.Open, c.High, c.Low, c.Close, c.OpenTime)
	}
	return nil
}

// Time returns the open time as a UTC time.Time.
func (c Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}

// Bullish reports whether the candle closed at or above its open.
func (c Candle) Bullish() bool {
	return c.Close >= c.Open
}

// PositiveFinite reports whether v is a usable price.
func PositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Series is an ordered run of candles with strictly increasing OpenTime.
// Gaps between candles are allowed.
type Series []Candle

// Last returns the final candle and false when the series is empty.
func (s Series) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Clone returns a copy that shares no memory with s.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// Validate checks every candle and the strict ordering of open times.
func (s Series) Validate() error {
	for i, c := range s {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("candle[%d]: %w", i, err)
		}
		if i > 0 && c.OpenTime <= s[i-1].OpenTime {
			return fmt.Errorf("%w: candle[%d] open time %d not after %d",
				ErrInvalidRecord, i, c.OpenTime, s[i-1].OpenTime)
		}
	}
	return nil
}
