// Package synth produces plausible, seeded price data for when no upstream
// source is reachable. All randomness comes from a PCG stream derived from
// the caller's seed, so identical inputs give identical outputs.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yitech/candlefeed/model/candle"
)

// Params controls the shape of the generated walk.
type Params struct {
	// Cadence is the spacing of generated candles in seconds.
	Cadence int64
	// Slot is the resolution at which two candles count as colliding.
	// Zero means Cadence.
	Slot int64
	// Volatility bounds the random part of each candle-to-candle step.
	Volatility float64
	// TickVolatility bounds the random part of each tick-to-tick step.
	TickVolatility float64
	// Drift is the average upward bias per step; it ramps in from zero.
	Drift float64
	// StartRatio is the lowest the earliest open may sit relative to the
	// anchor. The run-up over a series is count*Drift, capped by it.
	StartRatio float64
	// Spread bounds how far high/low extend beyond the body.
	Spread    float64
	MinPrice  float64
	Precision int32
}

// DefaultParams mirrors the volatility of an hourly BTC chart.
func DefaultParams() Params {
	return Params{
		Cadence:        3600,
		Volatility:     0.015,
		TickVolatility: 0.003,
		Drift:          0.003,
		StartRatio:     0.85,
		Spread:         0.01,
		MinPrice:       0.01,
		Precision:      2,
	}
}

// Generator builds synthetic series and ticks.
type Generator struct {
	p   Params
	now func() time.Time
}

// New returns a Generator. Zero fields of p fall back to DefaultParams.
func New(p Params) *Generator {
	d := DefaultParams()
	if p.Cadence <= 0 {
		p.Cadence = d.Cadence
	}
	if p.Slot <= 0 {
		p.Slot = p.Cadence
	}
	if p.Volatility <= 0 {
		p.Volatility = d.Volatility
	}
	if p.TickVolatility <= 0 {
		p.TickVolatility = d.TickVolatility
	}
	if p.Drift <= 0 {
		p.Drift = d.Drift
	}
	if p.StartRatio <= 0 || p.StartRatio >= 1 {
		p.StartRatio = d.StartRatio
	}
	if p.Spread <= 0 {
		p.Spread = d.Spread
	}
	if p.MinPrice <= 0 {
		p.MinPrice = d.MinPrice
	}
	if p.Precision <= 0 {
		p.Precision = d.Precision
	}
	return &Generator{p: p, now: time.Now}
}

// WithClock replaces the wall clock used to place the newest candle.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Params returns the effective parameters.
func (g *Generator) Params() Params {
	return g.p
}

// Generate returns up to count candles ending at the current cadence
// boundary, whose final close is anchor. Each step multiplies the close by
// (1 + drift + noise). The noise is pinned to zero net change across the
// series, so the earliest open sits exactly the run-up below the anchor
// whatever the seed.
func (g *Generator) Generate(anchor float64, count int, seed int64) (candle.Series, error) {
	if !candle.PositiveFinite(anchor) {
		return nil, fmt.Errorf("synth: anchor %v: %w", anchor, candle.ErrInvalidRecord)
	}
	if count <= 0 {
		return nil, fmt.Errorf("synth: count %d must be positive", count)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))

	// Log closes relative to the anchor, walked back from walk[count] == 0.
	walk := make([]float64, count+1)
	for i := count - 1; i >= 0; i-- {
		noise := (rng.Float64() - 0.5) * g.p.Volatility
		walk[i] = walk[i+1] - math.Log1p(noise)
	}
	runUp := math.Min(-math.Log(g.p.StartRatio), float64(count)*g.p.Drift)
	n := float64(count)
	rel := make([]float64, count+1)
	for i := range rel {
		fi := float64(i)
		bridge := walk[i] - walk[0]*(n-fi)/n
		// Drift grows linearly per step, so its share of the run-up
		// still owed at i falls off quadratically.
		owed := 1 - fi*(fi+1)/(n*(n+1))
		rel[i] = math.Exp(bridge - runUp*owed)
	}

	times := g.times(count)
	out := make(candle.Series, 0, count)
	for i := 0; i < count; i++ {
		open := anchor * rel[i]
		closePx := anchor * rel[i+1]
		high := math.Max(open, closePx) * (1 + rng.Float64()*g.p.Spread)
		low := math.Min(open, closePx) * (1 - rng.Float64()*g.p.Spread)
		vol := math.Floor(rng.Float64()*1000) + 100

		c := candle.Candle{
			OpenTime: times[i],
			Open:     g.round(open),
			High:     g.round(high),
			Low:      g.round(low),
			Close:    g.round(closePx),
			Volume:   vol,
		}
		if times[i] <= 0 || c.Validate() != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// times spaces count open times back from the newest boundary. A time whose
// slot is already taken moves back one slot at a time until it is free.
func (g *Generator) times(count int) []int64 {
	end := candle.Boundary(g.now().Unix(), g.p.Cadence)
	used := make(map[int64]struct{}, count)
	out := make([]int64, count)
	for i := count - 1; i >= 0; i-- {
		ts := end - int64(count-1-i)*g.p.Cadence
		slot := candle.Boundary(ts, g.p.Slot)
		for {
			if _, taken := used[slot]; !taken {
				break
			}
			slot -= g.p.Slot
			ts = slot
		}
		used[slot] = struct{}{}
		// Keep the series increasing after a shift.
		if i < count-1 && ts >= out[i+1] {
			ts = out[i+1] - g.p.Slot
		}
		out[i] = ts
	}
	return out
}

// round applies the fixed precision and the price floor.
func (g *Generator) round(v float64) float64 {
	r := decimal.NewFromFloat(v).Round(g.p.Precision).InexactFloat64()
	return math.Max(r, g.p.MinPrice)
}

// TickState is the running state of tick mode. It is a plain value; every
// call to NextTick returns the successor.
type TickState struct {
	Price float64
	Seed  uint64
	Step  uint64
}

// NewTickState starts a tick walk at price.
func NewTickState(price float64, seed uint64) TickState {
	return TickState{Price: price, Seed: seed}
}

// NextTick advances the walk by one step using the same bounded update as
// Generate, without drift.
func (g *Generator) NextTick(s TickState) (float64, TickState) {
	rng := rand.New(rand.NewPCG(s.Seed, s.Step))
	change := (rng.Float64() - 0.5) * 2 * g.p.TickVolatility
	price := g.round(s.Price * (1 + change))
	return price, TickState{Price: price, Seed: s.Seed, Step: s.Step + 1}
}
