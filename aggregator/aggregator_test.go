package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yitech/candlefeed/model/candle"
)

func tick(price float64, at int64) candle.Tick {
	return candle.Tick{Symbol: "BTCUSDT", Price: price, ReceivedAt: time.Unix(at, 0)}
}

func TestApplyTickEmptySeries(t *testing.T) {
	s, u, err := ApplyTick(nil, tick(50000, 1000), 60, Options{})
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, candle.Candle{OpenTime: 960, Open: 50000, High: 50000, Low: 50000, Close: 50000}, s[0])
	assert.Equal(t, Appended, u.Kind)
	assert.Equal(t, s[0], u.Candles[0])
}

func TestApplyTickRollsOverToBoundary(t *testing.T) {
	series := candle.Series{{OpenTime: 1000, Open: 10, High: 12, Low: 9, Close: 11}}
	s, u, err := ApplyTick(series, tick(13, 1305), 300, Options{})
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.Equal(t, int64(1200), s[1].OpenTime)
	assert.Equal(t, candle.Flat(1200, 13), s[1])
	assert.Equal(t, Appended, u.Kind)
	require.Len(t, u.Candles, 1)
	// The closed candle is untouched.
	assert.Equal(t, 11.0, s[0].Close)
}

func TestApplyTickUpdatesInProgressCandle(t *testing.T) {
	series := candle.Series{{OpenTime: 1200, Open: 10, High: 12, Low: 9, Close: 11}}

	s, u, err := ApplyTick(series, tick(14, 1250), 300, Options{})
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, candle.Candle{OpenTime: 1200, Open: 10, High: 14, Low: 9, Close: 14}, s[0])
	assert.Equal(t, Replaced, u.Kind)

	s, _, err = ApplyTick(s, tick(8, 1260), 300, Options{})
	require.NoError(t, err)
	assert.Equal(t, candle.Candle{OpenTime: 1200, Open: 10, High: 14, Low: 8, Close: 8}, s[0])
}

func TestApplyTickSamePriceTwiceIsIdempotent(t *testing.T) {
	base := candle.Series{{OpenTime: 1200, Open: 10, High: 12, Low: 9, Close: 11}}

	once, _, err := ApplyTick(base.Clone(), tick(13, 1210), 300, Options{})
	require.NoError(t, err)
	twice, _, err := ApplyTick(once.Clone(), tick(13, 1220), 300, Options{})
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestApplyTickOutOfOrderAppliesToLast(t *testing.T) {
	series := candle.Series{candle.Flat(1200, 10)}
	s, u, err := ApplyTick(series, tick(11, 1100), 300, Options{})
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, Replaced, u.Kind)
	assert.Equal(t, 11.0, s[0].Close)
	assert.Equal(t, int64(1200), s[0].OpenTime)
}

func TestApplyTickRejectsInvalid(t *testing.T) {
	series := candle.Series{candle.Flat(1200, 10)}
	for _, bad := range []candle.Tick{
		tick(0, 1250),
		tick(-5, 1250),
		{Price: 10},
	} {
		s, _, err := ApplyTick(series, bad, 300, Options{})
		assert.ErrorIs(t, err, candle.ErrInvalidTick)
		assert.Equal(t, candle.Series{candle.Flat(1200, 10)}, s)
	}

	_, _, err := ApplyTick(series, tick(1, 1250), 0, Options{})
	assert.ErrorIs(t, err, candle.ErrSetupFailure)
}

func TestApplyTickSkippedIntervals(t *testing.T) {
	series := candle.Series{{OpenTime: 1000, Open: 10, High: 12, Low: 9, Close: 11}}

	s, u, err := ApplyTick(series.Clone(), tick(20, 1905), 300, Options{})
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.Equal(t, int64(1800), s[1].OpenTime)
	assert.Len(t, u.Candles, 1)

	s, u, err = ApplyTick(series.Clone(), tick(20, 1905), 300, Options{Backfill: true})
	require.NoError(t, err)
	require.Len(t, s, 4)
	assert.Equal(t, []int64{1000, 1200, 1500, 1800}, openTimes(s))
	assert.Equal(t, candle.Flat(1200, 11), s[1])
	assert.Equal(t, candle.Flat(1500, 11), s[2])
	assert.Equal(t, candle.Flat(1800, 20), s[3])
	assert.Equal(t, Appended, u.Kind)
	assert.Len(t, u.Candles, 3)
	assert.NoError(t, s.Validate())
}

func TestApplyTickKeepsSeriesOrdered(t *testing.T) {
	var s candle.Series
	at := int64(1_700_000_000)
	for i := 0; i < 500; i++ {
		at += int64(i%7) * 37
		if i%11 == 0 {
			at -= 100
		}
		var err error
		s, _, err = ApplyTick(s, tick(100+float64(i%13), at), 60, Options{Backfill: i%2 == 0})
		require.NoError(t, err)
	}
	require.NoError(t, s.Validate())
	for _, c := range s {
		require.NoError(t, c.Validate())
	}
}

func openTimes(s candle.Series) []int64 {
	out := make([]int64, len(s))
	for i, c := range s {
		out[i] = c.OpenTime
	}
	return out
}

func TestAggregatorPublishesUpdates(t *testing.T) {
	a, err := New(Config{Interval: 60}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var got []Update
	tok := a.Subscribe(func(u Update) { got = append(got, u) })

	require.NoError(t, a.Reset(candle.Series{candle.Flat(900, 100)}))
	_, err = a.Apply(tick(101, 930))
	require.NoError(t, err)
	_, err = a.Apply(tick(102, 1000))
	require.NoError(t, err)
	_, err = a.Apply(tick(0, 1001))
	assert.ErrorIs(t, err, candle.ErrInvalidTick)

	require.Len(t, got, 3)
	assert.Equal(t, Reset, got[0].Kind)
	assert.Equal(t, Replaced, got[1].Kind)
	assert.Equal(t, Appended, got[2].Kind)
	c, ok := got[2].Candle()
	require.True(t, ok)
	assert.Equal(t, int64(960), c.OpenTime)

	last, ok := a.LastTick()
	require.True(t, ok)
	assert.Equal(t, 102.0, last.Price)

	tok.Unsubscribe()
	_, err = a.Apply(tick(103, 1002))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestAggregatorSnapshotIsACopy(t *testing.T) {
	a, err := New(Config{Interval: 60}, nil)
	require.NoError(t, err)
	_, err = a.Apply(tick(10, 60))
	require.NoError(t, err)

	snap := a.Snapshot()
	snap[0].Close = 999
	assert.Equal(t, 10.0, a.Snapshot()[0].Close)
}

func TestAggregatorResetRejectsUnorderedSeries(t *testing.T) {
	a, err := New(Config{Interval: 60}, nil)
	require.NoError(t, err)
	err = a.Reset(candle.Series{candle.Flat(120, 1), candle.Flat(60, 1)})
	assert.ErrorIs(t, err, candle.ErrInvalidRecord)
	assert.Empty(t, a.Snapshot())
}

func TestAggregatorResize(t *testing.T) {
	a, err := New(Config{Interval: 60, MaxCandles: 5}, nil)
	require.NoError(t, err)

	for i := int64(0); i < 11; i++ {
		_, err := a.Apply(tick(100, i*60))
		require.NoError(t, err)
	}
	// 11 > 2×5, so the buffer trims back to the newest 5.
	s := a.Snapshot()
	require.Len(t, s, 5)
	assert.Equal(t, int64(600), s[4].OpenTime)
	assert.Equal(t, int64(360), s[0].OpenTime)

	_, err = a.Apply(tick(100, 11*60))
	require.NoError(t, err)
	assert.Len(t, a.Snapshot(), 6)
}

func TestNewRejectsBadInterval(t *testing.T) {
	_, err := New(Config{Interval: 0}, nil)
	assert.ErrorIs(t, err, candle.ErrSetupFailure)
}
