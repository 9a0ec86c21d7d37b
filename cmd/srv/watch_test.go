package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yitech/candlefeed/aggregator"
	"github.com/yitech/candlefeed/market"
	"github.com/yitech/candlefeed/model/candle"
)

func TestFormatEvent(t *testing.T) {
	c := candle.Candle{OpenTime: 1_700_000_000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 2}
	line := formatEvent(market.Event{
		Kind:   market.EventCandle,
		Update: aggregator.Update{Kind: aggregator.Appended, Candles: []candle.Candle{c}},
	}, false)
	assert.Contains(t, line, "C:11.00")
	assert.Contains(t, line, "appended")

	tick := market.Event{Kind: market.EventTick, Tick: candle.Tick{Price: 11.5, ReceivedAt: time.Now(), Simulated: true}}
	assert.Empty(t, formatEvent(tick, false))
	assert.Contains(t, formatEvent(tick, true), "(sim)")

	st := formatEvent(market.Event{Kind: market.EventState, State: candle.StateError, Err: errors.New("bad symbol")}, false)
	assert.Contains(t, st, "error: bad symbol")
	assert.Contains(t, formatEvent(market.Event{Kind: market.EventState, State: candle.StateLive}, false), "state live")

	assert.Empty(t, formatEvent(market.Event{Kind: market.EventCandle}, false))
}
