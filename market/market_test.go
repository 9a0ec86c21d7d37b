package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/aggregator"
	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/loader"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
	"github.com/yitech/candlefeed/synth"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

var errDown = errors.New("connection refused")

type stubHistory struct {
	raw []normalize.RawRecord
	err error
}

func (s stubHistory) Name() string { return "stub" }

func (s stubHistory) FetchHistory(context.Context, string, string, int) ([]normalize.RawRecord, error) {
	return s.raw, s.err
}

type chanStream struct {
	ticks  chan candle.Tick
	closed chan struct{}
	once   sync.Once
}

func (s *chanStream) Recv(ctx context.Context) (candle.Tick, error) {
	select {
	case t := <-s.ticks:
		return t, nil
	case <-s.closed:
		return candle.Tick{}, candle.ErrConnectionLost
	case <-ctx.Done():
		return candle.Tick{}, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stubFeed fails the first fail dials and then serves stream.
type stubFeed struct {
	mu     sync.Mutex
	fail   int
	stream *chanStream
}

func newStubFeed(fail int) *stubFeed {
	return &stubFeed{fail: fail, stream: &chanStream{ticks: make(chan candle.Tick), closed: make(chan struct{})}}
}

func (f *stubFeed) Dial(ctx context.Context, symbol string) (adapter.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, errDown
	}
	return f.stream, nil
}

func hourlyEndingNow(n int) []normalize.RawRecord {
	last := candle.Boundary(time.Now().Unix(), 3600)
	out := make([]normalize.RawRecord, n)
	for i := range out {
		ts := last - int64(n-1-i)*3600
		out[i] = normalize.RawRecord{OpenTime: ts, Open: "100", High: "110", Low: "90", Close: "105", Volume: "3"}
	}
	return out
}

func newService(t *testing.T, history adapter.HistorySource, feed adapter.Feed) *Service {
	t.Helper()
	log := zaptest.NewLogger(t)
	ld := loader.New(loader.Config{StrategyTimeout: 100 * time.Millisecond}, []adapter.HistorySource{history}, nil, log)
	svc := NewService(Config{
		HistoryCount:  24,
		FallbackDelay: 20 * time.Millisecond,
		SimPeriod:     10 * time.Millisecond,
		Synth:         synth.DefaultParams(),
	}, ld, feed, log)
	t.Cleanup(svc.Close)
	return svc
}

type events struct {
	mu  sync.Mutex
	evs []Event
}

func (e *events) handler(ev Event) {
	e.mu.Lock()
	e.evs = append(e.evs, ev)
	e.mu.Unlock()
}

func (e *events) count(kind EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (e *events) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.evs)
}

func TestSubscribeLive(t *testing.T) {
	feed := newStubFeed(0)
	svc := newService(t, stubHistory{raw: hourlyEndingNow(24)}, feed)

	sub, err := svc.Subscribe(context.Background(), "btcusdt", "1h")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sub.Symbol)
	assert.NotEmpty(t, sub.ID)

	snap := sub.Snapshot()
	assert.Len(t, snap.Series, 24)
	assert.Equal(t, "stub", snap.HistorySource)
	assert.False(t, snap.HistorySynthetic)
	assert.Equal(t, 105.0, snap.CurrentTick.Price)

	var evs events
	sub.OnEvent(evs.handler)

	feed.stream.ticks <- candle.Tick{Symbol: "BTCUSDT", Price: 120, ReceivedAt: time.Now()}
	require.Eventually(t, func() bool { return sub.Snapshot().State == candle.StateLive }, waitFor, poll)
	require.Eventually(t, func() bool { return evs.count(EventTick) == 1 }, waitFor, poll)

	snap = sub.Snapshot()
	require.Len(t, snap.Series, 24)
	last, _ := snap.Series.Last()
	assert.Equal(t, 120.0, last.Close)
	assert.Equal(t, 120.0, last.High)
	assert.Equal(t, 90.0, last.Low)
	assert.Equal(t, 120.0, snap.CurrentTick.Price)

	// The initial connecting event may precede registration; skip it.
	evs.mu.Lock()
	var kinds []EventKind
	var candleEv Event
	for _, ev := range evs.evs {
		if ev.Kind == EventState && ev.State == candle.StateConnecting {
			continue
		}
		if ev.Kind == EventCandle {
			candleEv = ev
		}
		kinds = append(kinds, ev.Kind)
	}
	evs.mu.Unlock()
	assert.Equal(t, []EventKind{EventState, EventCandle, EventTick}, kinds)
	assert.Equal(t, aggregator.Replaced, candleEv.Update.Kind)
	c, ok := candleEv.Update.Candle()
	require.True(t, ok)
	assert.Equal(t, 120.0, c.Close)
}

func TestSubscribeDegradesToSimulated(t *testing.T) {
	svc := newService(t, stubHistory{err: errDown}, newStubFeed(1))

	sub, err := svc.Subscribe(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)

	snap := sub.Snapshot()
	assert.True(t, snap.HistorySynthetic)
	assert.False(t, snap.HistoryUnavailable)
	require.NotEmpty(t, snap.Series)
	require.NoError(t, snap.Series.Validate())

	require.Eventually(t, func() bool { return sub.Snapshot().State == candle.StateSimulated }, waitFor, poll)
	require.Eventually(t, func() bool { return sub.Snapshot().CurrentTick.Simulated }, waitFor, poll)

	sub.Unsubscribe()
	snap = sub.Snapshot()
	last, _ := snap.Series.Last()
	assert.Equal(t, snap.CurrentTick.Price, last.Close)
	assert.ErrorIs(t, snap.StateErr, errDown)
}

func TestReconnectAfterSimulated(t *testing.T) {
	feed := newStubFeed(1)
	svc := newService(t, stubHistory{raw: hourlyEndingNow(5)}, feed)

	sub, err := svc.Subscribe(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.Snapshot().State == candle.StateSimulated }, waitFor, poll)

	found, ok := svc.Lookup(sub.ID)
	require.True(t, ok)
	found.Reconnect()

	feed.stream.ticks <- candle.Tick{Symbol: "BTCUSDT", Price: 99, ReceivedAt: time.Now()}
	require.Eventually(t, func() bool { return sub.Snapshot().State == candle.StateLive }, waitFor, poll)
}

func TestSubscribeRejectsBadGranularity(t *testing.T) {
	svc := newService(t, stubHistory{err: errDown}, newStubFeed(0))
	_, err := svc.Subscribe(context.Background(), "BTCUSDT", "fortnightly")
	assert.ErrorIs(t, err, candle.ErrSetupFailure)
	assert.Zero(t, svc.Len())
}

func TestInvalidSymbolSurfacesAsErrorState(t *testing.T) {
	svc := newService(t, stubHistory{err: errDown}, newStubFeed(0))
	sub, err := svc.Subscribe(context.Background(), "BTC/USDT", "1h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.Snapshot().State == candle.StateError }, waitFor, poll)
	assert.NotEmpty(t, sub.Snapshot().Series)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	svc := newService(t, stubHistory{err: errDown}, newStubFeed(1))
	sub, err := svc.Subscribe(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)

	var evs events
	sub.OnEvent(evs.handler)
	require.Eventually(t, func() bool { return evs.count(EventTick) >= 2 }, waitFor, poll)

	sub.Unsubscribe()
	n := evs.len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, evs.len())
	assert.True(t, isClosed(sub.Done()))

	_, ok := svc.Lookup(sub.ID)
	assert.False(t, ok)
	assert.Zero(t, svc.Len())

	sub.Unsubscribe()
}

func TestServiceCloseSignalsDone(t *testing.T) {
	svc := newService(t, stubHistory{err: errDown}, newStubFeed(100))
	a, err := svc.Subscribe(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	b, err := svc.Subscribe(context.Background(), "ETHUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, isClosed(a.Done()))

	svc.Close()
	assert.True(t, isClosed(a.Done()))
	assert.True(t, isClosed(b.Done()))
	assert.Zero(t, svc.Len())
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestHandlerTokenUnsubscribe(t *testing.T) {
	svc := newService(t, stubHistory{err: errDown}, newStubFeed(1))
	sub, err := svc.Subscribe(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)

	var a, b events
	tokA := sub.OnEvent(a.handler)
	snap, _ := sub.Watch(b.handler)
	assert.NotEmpty(t, snap.Series)

	require.Eventually(t, func() bool { return a.count(EventTick) >= 1 }, waitFor, poll)
	tokA.Unsubscribe()
	n := a.len()
	require.Eventually(t, func() bool { return b.count(EventTick) >= 3 }, waitFor, poll)
	assert.Equal(t, n, a.len())
}

const binanceKlines = `[[%d,"100","110","90","105","3",0,"0",1,"0","0","0"],[%d,"105","112","101","108","4",0,"0",1,"0","0","0"]]`

func TestNewFromConfigEndToEnd(t *testing.T) {
	now := time.Now().Unix()
	last := candle.Boundary(now, 60)

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/klines":
			fmt.Fprintf(w, binanceKlines, (last-60)*1000, last*1000)
		case "/api/v3/ticker/24hr":
			fmt.Fprint(w, `{"symbol":"BTCUSDT","lastPrice":"108.5","priceChange":"1","priceChangePercent":"0.9","highPrice":"112","lowPrice":"90","volume":"7"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer rest.Close()

	up := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := `{"e":"24hrTicker","s":"BTCUSDT","c":"111.25","p":"1","P":"1","h":"112","l":"90","v":"8"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	cfg := config.Default()
	cfg.Interval = "1m"
	cfg.HistoryCount = 2
	cfg.Binance.RestURL = rest.URL
	cfg.Binance.WSURL = "ws" + strings.TrimPrefix(ws.URL, "http")
	cfg.CoinGecko.BaseURL = rest.URL
	cfg.History.Sources = []string{config.SourceBinance, config.SourceCoinGecko}
	cfg.History.StrategyTimeout = time.Second
	require.NoError(t, cfg.Validate())

	svc, err := NewFromConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Close()

	sub, err := svc.Subscribe(context.Background(), cfg.Symbol, cfg.Interval)
	require.NoError(t, err)

	snap := sub.Snapshot()
	assert.Equal(t, "binance", snap.HistorySource)
	require.Len(t, snap.Series, 2)
	assert.Equal(t, 108.5, snap.CurrentTick.Price)

	require.Eventually(t, func() bool {
		s := sub.Snapshot()
		return s.State == candle.StateLive && s.CurrentTick.Price == 111.25
	}, waitFor, poll)

	lastCandle, _ := sub.Snapshot().Series.Last()
	assert.Equal(t, 111.25, lastCandle.Close)
}

func TestNewFromConfigRejectsUnknownSource(t *testing.T) {
	cfg := config.Default()
	cfg.History.Sources = []string{"kraken"}
	_, err := NewFromConfig(cfg, nil)
	assert.Error(t, err)
}
