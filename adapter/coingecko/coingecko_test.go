package coingecko

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	return New(config.CoinGeckoConfig{
		BaseURL:  baseURL,
		AssetIDs: map[string]string{"btcusdt": "bitcoin"},
		Timeout:  2 * time.Second,
	}, zaptest.NewLogger(t))
}

func TestDays(t *testing.T) {
	assert.Equal(t, 1, Days(24, 3600))
	assert.Equal(t, 2, Days(25, 3600))
	assert.Equal(t, 100, Days(100, 86400))
	assert.Equal(t, 1, Days(10, 60))
	assert.Equal(t, 1, Days(0, 3600))
}

func TestFetchHistory(t *testing.T) {
	const day = int64(1_699_920_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "3", r.URL.Query().Get("days"))
		assert.Equal(t, "daily", r.URL.Query().Get("interval"))
		fmt.Fprintf(w, `{"prices":[[%d,35000.5],[%d,36000],[%d],[%d,35500.25],[%d,37000]],"total_volumes":[]}`,
			day*1000, (day+86400)*1000, (day+2*86400)*1000, (day+2*86400)*1000, (day+3*86400)*1000)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	raw, err := a.FetchHistory(context.Background(), "BTCUSDT", "1d", 3)
	require.NoError(t, err)
	require.Len(t, raw, 3)

	series, err := normalize.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, day+86400, series[0].OpenTime)
	assert.Equal(t, 36000.0, series[0].Close)
	// Close-only points open at the previous close.
	assert.Equal(t, 36000.0, series[1].Open)
	assert.Equal(t, 35500.25, series[1].Close)
	assert.Equal(t, 36000.0, series[1].High)
	assert.Equal(t, 35500.25, series[1].Low)
	assert.Equal(t, 37000.0, series[2].Close)
}

func TestFetchHistoryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("days") {
		case "1":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"prices":[]}`)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	ctx := context.Background()

	_, err := a.FetchHistory(ctx, "BTCUSDT", "1h", 10)
	assert.ErrorIs(t, err, candle.ErrSourceUnavailable)

	_, err = a.FetchHistory(ctx, "BTCUSDT", "1d", 10)
	assert.ErrorIs(t, err, candle.ErrSourceUnavailable)

	_, err = a.FetchHistory(ctx, "DOGEUSDT", "1d", 10)
	assert.ErrorIs(t, err, candle.ErrSourceUnavailable)

	_, err = a.FetchHistory(ctx, "BTCUSDT", "soon", 10)
	assert.ErrorIs(t, err, candle.ErrSetupFailure)
}

func TestFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"bitcoin":{"usd":64123.5,"usd_24h_change":-1.25,"usd_24h_vol":123456789}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	tick, err := a.FetchPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 64123.5, tick.Price)
	assert.Equal(t, -1.25, tick.ChangePercent)
	assert.Equal(t, 123456789.0, tick.Volume24h)
}

func TestFetchPriceInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bitcoin":{"usd":0}}`)
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL).FetchPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, candle.ErrInvalidTick)
}
