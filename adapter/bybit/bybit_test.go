package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
)

func TestInterval(t *testing.T) {
	for in, want := range map[string]string{
		"1m": "1", "5m": "5", "1h": "60", "4h": "240", "12h": "720", "1d": "D", "1w": "W",
	} {
		got, err := Interval(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"2m", "90s", "3d"} {
		_, err := Interval(in)
		assert.ErrorIs(t, err, candle.ErrSourceUnavailable, in)
	}
}

const minute = int64(60_000)

// fakeBybit serves n five-minute candles ending at newest, newest-first,
// paged by the end parameter.
func fakeBybit(t *testing.T, n int, newest int64) *httptest.Server {
	t.Helper()
	step := 5 * minute
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, klinePath, r.URL.Path)
		assert.Equal(t, "spot", q.Get("category"))
		assert.Equal(t, "5", q.Get("interval"))

		limit, _ := strconv.Atoi(q.Get("limit"))
		end := newest
		if e := q.Get("end"); e != "" {
			end, _ = strconv.ParseInt(e, 10, 64)
		}
		oldest := newest - int64(n-1)*step

		var list [][]string
		for ts := end - (end-oldest)%step; ts >= oldest && len(list) < limit; ts -= step {
			p := strconv.FormatInt(1000+(ts-oldest)/step, 10)
			list = append(list, []string{strconv.FormatInt(ts, 10), p, p, p, p, "2", "0"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"retCode": 0, "retMsg": "OK",
			"result": map[string]any{"list": list},
		})
	}))
}

func TestFetchHistoryPaginates(t *testing.T) {
	newest := int64(1_700_000_100_000) - int64(1_700_000_100_000)%(5*minute)
	srv := fakeBybit(t, 500, newest)
	defer srv.Close()

	a := New(config.BybitConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	raw, err := a.FetchHistory(context.Background(), "BTCUSDT", "5m", 450)
	require.NoError(t, err)
	require.Len(t, raw, 450)

	series, err := normalize.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, series, 450)
	assert.NoError(t, series.Validate())
	assert.Equal(t, newest/1000, series[449].OpenTime)
	assert.Equal(t, 1499.0, series[449].Close)
	assert.Equal(t, 2.0, series[0].Volume)
}

func TestFetchHistoryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "EMPTYUSDT" {
			_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	}))
	defer srv.Close()

	a := New(config.BybitConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := a.FetchHistory(context.Background(), "BTCUSDT", "1h", 10)
	assert.ErrorIs(t, err, candle.ErrSourceUnavailable)

	_, err = a.FetchHistory(context.Background(), "EMPTYUSDT", "1h", 10)
	assert.ErrorIs(t, err, candle.ErrSourceUnavailable)
}
