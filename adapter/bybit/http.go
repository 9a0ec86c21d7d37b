package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
)

const (
	baseURL   = "https://api.bybit.com"
	klinePath = "/v5/market/kline"
	maxLimit  = 200
)

// FetchHistory returns the most recent limit candles, oldest first.
//
// Bybit returns candles newest-first; pages are walked backwards with the
// `end` parameter and the result reversed before returning.
func (a *Adapter) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]normalize.RawRecord, error) {
	iv, err := Interval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxLimit
	}

	var all [][]string
	var end int64
	for len(all) < limit {
		want := min(maxLimit, limit-len(all))
		batch, err := a.fetchBatch(ctx, symbol, iv, end, want)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < want {
			break
		}

		// batch is newest-first, so the oldest openTime is at the end.
		oldest, err := strconv.ParseInt(all[len(all)-1][0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit: kline open_time: %w", err)
		}
		end = oldest - 1
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("bybit: %s %s: no candles: %w", symbol, iv, candle.ErrSourceUnavailable)
	}

	out := make([]normalize.RawRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, toRecord(all[i]))
	}
	a.log.Debug("fetched history", zap.String("symbol", symbol), zap.String("interval", iv), zap.Int("count", len(out)))
	return out, nil
}

// fetchBatch fetches a single page from the Bybit kline endpoint. A zero
// end asks for the latest candles.
func (a *Adapter) fetchBatch(ctx context.Context, symbol, interval string, end int64, limit int) ([][]string, error) {
	u, err := url.Parse(a.baseURL + klinePath)
	if err != nil {
		return nil, fmt.Errorf("bybit: parse url: %w", err)
	}

	q := u.Query()
	q.Set("category", a.category)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if end > 0 {
		q.Set("end", strconv.FormatInt(end, 10))
	}
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bybit: unexpected status %s: %w", resp.Status, candle.ErrSourceUnavailable)
	}

	// Bybit V5 envelope
	var envelope struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("bybit: decode response: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("bybit: api error %d: %s: %w", envelope.RetCode, envelope.RetMsg, candle.ErrSourceUnavailable)
	}

	rows := envelope.Result.List[:0]
	for i, r := range envelope.Result.List {
		if len(r) < 6 {
			a.log.Warn("skipping short kline row", zap.Int("index", i), zap.Int("fields", len(r)))
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// toRecord keeps the Bybit wire encodings for the normalizer.
//
// Bybit kline array layout:
//
//	[0] startTime  (ms)
//	[1] openPrice
//	[2] highPrice
//	[3] lowPrice
//	[4] closePrice
//	[5] volume     (base coin)
//	[6] turnover   (quote coin), unused
func toRecord(r []string) normalize.RawRecord {
	return normalize.RawRecord{
		OpenTime: r[0],
		Open:     r[1],
		High:     r[2],
		Low:      r[3],
		Close:    r[4],
		Volume:   r[5],
	}
}
