package okx

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
	baseURL   = "https://www.okx.com"
	klinePath = "/api/v5/market/history-candles"
	maxLimit  = 100
)

// FetchHistory returns the most recent limit candles, oldest first.
//
// OKX returns candles newest-first using cursor-based pagination via the
// `after` parameter, so pages are walked backwards and then reversed.
func (a *Adapter) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]normalize.RawRecord, error) {
	instID, err := InstID(symbol)
	if err != nil {
		return nil, err
	}
	bar, err := Bar(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxLimit
	}

	var all [][]string
	after := ""
	for len(all) < limit {
		want := min(maxLimit, limit-len(all))
		batch, err := a.fetchBatch(ctx, instID, bar, after, want)
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
		// after=T returns candles with ts < T.
		after = all[len(all)-1][0]
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("okx: %s %s: no candles: %w", instID, bar, candle.ErrSourceUnavailable)
	}

	out := make([]normalize.RawRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, toRecord(all[i]))
	}
	a.log.Debug("fetched history", zap.String("inst_id", instID), zap.String("bar", bar), zap.Int("count", len(out)))
	return out, nil
}

// fetchBatch fetches a single page from the OKX history-candles endpoint.
func (a *Adapter) fetchBatch(ctx context.Context, instID, bar, after string, limit int) ([][]string, error) {
	u, err := url.Parse(a.baseURL + klinePath)
	if err != nil {
		return nil, fmt.Errorf("okx: parse url: %w", err)
	}

	q := u.Query()
	q.Set("instId", instID)
	q.Set("bar", bar)
	if after != "" {
		q.Set("after", after)
	}
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("okx: build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("okx: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("okx: unexpected status %s: %w", resp.Status, candle.ErrSourceUnavailable)
	}

	// OKX envelope
	var envelope struct {
		Code string     `json:"code"`
		Msg  string     `json:"msg"`
		Data [][]string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("okx: decode response: %w", err)
	}
	if envelope.Code != "0" {
		return nil, fmt.Errorf("okx: api error %s: %s: %w", envelope.Code, envelope.Msg, candle.ErrSourceUnavailable)
	}

	rows := envelope.Data[:0]
	for i, r := range envelope.Data {
		if len(r) < 6 {
			a.log.Warn("skipping short kline row", zap.Int("index", i), zap.Int("fields", len(r)))
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// toRecord keeps the OKX wire encodings for the normalizer.
//
// OKX kline array layout:
//
//	[0] ts        (open time, ms)
//	[1] o         (open)
//	[2] h         (high)
//	[3] l         (low)
//	[4] c         (close)
//	[5] vol       (base currency volume)
//	[6..8]        unused
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
