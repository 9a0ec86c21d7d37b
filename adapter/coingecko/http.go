package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	vsCurrency     = "usd"
	daySeconds     = 86400
)

// FetchHistory requests daily closing prices covering limit intervals and
// returns them as close-only records, oldest first. CoinGecko has no OHLC
// for this endpoint, so the normalizer derives open/high/low.
func (a *Adapter) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]normalize.RawRecord, error) {
	id, err := a.assetID(symbol)
	if err != nil {
		return nil, err
	}
	step, err := candle.ParseInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("coingecko: %w", err)
	}

	q := url.Values{}
	q.Set("vs_currency", vsCurrency)
	q.Set("days", strconv.Itoa(Days(limit, step)))
	q.Set("interval", "daily")

	var body struct {
		Prices [][]json.Number `json:"prices"`
	}
	if err := a.get(ctx, "/coins/"+url.PathEscape(id)+"/market_chart", q, &body); err != nil {
		return nil, err
	}
	if len(body.Prices) == 0 {
		return nil, fmt.Errorf("coingecko: market_chart %s: no prices: %w", id, candle.ErrSourceUnavailable)
	}

	out := make([]normalize.RawRecord, 0, len(body.Prices))
	for i, p := range body.Prices {
		if len(p) < 2 {
			a.log.Debug("skipping short price point", zap.Int("index", i))
			continue
		}
		out = append(out, normalize.RawRecord{OpenTime: p[0], Close: p[1]})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Days is the market_chart window that covers count candles of step
// seconds: at least one day.
func Days(count int, step int64) int {
	if count <= 0 || step <= 0 {
		return 1
	}
	d := int(math.Ceil(float64(count) * float64(step) / daySeconds))
	return max(1, d)
}

// FetchPrice reads the simple price endpoint with 24h change and volume.
func (a *Adapter) FetchPrice(ctx context.Context, symbol string) (candle.Tick, error) {
	id, err := a.assetID(symbol)
	if err != nil {
		return candle.Tick{}, err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vsCurrency)
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")

	var body map[string]map[string]json.Number
	if err := a.get(ctx, "/simple/price", q, &body); err != nil {
		return candle.Tick{}, err
	}
	quote, ok := body[id]
	if !ok {
		return candle.Tick{}, fmt.Errorf("coingecko: simple price: %s missing: %w", id, candle.ErrSourceUnavailable)
	}

	num := func(k string) float64 {
		v, _ := normalize.ParseNumber(quote[k])
		return v
	}
	tick := candle.Tick{
		Symbol:        symbol,
		Price:         num(vsCurrency),
		ReceivedAt:    a.now(),
		ChangePercent: num(vsCurrency + "_24h_change"),
		Volume24h:     num(vsCurrency + "_24h_vol"),
	}
	if err := tick.Validate(); err != nil {
		return candle.Tick{}, fmt.Errorf("coingecko: simple price %s: %w", id, err)
	}
	return tick, nil
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, out any) error {
	u, err := url.Parse(a.baseURL + path)
	if err != nil {
		return fmt.Errorf("coingecko: parse url: %w", err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("coingecko: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("coingecko: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coingecko: unexpected status %s: %w", resp.Status, candle.ErrSourceUnavailable)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("coingecko: decode response: %w", err)
	}
	return nil
}
