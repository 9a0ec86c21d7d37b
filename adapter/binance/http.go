package binance

import (
	"context"
	"fmt"

	gobinance "github.com/adshao/go-binance/v2"

	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
)

const maxLimit = 1000

// FetchHistory requests the most recent limit klines from /api/v3/klines.
func (a *Adapter) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]normalize.RawRecord, error) {
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	klines, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s/%s: %w", symbol, interval, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("binance: klines %s/%s: empty response: %w", symbol, interval, candle.ErrSourceUnavailable)
	}
	return parseKlines(klines), nil
}

// parseKlines keeps the Binance encodings (ms open time, string prices)
// and leaves resolution to the normalizer.
func parseKlines(klines []*gobinance.Kline) []normalize.RawRecord {
	out := make([]normalize.RawRecord, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		out = append(out, normalize.RawRecord{
			OpenTime: k.OpenTime,
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		})
	}
	return out
}

// FetchPrice reads the 24h rolling ticker for symbol.
func (a *Adapter) FetchPrice(ctx context.Context, symbol string) (candle.Tick, error) {
	stats, err := a.client.NewListPriceChangeStatsService().
		Symbol(symbol).
		Do(ctx)
	if err != nil {
		return candle.Tick{}, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 || stats[0] == nil {
		return candle.Tick{}, fmt.Errorf("binance: ticker %s: empty response: %w", symbol, candle.ErrSourceUnavailable)
	}

	s := stats[0]
	tick := candle.Tick{
		Symbol:        s.Symbol,
		Price:         number(s.LastPrice),
		ReceivedAt:    a.now(),
		Change:        number(s.PriceChange),
		ChangePercent: number(s.PriceChangePercent),
		High24h:       number(s.HighPrice),
		Low24h:        number(s.LowPrice),
		Volume24h:     number(s.Volume),
	}
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	if err := tick.Validate(); err != nil {
		return candle.Tick{}, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}
	return tick, nil
}

// number parses a Binance decimal string, yielding zero when absent.
func number(s string) float64 {
	v, _ := normalize.ParseNumber(s)
	return v
}
