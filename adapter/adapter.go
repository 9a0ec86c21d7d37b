package adapter

import (
	"context"

	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/normalize"
)

// HistorySource fetches a bounded window of past klines. Records come back
// in the source's own encoding; callers run them through normalize.
type HistorySource interface {
	Name() string
	// FetchHistory returns up to limit of the most recent klines for
	// symbol at the given interval ("1m", "1h", "1d", ...).
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]normalize.RawRecord, error)
}

// PriceSource fetches the last traded price plus 24h aggregates.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (candle.Tick, error)
}

// Feed opens live ticker streams.
type Feed interface {
	// Dial opens a stream for symbol. Errors wrapping candle.ErrSetupFailure
	// mean retrying without a configuration change is pointless.
	Dial(ctx context.Context, symbol string) (Stream, error)
}

// Stream is one live connection. Recv blocks until the next well-formed
// tick; malformed messages are dropped by the implementation. Any error
// from Recv ends the stream.
type Stream interface {
	Recv(ctx context.Context) (candle.Tick, error)
	Close() error
}

// Token cancels a single handler registration.
type Token interface {
	Unsubscribe()
}
