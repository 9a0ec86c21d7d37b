package bybit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/model/candle"
)

// Adapter is the Bybit history source backed by the V5 kline endpoint.
type Adapter struct {
	client   *http.Client
	baseURL  string
	category string
	log      *zap.Logger
}

func New(cfg config.BybitConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	u := strings.TrimRight(cfg.BaseURL, "/")
	if u == "" {
		u = baseURL
	}
	category := cfg.Category
	if category == "" {
		category = "spot"
	}
	return &Adapter{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  u,
		category: category,
		log:      log.Named("bybit"),
	}
}

func (a *Adapter) Name() string { return "bybit" }

// Interval converts "1h" style intervals to Bybit's: minute counts for
// sub-day intervals, "D" and "W" otherwise.
func Interval(interval string) (string, error) {
	secs, err := candle.ParseInterval(interval)
	if err != nil {
		return "", fmt.Errorf("bybit: %w", err)
	}
	switch secs {
	case 86400:
		return "D", nil
	case 604800:
		return "W", nil
	}
	switch secs / 60 {
	case 1, 3, 5, 15, 30, 60, 120, 240, 360, 720:
		if secs%60 == 0 {
			return strconv.FormatInt(secs/60, 10), nil
		}
	}
	return "", fmt.Errorf("bybit: unsupported interval %s: %w", interval, candle.ErrSourceUnavailable)
}
