package okx

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/model/candle"
)

// Adapter is the OKX history source. It reads spot candles from the
// public history-candles endpoint.
type Adapter struct {
	client  *http.Client
	baseURL string
	log     *zap.Logger
}

func New(cfg config.OKXConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	u := strings.TrimRight(cfg.BaseURL, "/")
	if u == "" {
		u = baseURL
	}
	return &Adapter{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: u,
		log:     log.Named("okx"),
	}
}

func (a *Adapter) Name() string { return "okx" }

var quoteAssets = []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH"}

// InstID converts an exchange pair such as "BTCUSDT" into the OKX
// instrument id "BTC-USDT".
func InstID(symbol string) (string, error) {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "-") {
		return s, nil
	}
	for _, q := range quoteAssets {
		if base, ok := strings.CutSuffix(s, q); ok && base != "" {
			return base + "-" + q, nil
		}
	}
	return "", fmt.Errorf("okx: cannot split %q into base and quote: %w", symbol, candle.ErrSourceUnavailable)
}

// Bar converts an interval such as "1h" into the OKX bar "1H". Minutes
// stay lowercase; hours, days and weeks are uppercase.
func Bar(interval string) (string, error) {
	secs, err := candle.ParseInterval(interval)
	if err != nil {
		return "", fmt.Errorf("okx: %w", err)
	}
	switch {
	case secs%604800 == 0:
		return fmt.Sprintf("%dW", secs/604800), nil
	case secs%86400 == 0:
		return fmt.Sprintf("%dD", secs/86400), nil
	case secs%3600 == 0:
		return fmt.Sprintf("%dH", secs/3600), nil
	case secs%60 == 0:
		return fmt.Sprintf("%dm", secs/60), nil
	}
	return "", fmt.Errorf("okx: no bar for %s: %w", interval, candle.ErrSourceUnavailable)
}
