package coingecko

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/model/candle"
)

// Adapter is the CoinGecko adapter: the secondary history source (daily
// close-only points) and the secondary current-price source.
type Adapter struct {
	client   *http.Client
	baseURL  string
	assetIDs map[string]string
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.CoinGeckoConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	ids := make(map[string]string, len(cfg.AssetIDs))
	for sym, id := range cfg.AssetIDs {
		ids[strings.ToUpper(sym)] = id
	}

	return &Adapter{
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		assetIDs: ids,
		log:      log.Named("coingecko"),
		now:      time.Now,
	}
}

func (a *Adapter) Name() string { return "coingecko" }

// assetID maps an exchange pair to a CoinGecko coin id.
func (a *Adapter) assetID(symbol string) (string, error) {
	id, ok := a.assetIDs[strings.ToUpper(symbol)]
	if !ok {
		return "", fmt.Errorf("coingecko: no asset id for %s: %w", symbol, candle.ErrSourceUnavailable)
	}
	return id, nil
}
