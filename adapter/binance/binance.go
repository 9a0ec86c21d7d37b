package binance

import (
	"net/http"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yitech/candlefeed/config"
)

// Adapter is the Binance spot adapter. It serves as the primary history
// source, the primary current-price source and the live ticker feed.
type Adapter struct {
	client *gobinance.Client
	wsURL  string
	dialer *websocket.Dialer
	log    *zap.Logger
	now    func() time.Time
}

func New(cfg config.BinanceConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	client := gobinance.NewClient("", "")
	if cfg.RestURL != "" {
		client.BaseURL = cfg.RestURL
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = wsBaseURL
	}

	return &Adapter{
		client: client,
		wsURL:  wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		log: log.Named("binance"),
		now: time.Now,
	}
}

func (a *Adapter) Name() string { return "binance" }
