package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/model/candle"
)

const wsBaseURL = "wss://stream.binance.com:9443/ws"

// Dial opens the <symbol>@ticker stream.
func (a *Adapter) Dial(ctx context.Context, symbol string) (adapter.Stream, error) {
	if !candle.ValidSymbol(symbol) {
		return nil, fmt.Errorf("binance ws: symbol %q: %w", symbol, candle.ErrSetupFailure)
	}
	u, err := url.Parse(a.wsURL + "/" + strings.ToLower(symbol) + "@ticker")
	if err != nil {
		return nil, fmt.Errorf("binance ws: parse url: %v: %w", err, candle.ErrSetupFailure)
	}

	conn, _, err := a.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance ws [%s]: dial: %v: %w", symbol, err, candle.ErrSourceUnavailable)
	}
	return &stream{
		conn:   conn,
		symbol: symbol,
		log:    a.log.With(zap.String("symbol", symbol)),
		now:    a.now,
	}, nil
}

// stream is a single Binance ticker websocket session.
type stream struct {
	conn   *websocket.Conn
	symbol string
	log    *zap.Logger
	now    func() time.Time

	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Recv(ctx context.Context) (candle.Tick, error) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return candle.Tick{}, ctx.Err()
			}
			return candle.Tick{}, fmt.Errorf("binance ws [%s]: read: %v: %w", s.symbol, err, candle.ErrConnectionLost)
		}

		t, err := parseWsTicker(msg, s.now())
		if err != nil {
			s.log.Warn("dropping malformed ticker message", zap.Error(err))
			continue
		}
		return t, nil
	}
}

// Close sends a normal-closure frame and tears down the socket.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// wsTickerMsg is the Binance 24hr ticker stream payload.
type wsTickerMsg struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	PriceChange   string `json:"p"`
	ChangePercent string `json:"P"`
	LastPrice     string `json:"c"`
	HighPrice     string `json:"h"`
	LowPrice      string `json:"l"`
	Volume        string `json:"v"`
}

func parseWsTicker(msg []byte, receivedAt time.Time) (candle.Tick, error) {
	var m wsTickerMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return candle.Tick{}, err
	}
	if m.EventType != "24hrTicker" {
		return candle.Tick{}, fmt.Errorf("unexpected event type: %q", m.EventType)
	}
	t := candle.Tick{
		Symbol:        m.Symbol,
		Price:         number(m.LastPrice),
		ReceivedAt:    receivedAt,
		Change:        number(m.PriceChange),
		ChangePercent: number(m.ChangePercent),
		High24h:       number(m.HighPrice),
		Low24h:        number(m.LowPrice),
		Volume24h:     number(m.Volume),
	}
	if err := t.Validate(); err != nil {
		return candle.Tick{}, err
	}
	return t, nil
}
