// Package protobuf defines the CandleService wire contract. Messages travel
// as google.protobuf.Struct so the service needs no generated code; the
// typed views below convert to and from that form.
package protobuf

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yitech/candlefeed/model/candle"
)

var ErrMalformed = errors.New("malformed message")

type SubscribeRequest struct {
	Symbol   string
	Interval string
}

func (r SubscribeRequest) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"symbol":   structpb.NewStringValue(r.Symbol),
		"interval": structpb.NewStringValue(r.Interval),
	}}
}

func ParseSubscribeRequest(s *structpb.Struct) (SubscribeRequest, error) {
	f := s.GetFields()
	r := SubscribeRequest{Symbol: str(f, "symbol"), Interval: str(f, "interval")}
	if r.Symbol == "" || r.Interval == "" {
		return r, fmt.Errorf("%w: subscribe needs symbol and interval", ErrMalformed)
	}
	return r, nil
}

type ReconnectRequest struct {
	SubscriptionID string
}

func (r ReconnectRequest) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"subscription_id": structpb.NewStringValue(r.SubscriptionID),
	}}
}

func ParseReconnectRequest(s *structpb.Struct) (ReconnectRequest, error) {
	r := ReconnectRequest{SubscriptionID: str(s.GetFields(), "subscription_id")}
	if r.SubscriptionID == "" {
		return r, fmt.Errorf("%w: reconnect needs subscription_id", ErrMalformed)
	}
	return r, nil
}

// ReconnectReply reports the state the subscription was in when the
// reconnect was requested.
type ReconnectReply struct {
	SubscriptionID string
	State          candle.State
}

func (r ReconnectReply) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"subscription_id": structpb.NewStringValue(r.SubscriptionID),
		"state":           structpb.NewStringValue(r.State.String()),
	}}
}

func ParseReconnectReply(s *structpb.Struct) (ReconnectReply, error) {
	f := s.GetFields()
	st, err := candle.ParseState(str(f, "state"))
	if err != nil {
		return ReconnectReply{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ReconnectReply{SubscriptionID: str(f, "subscription_id"), State: st}, nil
}

type EventType string

const (
	// EventSnapshot is always the first message on a stream, and is resent
	// if the server had to drop deltas for a slow reader.
	EventSnapshot EventType = "snapshot"
	EventCandle   EventType = "candle"
	EventTick     EventType = "tick"
	EventState    EventType = "state"
)

// Event is one message on the Subscribe stream. Which fields are set
// depends on Type.
type Event struct {
	Type           EventType
	SubscriptionID string
	Symbol         string
	Interval       string

	// Update is the aggregator update kind for candle events.
	Update  string
	Candles []candle.Candle

	Tick  *candle.Tick
	State candle.State
	Error string

	HistorySource      string
	HistorySynthetic   bool
	HistoryUnavailable bool
}

func (e Event) Struct() *structpb.Struct {
	f := map[string]*structpb.Value{
		"type":            structpb.NewStringValue(string(e.Type)),
		"subscription_id": structpb.NewStringValue(e.SubscriptionID),
	}
	switch e.Type {
	case EventSnapshot:
		f["symbol"] = structpb.NewStringValue(e.Symbol)
		f["interval"] = structpb.NewStringValue(e.Interval)
		f["candles"] = candlesValue(e.Candles)
		f["state"] = structpb.NewStringValue(e.State.String())
		f["history_source"] = structpb.NewStringValue(e.HistorySource)
		f["history_synthetic"] = structpb.NewBoolValue(e.HistorySynthetic)
		f["history_unavailable"] = structpb.NewBoolValue(e.HistoryUnavailable)
		if e.Tick != nil {
			f["tick"] = tickValue(*e.Tick)
		}
		if e.Error != "" {
			f["error"] = structpb.NewStringValue(e.Error)
		}
	case EventCandle:
		f["update"] = structpb.NewStringValue(e.Update)
		f["candles"] = candlesValue(e.Candles)
	case EventTick:
		if e.Tick != nil {
			f["tick"] = tickValue(*e.Tick)
		}
	case EventState:
		f["state"] = structpb.NewStringValue(e.State.String())
		if e.Error != "" {
			f["error"] = structpb.NewStringValue(e.Error)
		}
	}
	return &structpb.Struct{Fields: f}
}

func ParseEvent(s *structpb.Struct) (Event, error) {
	f := s.GetFields()
	e := Event{
		Type:               EventType(str(f, "type")),
		SubscriptionID:     str(f, "subscription_id"),
		Symbol:             str(f, "symbol"),
		Interval:           str(f, "interval"),
		Update:             str(f, "update"),
		Error:              str(f, "error"),
		HistorySource:      str(f, "history_source"),
		HistorySynthetic:   f["history_synthetic"].GetBoolValue(),
		HistoryUnavailable: f["history_unavailable"].GetBoolValue(),
	}

	switch e.Type {
	case EventSnapshot, EventCandle, EventTick, EventState:
	default:
		return Event{}, fmt.Errorf("%w: event type %q", ErrMalformed, e.Type)
	}

	if v, ok := f["state"]; ok {
		st, err := candle.ParseState(v.GetStringValue())
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		e.State = st
	}
	for _, v := range f["candles"].GetListValue().GetValues() {
		c := v.GetStructValue().GetFields()
		if c == nil {
			return Event{}, fmt.Errorf("%w: candle is not an object", ErrMalformed)
		}
		e.Candles = append(e.Candles, candle.Candle{
			OpenTime: int64(num(c, "time")),
			Open:     num(c, "open"),
			High:     num(c, "high"),
			Low:      num(c, "low"),
			Close:    num(c, "close"),
			Volume:   num(c, "volume"),
		})
	}
	if t := f["tick"].GetStructValue().GetFields(); t != nil {
		e.Tick = &candle.Tick{
			Symbol:        str(t, "symbol"),
			Price:         num(t, "price"),
			ReceivedAt:    time.UnixMilli(int64(num(t, "time"))),
			Change:        num(t, "change"),
			ChangePercent: num(t, "change_percent"),
			High24h:       num(t, "high_24h"),
			Low24h:        num(t, "low_24h"),
			Volume24h:     num(t, "volume_24h"),
			Simulated:     t["simulated"].GetBoolValue(),
		}
	}
	if e.Type == EventTick && e.Tick == nil {
		return Event{}, fmt.Errorf("%w: tick event without tick", ErrMalformed)
	}
	return e, nil
}

func candlesValue(cs []candle.Candle) *structpb.Value {
	vs := make([]*structpb.Value, len(cs))
	for i, c := range cs {
		vs[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"time":   structpb.NewNumberValue(float64(c.OpenTime)),
			"open":   structpb.NewNumberValue(c.Open),
			"high":   structpb.NewNumberValue(c.High),
			"low":    structpb.NewNumberValue(c.Low),
			"close":  structpb.NewNumberValue(c.Close),
			"volume": structpb.NewNumberValue(c.Volume),
		}})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vs})
}

func tickValue(t candle.Tick) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"symbol":         structpb.NewStringValue(t.Symbol),
		"price":          structpb.NewNumberValue(t.Price),
		"time":           structpb.NewNumberValue(float64(t.ReceivedAt.UnixMilli())),
		"change":         structpb.NewNumberValue(t.Change),
		"change_percent": structpb.NewNumberValue(t.ChangePercent),
		"high_24h":       structpb.NewNumberValue(t.High24h),
		"low_24h":        structpb.NewNumberValue(t.Low24h),
		"volume_24h":     structpb.NewNumberValue(t.Volume24h),
		"simulated":      structpb.NewBoolValue(t.Simulated),
	}})
}

func str(f map[string]*structpb.Value, key string) string {
	return f[key].GetStringValue()
}

func num(f map[string]*structpb.Value, key string) float64 {
	return f[key].GetNumberValue()
}
