// Package server exposes market subscriptions over gRPC.
package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yitech/candlefeed/market"
	"github.com/yitech/candlefeed/model/candle"
	pb "github.com/yitech/candlefeed/model/protobuf"
)

// DefaultBuffer is the per-stream event queue length.
const DefaultBuffer = 256

type Server struct {
	pb.UnimplementedCandleServiceServer

	svc    *market.Service
	log    *zap.Logger
	buffer int
}

func New(svc *market.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, log: log.Named("server"), buffer: DefaultBuffer}
}

// Register attaches the service to g.
func (s *Server) Register(g *grpc.Server) {
	pb.RegisterCandleServiceServer(g, s)
}

// Shutdown closes every subscription, which ends the open Subscribe
// streams, then stops g gracefully. If in-flight calls are still running
// after timeout the server is stopped hard.
func (s *Server) Shutdown(g *grpc.Server, timeout time.Duration) {
	s.svc.Close()

	stopped := make(chan struct{})
	go func() {
		g.GracefulStop()
		close(stopped)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-stopped:
	case <-t.C:
		s.log.Warn("graceful stop timed out, forcing", zap.Duration("timeout", timeout))
		g.Stop()
		<-stopped
	}
}

// Subscribe opens a market subscription for the lifetime of the stream.
// Events are queued without blocking the feed; when a slow reader lets the
// queue fill up, the pending deltas are discarded and a fresh snapshot is
// sent in their place.
func (s *Server) Subscribe(req *structpb.Struct, stream pb.CandleService_SubscribeServer) error {
	r, err := pb.ParseSubscribeRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ctx := stream.Context()

	sub, err := s.svc.Subscribe(ctx, r.Symbol, r.Interval)
	if err != nil {
		if errors.Is(err, candle.ErrSetupFailure) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	defer sub.Unsubscribe()

	log := s.log.With(zap.String("subscription", sub.ID), zap.String("symbol", sub.Symbol), zap.String("interval", sub.Interval))
	log.Info("stream opened")

	var lagged atomic.Bool
	events := make(chan market.Event, s.buffer)
	resync := make(chan struct{}, 1)
	snap, tok := sub.Watch(func(ev market.Event) {
		select {
		case events <- ev:
		default:
			if !lagged.Swap(true) {
				select {
				case resync <- struct{}{}:
				default:
				}
			}
		}
	})
	defer tok.Unsubscribe()

	if err := stream.Send(snapshotEvent(sub, snap).Struct()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("stream closed", zap.Error(ctx.Err()))
			return nil

		case <-sub.Done():
			log.Info("subscription closed by service")
			return status.Error(codes.Unavailable, "subscription closed")

		case <-resync:
			for len(events) > 0 {
				<-events
			}
			lagged.Store(false)
			log.Warn("client lagging, resending snapshot")
			if err := stream.Send(snapshotEvent(sub, sub.Snapshot()).Struct()); err != nil {
				return err
			}

		case ev := <-events:
			if err := stream.Send(deltaEvent(sub.ID, ev).Struct()); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Reconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := pb.ParseReconnectRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sub, ok := s.svc.Lookup(r.SubscriptionID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "subscription %q not found", r.SubscriptionID)
	}
	st := sub.Snapshot().State
	sub.Reconnect()
	s.log.Info("reconnect requested", zap.String("subscription", sub.ID), zap.Stringer("state", st))
	return pb.ReconnectReply{SubscriptionID: sub.ID, State: st}.Struct(), nil
}

func snapshotEvent(sub *market.Subscription, snap market.Snapshot) pb.Event {
	e := pb.Event{
		Type:               pb.EventSnapshot,
		SubscriptionID:     sub.ID,
		Symbol:             sub.Symbol,
		Interval:           sub.Interval,
		Candles:            snap.Series,
		State:              snap.State,
		HistorySource:      snap.HistorySource,
		HistorySynthetic:   snap.HistorySynthetic,
		HistoryUnavailable: snap.HistoryUnavailable,
	}
	if snap.CurrentTick.Price > 0 {
		t := snap.CurrentTick
		e.Tick = &t
	}
	if snap.StateErr != nil {
		e.Error = snap.StateErr.Error()
	}
	return e
}

func deltaEvent(id string, ev market.Event) pb.Event {
	e := pb.Event{SubscriptionID: id}
	switch ev.Kind {
	case market.EventCandle:
		e.Type = pb.EventCandle
		e.Update = ev.Update.Kind.String()
		e.Candles = ev.Update.Candles
	case market.EventTick:
		e.Type = pb.EventTick
		t := ev.Tick
		e.Tick = &t
	case market.EventState:
		e.Type = pb.EventState
		e.State = ev.State
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
	}
	return e
}
