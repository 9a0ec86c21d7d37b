package market

import (
	"fmt"
	"sync"

	"github.com/yitech/candlefeed/adapter"
	"github.com/yitech/candlefeed/aggregator"
	"github.com/yitech/candlefeed/loader"
	"github.com/yitech/candlefeed/model/candle"
	"github.com/yitech/candlefeed/supervisor"
)

// EventKind tags an Event.
type EventKind int

const (
	// EventCandle carries a series delta in Update.
	EventCandle EventKind = iota
	// EventTick carries the newest tick, live or simulated.
	EventTick
	// EventState carries a connection state change and its cause.
	EventState
)

func (k EventKind) String() string {
	switch k {
	case EventCandle:
		return "candle"
	case EventTick:
		return "tick"
	case EventState:
		return "state"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind   EventKind
	Update aggregator.Update
	Tick   candle.Tick
	State  candle.State
	Err    error
}

// Handler receives events one at a time, in order.
type Handler func(Event)

// Snapshot is a read-only view of a subscription.
type Snapshot struct {
	Series      candle.Series
	CurrentTick candle.Tick
	State       candle.State
	// StateErr is the cause of the last transition, if any.
	StateErr error

	HistorySource    string
	HistorySynthetic bool
	// HistoryUnavailable is set when even the generator produced nothing.
	HistoryUnavailable bool
}

// Subscription is one symbol/granularity stream.
type Subscription struct {
	ID       string
	Symbol   string
	Interval string

	svc     *Service
	agg     *aggregator.Aggregator
	sup     *supervisor.Supervisor
	aggTok  adapter.Token
	history loader.Result

	mu       sync.Mutex
	current  candle.Tick
	state    candle.State
	stateErr error
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool
	done     chan struct{}
}

// subToken cancels a single handler registration.
type subToken struct {
	id  uint64
	sub *Subscription
}

func (t *subToken) Unsubscribe() {
	t.sub.mu.Lock()
	delete(t.sub.handlers, t.id)
	t.sub.mu.Unlock()
}

// Snapshot returns the current series, tick and state.
func (s *Subscription) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Subscription) snapshotLocked() Snapshot {
	return Snapshot{
		Series:             s.agg.Snapshot(),
		CurrentTick:        s.current,
		State:              s.state,
		StateErr:           s.stateErr,
		HistorySource:      s.history.Source,
		HistorySynthetic:   s.history.Synthetic,
		HistoryUnavailable: s.history.Unavailable,
	}
}

// OnEvent registers handler for every later event.
func (s *Subscription) OnEvent(handler Handler) adapter.Token {
	_, tok := s.Watch(handler)
	return tok
}

// Watch registers handler and returns the snapshot it starts from. A
// candle delta racing with the call may be both in the snapshot and
// delivered; deltas are idempotent when merged by open time.
func (s *Subscription) Watch(handler Handler) (Snapshot, adapter.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if !s.closed {
		s.handlers[id] = handler
	}
	return s.snapshotLocked(), &subToken{id: id, sub: s}
}

// Reconnect drops whatever tick source is active and dials the live feed
// again. This is the retry affordance for simulated and error states.
func (s *Subscription) Reconnect() {
	s.sup.Reconnect()
}

// Unsubscribe stops the feed and simulator synchronously. No handler is
// called after it returns.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sup.Stop()
	s.aggTok.Unsubscribe()

	s.mu.Lock()
	s.handlers = make(map[uint64]Handler)
	s.mu.Unlock()
	s.svc.remove(s.ID)
	close(s.done)
}

// Done is closed once Unsubscribe has stopped the subscription, either
// directly or through Service.Close.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// onTick runs on the supervisor loop.
func (s *Subscription) onTick(t candle.Tick) {
	if _, err := s.agg.Apply(t); err != nil {
		return
	}
	s.mu.Lock()
	s.current = t
	hs := s.snapshotHandlers()
	s.mu.Unlock()
	publish(hs, Event{Kind: EventTick, Tick: t})
}

// onState runs on the supervisor loop.
func (s *Subscription) onState(st candle.State, cause error) {
	s.mu.Lock()
	s.state = st
	s.stateErr = cause
	hs := s.snapshotHandlers()
	s.mu.Unlock()
	publish(hs, Event{Kind: EventState, State: st, Err: cause})
}

// onUpdate runs on the supervisor loop, from inside agg.Apply.
func (s *Subscription) onUpdate(u aggregator.Update) {
	s.mu.Lock()
	hs := s.snapshotHandlers()
	s.mu.Unlock()
	publish(hs, Event{Kind: EventCandle, Update: u})
}

// snapshotHandlers returns a copy of the handler slice (called under lock).
func (s *Subscription) snapshotHandlers() []Handler {
	if s.closed {
		return nil
	}
	hs := make([]Handler, 0, len(s.handlers))
	for id := uint64(0); id < s.nextID; id++ {
		if h, ok := s.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	return hs
}

func publish(hs []Handler, ev Event) {
	for _, h := range hs {
		h(ev)
	}
}
