package candle

import (
	"fmt"
	"time"
)

// Tick is a single price observation. The 24h aggregate fields are for
// display only and never feed candle construction.
type Tick struct {
	Symbol        string
	Price         float64
	ReceivedAt    time.Time
	Change        float64
	ChangePercent float64
	High24h       float64
	Low24h        float64
	Volume24h     float64
	Simulated     bool
}

// Validate rejects ticks that cannot be merged into a candle.
func (t Tick) Validate() error {
	if !PositiveFinite(t.Price) {
		return fmt.Errorf("%w: price=%v", ErrInvalidTick, t.Price)
	}
	if t.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: missing receive time", ErrInvalidTick)
	}
	return nil
}

// State is the lifecycle state of a live feed subscription.
type State int

const (
	StateConnecting State = iota
	StateLive
	StateSimulated
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateSimulated:
		return "simulated"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := StateConnecting; st <= StateError; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown connection state %q", s)
}

// ValidSymbol reports whether s looks like an exchange trading pair such
// as "BTCUSDT": 2 to 20 ASCII letters or digits.
func ValidSymbol(s string) bool {
	if len(s) < 2 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
