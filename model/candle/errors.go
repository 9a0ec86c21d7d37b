package candle

import "errors"

// Data-quality errors. These are recovered internally by synthesis or drop.
var (
	ErrInvalidRecord    = errors.New("invalid record")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidTick      = errors.New("invalid tick")
)

// Availability errors.
var (
	// ErrSourceUnavailable is recovered by the historical cascade.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrConnectionLost is recovered by falling back to simulation.
	ErrConnectionLost = errors.New("connection lost")
	// ErrSetupFailure is fatal for a subscription until an explicit reconnect.
	ErrSetupFailure = errors.New("setup failure")
)
