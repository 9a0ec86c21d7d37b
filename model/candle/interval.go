package candle

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseInterval converts a granularity such as "1m", "4h" or "1d" into
// seconds. Accepted units are s, m, h, d and w.
func ParseInterval(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: interval %q", ErrSetupFailure, s)
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: interval %q", ErrSetupFailure, s)
	}
	var unit int64
	switch s[len(s)-1] {
	case 's':
		unit = 1
	case 'm':
		unit = 60
	case 'h':
		unit = 3600
	case 'd':
		unit = 86400
	case 'w':
		unit = 7 * 86400
	default:
		return 0, fmt.Errorf("%w: interval %q", ErrSetupFailure, s)
	}
	return n * unit, nil
}

// Boundary floors ts to the start of its interval bucket.
func Boundary(ts, interval int64) int64 {
	if interval <= 0 {
		return ts
	}
	b := ts / interval * interval
	if ts < 0 && b != ts {
		b -= interval
	}
	return b
}
