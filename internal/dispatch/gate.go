package dispatch

import (
	"time"

	"golang.org/x/time/rate"
)

// NewGate returns the external rate gate: at most max claims per window, spread
// evenly (burst 1), so any rolling window admits at most max+1 claims.
func NewGate(max int, window time.Duration) *rate.Limiter {
	if max <= 0 {
		max = DefaultGateMax
	}
	if window <= 0 {
		window = DefaultGateWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(max)), 1)
}
