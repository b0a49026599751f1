// Package ratelimit builds the per-connection limiter used to throttle lines
// received from a single client.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// New returns a limiter that allows burst lines at once and refills burst
// tokens every interval.
func New(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
