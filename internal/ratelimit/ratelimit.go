// Package ratelimit throttles client dispatch calls onto the bridge's single
// agent session (supplemental "client dispatch throttle" — a slow or wedged
// browser agent is a shared resource, and one caller looping on tools/call
// in a tight reconnect loop should not starve every other caller's chance at
// a reply).
package ratelimit

import "golang.org/x/time/rate"

// DefaultRate and DefaultBurst match the bridge's default configuration.
const (
	DefaultRate  = 50
	DefaultBurst = 100
)

// Limiter is a single process-wide token bucket gating POST /mcp. It is
// deliberately not per-client: the resource being protected is the one
// attached browser agent's write queue, not per-caller fairness.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter allowing ratePerSecond requests per second with the
// given burst capacity. Non-positive values fall back to the defaults.
func New(ratePerSecond, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a request may proceed now.
func (l *Limiter) Allow(addr string) bool {
	return l.limiter.Allow()
}
