package router

import (
	"math/rand"
	"time"
)

// JitterFunc perturbs a base backoff delay. It must return a non-negative
// value strictly smaller than half the base so scheduled delays stay
// strictly increasing while the base keeps doubling.
type JitterFunc func(base time.Duration) time.Duration

// DefaultJitter adds up to 25% of the base delay.
func DefaultJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)/4 + 1))
}

// NoJitter disables jitter. Used by tests that assert exact delays.
func NoJitter(time.Duration) time.Duration { return 0 }

// Delay returns the backoff before send number attempt+1, doubling from
// InitialBackoff and capped at MaxBackoff. attempt is the number of sends
// already made, so the first retry uses the initial backoff.
func (p RetryPolicy) Delay(attempt int, jitter JitterFunc) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.InitialBackoff
	if base <= 0 {
		base = time.Second
	}
	for i := 1; i < attempt; i++ {
		base *= 2
		if p.MaxBackoff > 0 && base >= p.MaxBackoff {
			base = p.MaxBackoff
			break
		}
	}
	if p.MaxBackoff > 0 && base > p.MaxBackoff {
		base = p.MaxBackoff
	}
	if jitter == nil {
		jitter = DefaultJitter
	}
	return base + jitter(base)
}
