package hubclient

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NewBackoff creates the reconnect backoff. Defaults match the config
// defaults: 1s → 60s, multiplier 2x, ±20% jitter.
func NewBackoff(initial, max time.Duration, multiplier, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = multiplier
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}
