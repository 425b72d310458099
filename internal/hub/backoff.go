package hub

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryBackoff doubles a retry delay from min up to max. It has no jitter
// and never gives up.
func newRetryBackoff(min, max time.Duration) *backoff.ExponentialBackOff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
