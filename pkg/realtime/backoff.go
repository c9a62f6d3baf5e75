package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// newReconnectPolicy doubles from initial up to max without jitter and never gives up:
// 1s, 2s, 4s, 8s, 16s, 30s, 30s, ... for the defaults.
func newReconnectPolicy(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if max < initial {
		max = initial
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
