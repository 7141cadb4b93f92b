package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff decides how long to wait before reconnect attempt n (starting at 0).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay from Min up to Max.
type ExponentialBackoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s and so on, capped at 30s.
var DefaultBackoff = ExponentialBackoff{Min: time.Second, Max: 30 * time.Second}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	eb := b.policy()
	d := eb.NextBackOff()
	for i := 0; i < attempt && d < eb.MaxInterval; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// policy is a deterministic cenkalti schedule that never gives up; the
// engine owns the retry loop and only asks for delays.
func (b ExponentialBackoff) policy() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Min
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Second
	}
	eb.MaxInterval = b.Max
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}
