package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is the reconnect policy: exponential growth from Initial to Max,
// randomized by Jitter (0..1), giving up after MaxAttempts consecutive failed
// attempts. MaxAttempts == 0 retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{
	Initial:     5 * time.Second,
	Max:         60 * time.Second,
	Multiplier:  2,
	Jitter:      0.2,
	MaxAttempts: 10,
}

// FixedBackoff retries every d forever with no jitter.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Initial: d, Max: d, Multiplier: 1}
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// newBackOff builds a fresh policy instance for one connection lifetime.
func (b Backoff) newBackOff() backoff.BackOff {
	b = b.normalized()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	// The first attempt is not a retry.
	if b.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(b.MaxAttempts-1))
	}
	return eb
}
