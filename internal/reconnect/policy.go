package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/psoagent/internal/config"
)

// Policy is the bounded-then-persistent retry schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	ConnectTimeout     time.Duration
	ConnectTimeoutStep time.Duration
	MaxConnectTimeout  time.Duration

	// DegradeFrom is the first attempt that connects in degraded mode.
	DegradeFrom int
	// RecreateAt is the mid-range attempt that replaces even a live track.
	// The last two bounded attempts do too.
	RecreateAt int

	PersistentDelay time.Duration
}

func PolicyFromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:        c.MaxAttempts,
		BaseDelay:          c.BaseDelay,
		MaxDelay:           c.MaxDelay,
		Multiplier:         c.Multiplier,
		ConnectTimeout:     c.ConnectTimeout,
		ConnectTimeoutStep: c.ConnectTimeoutStep,
		MaxConnectTimeout:  c.MaxConnectTimeout,
		DegradeFrom:        c.DegradeFrom,
		RecreateAt:         c.RecreateAt,
		PersistentDelay:    c.PersistentDelay,
	}
}

func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Retry)
}

// backOff builds a jitter-free exponential schedule so delays are
// reproducible.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay before bounded attempt n (0-based): BaseDelay * Multiplier^n, capped
// at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	b := p.backOff()
	d := b.NextBackOff()
	for i := 0; i < n && d < p.MaxDelay; i++ {
		d = b.NextBackOff()
	}
	return min(d, p.MaxDelay)
}

// ConnectTimeoutFor grows the connect deadline per attempt up to its ceiling.
func (p Policy) ConnectTimeoutFor(n int) time.Duration {
	return min(p.ConnectTimeout+time.Duration(n)*p.ConnectTimeoutStep, p.MaxConnectTimeout)
}

func (p Policy) Degraded(n int) bool {
	return p.DegradeFrom > 0 && n >= p.DegradeFrom
}

// Recreate reports whether attempt n replaces the track whatever its state.
// Ended tracks are replaced on every attempt regardless.
func (p Policy) Recreate(n int) bool {
	return n == p.RecreateAt || (n >= p.MaxAttempts-2 && n < p.MaxAttempts)
}
