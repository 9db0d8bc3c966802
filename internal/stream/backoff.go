package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// delayPolicy yields min(base * 2^n, cap) for the n-th consecutive failure.
type delayPolicy struct {
	b *backoff.ExponentialBackOff
}

func newDelayPolicy(base, maxDelay time.Duration) *delayPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return &delayPolicy{b: b}
}

func (p *delayPolicy) Next() time.Duration {
	return p.b.NextBackOff()
}

// Reset returns the policy to the base delay.
func (p *delayPolicy) Reset() {
	p.b.Reset()
}
