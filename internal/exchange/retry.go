package exchange

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryBase = 500 * time.Millisecond
	DefaultRetryMax  = 30 * time.Second
)

// retryGate holds a failing source back until its delay has elapsed. The
// n-th consecutive failure blocks it for min(base * 2^(n-1), max); a success
// clears the state.
type retryGate struct {
	mu       sync.Mutex
	b        *backoff.ExponentialBackOff
	now      func() time.Time
	failures int
	until    time.Time
}

func newRetryGate(base, maxDelay time.Duration, now func() time.Time) *retryGate {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return &retryGate{b: b, now: now}
}

// Allow reports whether the source may be called now.
func (g *retryGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.now().Before(g.until)
}

// Failure records a failed call and returns how long the source is held back.
func (g *retryGate) Failure() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	delay := g.b.NextBackOff()
	g.until = g.now().Add(delay)
	return delay
}

func (g *retryGate) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures > 0 {
		g.failures = 0
		g.until = time.Time{}
		g.b.Reset()
	}
}

// RetryState describes a source currently held back.
type RetryState struct {
	Failures   int           `json:"failures"`
	RetryAfter time.Duration `json:"retry_after"`
}

func (g *retryGate) state() (RetryState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures == 0 {
		return RetryState{}, false
	}
	wait := g.until.Sub(g.now())
	if wait < 0 {
		wait = 0
	}
	return RetryState{Failures: g.failures, RetryAfter: wait}, true
}
