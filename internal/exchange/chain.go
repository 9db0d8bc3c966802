package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

// DefaultMinCoverage is the usability floor below which synthetic data fills
// the remaining gaps.
const DefaultMinCoverage = 3

// ChainResult reports how a fetch was served.
type ChainResult struct {
	Quotes         map[string]model.Quote
	SourcesUsed    []string
	Errors         []error
	Skipped        []string
	SyntheticCount int
	Degraded       bool
}

// FallbackChain composes a primary source, ordered secondaries and an
// optional synthetic generator into one Source that never fails. A live
// source that fails is skipped until its retry delay has elapsed.
type FallbackChain struct {
	logger      *slog.Logger
	name        string
	primary     Source
	secondaries []Source
	synthetic   Source
	minCoverage int
	metrics     *metrics.Metrics

	retryBase time.Duration
	retryMax  time.Duration
	now       func() time.Time
	gatesMu   sync.Mutex
	gates     map[string]*retryGate
}

// ChainOption customizes a FallbackChain.
type ChainOption func(*FallbackChain)

// WithMinCoverage overrides the absolute coverage floor.
func WithMinCoverage(n int) ChainOption {
	return func(c *FallbackChain) {
		c.minCoverage = n
	}
}

// WithRetry sets the delay a failing source is held back after its first
// failure and the cap the doubling delay stops at.
func WithRetry(base, maxDelay time.Duration) ChainOption {
	return func(c *FallbackChain) {
		if base > 0 {
			c.retryBase = base
		}
		if maxDelay > 0 {
			c.retryMax = maxDelay
		}
	}
}

func WithChainMetrics(m *metrics.Metrics) ChainOption {
	return func(c *FallbackChain) {
		c.metrics = m
	}
}

// NewFallbackChain creates a chain. primary and synthetic may be nil; a nil
// synthetic disables the last-resort fill.
func NewFallbackChain(logger *slog.Logger, name string, primary Source, secondaries []Source, synthetic Source, opts ...ChainOption) *FallbackChain {
	c := &FallbackChain{
		logger:      logger,
		name:        name,
		primary:     primary,
		secondaries: secondaries,
		synthetic:   synthetic,
		minCoverage: DefaultMinCoverage,
		retryBase:   DefaultRetryBase,
		retryMax:    DefaultRetryMax,
		now:         time.Now,
		gates:       make(map[string]*retryGate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FallbackChain) Name() string {
	return c.name
}

// FetchPrices implements Source. The error is always nil.
func (c *FallbackChain) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	return c.FetchDetailed(ctx, tokens).Quotes, nil
}

// FetchDetailed runs the chain: the primary first; secondaries for the
// missing tokens only when coverage is below half the request; synthetic
// fill when coverage is still below the floor.
func (c *FallbackChain) FetchDetailed(ctx context.Context, tokens []string) ChainResult {
	tokens = normalize(tokens)
	res := ChainResult{Quotes: make(map[string]model.Quote, len(tokens))}
	if len(tokens) == 0 {
		return res
	}

	if c.primary != nil {
		c.merge(ctx, c.primary, tokens, &res)
	}

	if 2*len(res.Quotes) < len(tokens) {
		for _, src := range c.secondaries {
			miss := missing(tokens, res.Quotes)
			if len(miss) == 0 {
				break
			}
			c.merge(ctx, src, miss, &res)
		}
	}

	if len(res.Quotes) < c.minCoverage && c.synthetic != nil {
		miss := missing(tokens, res.Quotes)
		if len(miss) > 0 {
			c.logger.Warn("FallbackChain: degraded mode, filling with synthetic data",
				"chain", c.name, "live", len(res.Quotes), "missing", len(miss))
			before := len(res.Quotes)
			c.merge(ctx, c.synthetic, miss, &res)
			res.SyntheticCount = len(res.Quotes) - before
			res.Degraded = true
			c.metrics.SyntheticFill(res.SyntheticCount)
		}
	}
	return res
}

// merge adds the quotes src returns for want, absorbing any failure.
func (c *FallbackChain) merge(ctx context.Context, src Source, want []string, res *ChainResult) {
	gate := c.gate(src)
	if gate != nil && !gate.Allow() {
		c.logger.Debug("FallbackChain: skipping source in backoff", "chain", c.name, "source", src.Name())
		res.Skipped = append(res.Skipped, src.Name())
		return
	}

	quotes, err := src.FetchPrices(ctx, want)
	if err != nil {
		res.Errors = append(res.Errors, err)
		if gate == nil {
			c.logger.Warn("FallbackChain: source failed", "chain", c.name, "source", src.Name(), "error", err)
		} else {
			c.logger.Warn("FallbackChain: source failed", "chain", c.name, "source", src.Name(),
				"error", err, "retryIn", gate.Failure())
		}
	} else if gate != nil {
		gate.Success()
	}

	added := 0
	for _, token := range want {
		q, ok := quotes[token]
		if !ok || q.Price <= 0 {
			continue
		}
		if _, exists := res.Quotes[token]; exists {
			continue
		}
		q.Token = token
		res.Quotes[token] = q
		added++
	}
	if added > 0 {
		res.SourcesUsed = append(res.SourcesUsed, src.Name())
	}
}

// gate returns the retry gate of a live source. The synthetic generator is
// never held back.
func (c *FallbackChain) gate(src Source) *retryGate {
	if c.synthetic != nil && src == c.synthetic {
		return nil
	}
	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()
	g, ok := c.gates[src.Name()]
	if !ok {
		g = newRetryGate(c.retryBase, c.retryMax, c.now)
		c.gates[src.Name()] = g
	}
	return g
}

// RetryStats reports the sources currently failing, keyed by name.
func (c *FallbackChain) RetryStats() map[string]RetryState {
	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()
	out := make(map[string]RetryState)
	for name, g := range c.gates {
		if st, ok := g.state(); ok {
			out[name] = st
		}
	}
	return out
}
