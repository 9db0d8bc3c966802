package aggregator

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"perpspot/internal/exchange"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
	"perpspot/internal/stream"
)

// StreamSource names perp records built from the websocket feed.
const StreamSource = "hyperliquid_ws"

// DefaultHistorySize bounds the spread history ring.
const DefaultHistorySize = 1000

// Chain is a fallback chain for one leg.
type Chain interface {
	FetchDetailed(ctx context.Context, tokens []string) exchange.ChainResult
}

// ReferenceSetter receives the spot quotes of each cycle. The synthetic perp
// generator uses them to stay near the spot leg.
type ReferenceSetter interface {
	SetReference(quotes map[string]model.Quote)
}

// LiveFeed is the read side of the stream listener.
type LiveFeed interface {
	Active() bool
	Snapshot() stream.LiveState
}

// Detector turns merged token views into opportunities.
type Detector interface {
	Detect(tokens map[string]model.TokenView) []model.Opportunity
}

// Recorder persists the output of each cycle.
type Recorder interface {
	LogPriceRecords(ctx context.Context, records []model.PriceRecord) error
	LogOpportunities(ctx context.Context, opps []model.Opportunity) error
}

// Options wires the optional collaborators of an Aggregator.
type Options struct {
	Tokens         []string
	HistorySize    int
	RefreshTimeout time.Duration
	PerpReference  ReferenceSetter
	Live           LiveFeed
	Recorder       Recorder
	Metrics        *metrics.Metrics
}

// Snapshot is the immutable state published after each refresh. Callers
// must not modify it.
type Snapshot struct {
	Records       map[model.RecordKey]model.PriceRecord
	Tokens        map[string]model.TokenView
	Opportunities []model.Opportunity
	LastUpdated   time.Time
	Degraded      bool
	StreamActive  bool
}

// Aggregator owns the canonical price and opportunity state. Refresh is
// the only writer; readers load the latest published snapshot without
// locking.
type Aggregator struct {
	logger   *slog.Logger
	spot     Chain
	perp     Chain
	detector Detector
	opts     Options
	tokens   []string

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	history []model.SpreadPoint
	next    int
	filled  bool
}

// New creates an Aggregator with an empty snapshot.
func New(logger *slog.Logger, spot, perp Chain, detector Detector, opts Options) *Aggregator {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	tokens := opts.Tokens
	if len(tokens) == 0 {
		tokens = exchange.TrackedTokens
	}

	a := &Aggregator{
		logger:   logger,
		spot:     spot,
		perp:     perp,
		detector: detector,
		opts:     opts,
		tokens:   upper(tokens),
		history:  make([]model.SpreadPoint, opts.HistorySize),
	}
	a.current.Store(&Snapshot{
		Records: map[model.RecordKey]model.PriceRecord{},
		Tokens:  map[string]model.TokenView{},
	})
	return a
}

func upper(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, strings.ToUpper(strings.TrimSpace(t)))
	}
	return out
}

// Refresh pulls both legs, merges them per token, runs the detector and
// publishes a new snapshot. Source failures are absorbed by the chains, so
// the only error is a context cancelled before the cycle starts.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	if a.opts.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.RefreshTimeout)
		defer cancel()
	}

	spot := a.spot.FetchDetailed(ctx, a.tokens)
	if a.opts.PerpReference != nil {
		a.opts.PerpReference.SetReference(spot.Quotes)
	}
	perp, streamActive, perpDegraded := a.fetchPerp(ctx)

	a.mu.Lock()
	snap := a.apply(spot.Quotes, perp, time.Now())
	snap.Degraded = spot.Degraded || perpDegraded
	snap.StreamActive = streamActive
	a.current.Store(snap)
	a.pushHistory(snap)
	a.mu.Unlock()

	maxSpread := 0.0
	if len(snap.Opportunities) > 0 {
		maxSpread = math.Abs(snap.Opportunities[0].SpreadPct)
	}
	a.opts.Metrics.SetOpportunities(len(snap.Opportunities), maxSpread)
	outcome := "ok"
	if snap.Degraded {
		outcome = "degraded"
	}
	a.opts.Metrics.ObserveRefresh(time.Since(start), outcome)

	a.logger.Info("Aggregator: refresh complete",
		"tokens", len(snap.Tokens),
		"opportunities", len(snap.Opportunities),
		"degraded", snap.Degraded,
		"stream", streamActive,
		"duration", time.Since(start))

	a.record(ctx, snap)
	return nil
}

// fetchPerp prefers the live stream and falls back to the perp chain.
func (a *Aggregator) fetchPerp(ctx context.Context) (map[string]model.Quote, bool, bool) {
	if a.opts.Live != nil && a.opts.Live.Active() {
		live := a.opts.Live.Snapshot()
		if live.HasData() {
			quotes := make(map[string]model.Quote, len(a.tokens))
			for _, token := range a.tokens {
				coin := exchange.HyperliquidCoin(token)
				px := live.Mids[coin]
				if px <= 0 {
					continue
				}
				quotes[token] = model.Quote{
					Token:        token,
					Source:       StreamSource,
					Kind:         model.KindMark,
					Price:        px,
					FundingRate:  live.Funding[coin],
					OpenInterest: live.OpenInterest[coin],
					Timestamp:    live.LastMessage,
				}
			}
			if len(quotes) > 0 {
				return quotes, true, false
			}
		}
		a.logger.Debug("Aggregator: stream active but without prices, polling instead")
	}
	if a.perp == nil {
		return map[string]model.Quote{}, false, false
	}
	res := a.perp.FetchDetailed(ctx, a.tokens)
	return res.Quotes, false, res.Degraded
}

// apply builds the next snapshot from the previous one. Records for the
// same (token, source) are overwritten and their observedAt always moves
// forward.
func (a *Aggregator) apply(spot, perp map[string]model.Quote, now time.Time) *Snapshot {
	prev := a.current.Load()
	records := make(map[model.RecordKey]model.PriceRecord, len(prev.Records)+len(spot)+len(perp))
	for k, r := range prev.Records {
		records[k] = r
	}

	put := func(q model.Quote) {
		key := model.RecordKey{Token: q.Token, Source: q.Source}
		observed := now
		if old, ok := records[key]; ok && !observed.After(old.ObservedAt) {
			observed = old.ObservedAt.Add(time.Nanosecond)
		}
		records[key] = model.PriceRecord{
			Token:      q.Token,
			Source:     q.Source,
			Kind:       q.Kind,
			Price:      q.Price,
			ObservedAt: observed,
		}
	}

	views := make(map[string]model.TokenView, len(a.tokens))
	for _, token := range a.tokens {
		s, hasSpot := spot[token]
		p, hasPerp := perp[token]
		if !hasSpot && !hasPerp {
			continue
		}

		v := model.TokenView{Token: token, LastUpdated: now}
		if hasSpot {
			s.Token = token
			put(s)
			v.SpotPrice = s.Price
			v.SpotSource = s.Source
			v.Volume24h = s.Volume24h
			v.Liquidity = s.Liquidity
			v.Synthetic = s.IsSynthetic()
		}
		if hasPerp {
			p.Token = token
			put(p)
			v.PerpPrice = p.Price
			v.PerpSource = p.Source
			v.FundingRate = p.FundingRate
			v.OpenInterest = p.OpenInterest
			if v.Volume24h == 0 {
				v.Volume24h = p.Volume24h
			}
			v.Synthetic = v.Synthetic || p.IsSynthetic()
		}
		views[token] = v
	}

	return &Snapshot{
		Records:       records,
		Tokens:        views,
		Opportunities: a.detector.Detect(views),
		LastUpdated:   now,
	}
}

func (a *Aggregator) pushHistory(snap *Snapshot) {
	point := model.SpreadPoint{Timestamp: snap.LastUpdated, Count: len(snap.Opportunities)}
	if n := len(snap.Opportunities); n > 0 {
		sum := 0.0
		for _, o := range snap.Opportunities {
			abs := math.Abs(o.SpreadPct)
			sum += abs
			point.MaxSpread = math.Max(point.MaxSpread, abs)
		}
		point.AvgSpread = sum / float64(n)
	}
	point.Tokens = make(map[string]model.TokenSample, len(snap.Tokens))
	for token, v := range snap.Tokens {
		if !v.HasBothLegs() {
			continue
		}
		point.Tokens[token] = model.TokenSample{
			SpotPrice:   v.SpotPrice,
			PerpPrice:   v.PerpPrice,
			SpreadPct:   (v.PerpPrice - v.SpotPrice) / v.SpotPrice * 100,
			FundingRate: v.FundingRate,
			Synthetic:   v.Synthetic,
		}
	}

	a.history[a.next] = point
	a.next = (a.next + 1) % len(a.history)
	if a.next == 0 {
		a.filled = true
	}
}

func (a *Aggregator) record(ctx context.Context, snap *Snapshot) {
	if a.opts.Recorder == nil {
		return
	}

	records := make([]model.PriceRecord, 0, len(snap.Records))
	for _, r := range snap.Records {
		if r.ObservedAt.Equal(snap.LastUpdated) || r.ObservedAt.After(snap.LastUpdated) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Token != records[j].Token {
			return records[i].Token < records[j].Token
		}
		return records[i].Source < records[j].Source
	})

	if err := a.opts.Recorder.LogPriceRecords(ctx, records); err != nil {
		a.logger.Error("Aggregator: failed to record prices", "error", err)
	}
	if len(snap.Opportunities) == 0 {
		return
	}
	if err := a.opts.Recorder.LogOpportunities(ctx, snap.Opportunities); err != nil {
		a.logger.Error("Aggregator: failed to record opportunities", "error", err)
	}
}

// Snapshot returns the latest published state.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.current.Load()
}

// Prices returns a copy of the merged view of every token, or of the one
// token given. The map is empty when the token is unknown.
func (a *Aggregator) Prices(token string) map[string]model.TokenView {
	snap := a.current.Load()
	if token != "" {
		out := make(map[string]model.TokenView, 1)
		if v, ok := snap.Tokens[strings.ToUpper(token)]; ok {
			out[v.Token] = v
		}
		return out
	}
	out := make(map[string]model.TokenView, len(snap.Tokens))
	for k, v := range snap.Tokens {
		out[k] = v
	}
	return out
}

// Token returns the merged view of one token.
func (a *Aggregator) Token(token string) (model.TokenView, bool) {
	v, ok := a.current.Load().Tokens[strings.ToUpper(token)]
	return v, ok
}

// Opportunities returns a copy of the latest opportunity set.
func (a *Aggregator) Opportunities() []model.Opportunity {
	return append([]model.Opportunity(nil), a.current.Load().Opportunities...)
}

// History returns up to limit spread points, oldest first. A limit of zero
// or less returns everything retained.
func (a *Aggregator) History(limit int) []model.SpreadPoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	var points []model.SpreadPoint
	if a.filled {
		points = append(points, a.history[a.next:]...)
	}
	points = append(points, a.history[:a.next]...)
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points
}

// Tokens returns the tracked universe.
func (a *Aggregator) Tokens() []string {
	return append([]string(nil), a.tokens...)
}
