package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"perpspot/internal/aggregator"
	"perpspot/internal/arbitrage"
	"perpspot/internal/bridge"
	"perpspot/internal/cache"
	"perpspot/internal/exchange"
	"perpspot/internal/model"
	"perpspot/internal/slippage"
	"perpspot/internal/stream"
)

var (
	ErrUnknownToken   = errors.New("unknown token")
	ErrInvalidRequest = errors.New("invalid request")
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusStarting = "starting"

	syntheticBookLevels   = 10
	syntheticBookSpread   = 10.0
	syntheticBookBaseSize = 1000.0
)

// Market is the read side of the price aggregator.
type Market interface {
	Snapshot() *aggregator.Snapshot
	Prices(token string) map[string]model.TokenView
	Token(token string) (model.TokenView, bool)
	Opportunities() []model.Opportunity
	History(limit int) []model.SpreadPoint
	Tokens() []string
}

// CacheStore is the administrative surface of the cache.
type CacheStore interface {
	Stats() cache.Stats
	FlushAll(ctx context.Context) bool
}

// StreamStatus reports the websocket listener's connection state.
type StreamStatus interface {
	State() stream.State
	Endpoint() string
	Attempts() int
}

// SimulationRecorder persists Monte Carlo summaries.
type SimulationRecorder interface {
	LogSimulation(ctx context.Context, res model.SimulationResult) error
}

// RetryReporter lists the price sources currently held back after failures.
type RetryReporter interface {
	RetryStats() map[string]exchange.RetryState
}

// Deps wires the service to its collaborators. Cache, Stream, Recorder and
// Retry are optional.
type Deps struct {
	Market             Market
	Simulator          *bridge.Simulator
	Slippage           *slippage.Model
	Cache              CacheStore
	Stream             StreamStatus
	Recorder           SimulationRecorder
	Retry              []RetryReporter
	Fees               TradeFees
	DefaultSimulations int
}

// Service is the single entry point the HTTP layer talks to.
type Service struct {
	logger *slog.Logger
	deps   Deps
}

func New(logger *slog.Logger, deps Deps) *Service {
	if deps.DefaultSimulations <= 0 {
		deps.DefaultSimulations = bridge.DefaultSimulations
	}
	return &Service{logger: logger, deps: deps}
}

// Prices is the price view returned to clients.
type Prices struct {
	Tokens       map[string]model.TokenView `json:"tokens"`
	LastUpdated  time.Time                  `json:"last_updated"`
	Degraded     bool                       `json:"degraded"`
	StreamActive bool                       `json:"stream_active"`
}

// GetPrices returns the merged view of every tracked token, or of one token.
// A token outside the tracked universe yields ErrUnknownToken.
func (s *Service) GetPrices(token string) (Prices, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token != "" && !s.tracked(token) {
		return Prices{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	snap := s.deps.Market.Snapshot()
	return Prices{
		Tokens:       s.deps.Market.Prices(token),
		LastUpdated:  snap.LastUpdated,
		Degraded:     snap.Degraded,
		StreamActive: snap.StreamActive,
	}, nil
}

func (s *Service) tracked(token string) bool {
	for _, t := range s.deps.Market.Tokens() {
		if t == token {
			return true
		}
	}
	return false
}

// GetOpportunities returns the latest opportunities, optionally narrowed to
// those at or above minSpread percent.
func (s *Service) GetOpportunities(minSpread *float64) []model.Opportunity {
	opps := s.deps.Market.Opportunities()
	if minSpread == nil {
		return opps
	}
	return arbitrage.Filter(opps, *minSpread)
}

func (s *Service) MarketOverview() arbitrage.MarketOverview {
	return arbitrage.Overview(s.deps.Market.Opportunities())
}

func (s *Service) SpreadHistory(limit int) []model.SpreadPoint {
	return s.deps.Market.History(limit)
}

// SimulateMonteCarlo runs a Monte Carlo batch and stores the summary when a
// recorder is configured. A storage failure is logged, not returned.
func (s *Service) SimulateMonteCarlo(ctx context.Context, req bridge.MonteCarloRequest) model.SimulationResult {
	if req.NSimulations == 0 {
		req.NSimulations = s.deps.DefaultSimulations
	}
	res := s.deps.Simulator.MonteCarlo(req)
	if res.Failed() || s.deps.Recorder == nil {
		return res
	}
	if err := s.deps.Recorder.LogSimulation(ctx, res); err != nil {
		s.logger.Error("Service: failed to record simulation", "id", res.ID, "error", err)
	}
	return res
}

// SimulateExecution runs the single-shot execution model. Missing prices and
// funding are taken from the live view of the token, and a missing slippage
// from the blended slippage estimate for the trade size.
func (s *Service) SimulateExecution(in bridge.ExecutionInput) bridge.ExecutionResult {
	in.Token = strings.ToUpper(strings.TrimSpace(in.Token))
	view, ok := s.deps.Market.Token(in.Token)
	if ok {
		if in.SpotPrice <= 0 {
			in.SpotPrice = view.SpotPrice
		}
		if in.PerpPrice <= 0 {
			in.PerpPrice = view.PerpPrice
		}
		if in.FundingRate == nil {
			rate := view.FundingRate
			in.FundingRate = &rate
		}
	}
	if in.Slippage == nil && s.deps.Slippage != nil && in.Token != "" && in.Size > 0 && in.SpotPrice > 0 {
		est := s.deps.Slippage.Combined(slippage.Input{
			Token:        in.Token,
			NotionalUSD:  in.Size,
			ADV:          view.Volume24h,
			Book:         s.syntheticBook(in.Token, in.SpotPrice),
			CurrentPrice: in.SpotPrice,
		})
		in.Slippage = &est.Recommended
	}
	return s.deps.Simulator.Simulate(in)
}

func (s *Service) syntheticBook(token string, price float64) *slippage.Book {
	book := slippage.SyntheticBook(price, syntheticBookSpread, syntheticBookLevels, syntheticBookBaseSize, token)
	return &book
}

func (s *Service) SaveTemplate(t model.ExecutionTemplate) error {
	return s.deps.Simulator.Templates().Save(t)
}

func (s *Service) DeleteTemplate(name string) error {
	return s.deps.Simulator.Templates().Delete(name)
}

func (s *Service) ListTemplates() []model.ExecutionTemplate {
	return s.deps.Simulator.Templates().List()
}

// SlippageRequest describes a prospective trade. Without a book, a synthetic
// one is built around the token's spot price.
type SlippageRequest struct {
	Token        string         `json:"token"`
	NotionalUSD  float64        `json:"notional_usd"`
	ADV          float64        `json:"adv_usd,omitempty"`
	Side         slippage.Side  `json:"side,omitempty"`
	Book         *slippage.Book `json:"book,omitempty"`
	CurrentPrice float64        `json:"current_price,omitempty"`
}

// EstimateSlippage blends the slippage estimators that the request and the
// live view make feasible.
func (s *Service) EstimateSlippage(req SlippageRequest) (slippage.Estimate, error) {
	req.Token = strings.ToUpper(strings.TrimSpace(req.Token))
	if req.Token == "" {
		return slippage.Estimate{}, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	if req.NotionalUSD <= 0 {
		return slippage.Estimate{}, fmt.Errorf("%w: notional must be positive", ErrInvalidRequest)
	}
	switch req.Side {
	case "", slippage.Buy, slippage.Sell:
	default:
		return slippage.Estimate{}, fmt.Errorf("%w: side must be buy or sell", ErrInvalidRequest)
	}

	view, _ := s.deps.Market.Token(req.Token)
	if req.CurrentPrice <= 0 {
		req.CurrentPrice = view.SpotPrice
	}
	if req.ADV <= 0 {
		req.ADV = view.Volume24h
	}
	if req.Book == nil && req.CurrentPrice > 0 {
		req.Book = s.syntheticBook(req.Token, req.CurrentPrice)
	}

	return s.deps.Slippage.Combined(slippage.Input{
		Token:        req.Token,
		NotionalUSD:  req.NotionalUSD,
		ADV:          req.ADV,
		Book:         req.Book,
		CurrentPrice: req.CurrentPrice,
		Side:         req.Side,
	}), nil
}

// CacheStats returns zero stats when no cache is wired.
func (s *Service) CacheStats() cache.Stats {
	if s.deps.Cache == nil {
		return cache.Stats{}
	}
	return s.deps.Cache.Stats()
}

func (s *Service) FlushCache(ctx context.Context) bool {
	if s.deps.Cache == nil {
		return true
	}
	ok := s.deps.Cache.FlushAll(ctx)
	s.logger.Info("Service: cache flushed", "ok", ok)
	return ok
}

func (s *Service) BridgeAnalytics(window time.Duration, token string) bridge.Analytics {
	return s.deps.Simulator.History().Analytics(window, strings.ToUpper(strings.TrimSpace(token)))
}

type StreamHealth struct {
	Enabled  bool   `json:"enabled"`
	State    string `json:"state"`
	Endpoint string `json:"endpoint,omitempty"`
	Attempts int    `json:"attempts"`
}

// Health summarizes the state of every moving part.
type Health struct {
	Status         string       `json:"status"`
	LastUpdated    time.Time    `json:"last_updated"`
	Degraded       bool         `json:"degraded"`
	Opportunities  int          `json:"opportunities"`
	Stream         StreamHealth `json:"stream"`
	CacheConnected bool         `json:"cache_connected"`

	BackingOff map[string]exchange.RetryState `json:"backing_off,omitempty"`
}

// Health reports "starting" until the first refresh completes, "degraded"
// when synthetic data was used or the stream gave up, and "ok" otherwise.
func (s *Service) Health() Health {
	snap := s.deps.Market.Snapshot()
	h := Health{
		Status:         StatusOK,
		LastUpdated:    snap.LastUpdated,
		Degraded:       snap.Degraded,
		Opportunities:  len(snap.Opportunities),
		CacheConnected: s.CacheStats().Connected,
	}
	if s.deps.Stream != nil {
		h.Stream = StreamHealth{
			Enabled:  true,
			State:    s.deps.Stream.State().String(),
			Endpoint: s.deps.Stream.Endpoint(),
			Attempts: s.deps.Stream.Attempts(),
		}
	}
	for _, r := range s.deps.Retry {
		for src, st := range r.RetryStats() {
			if h.BackingOff == nil {
				h.BackingOff = make(map[string]exchange.RetryState)
			}
			h.BackingOff[src] = st
		}
	}

	switch {
	case snap.LastUpdated.IsZero():
		h.Status = StatusStarting
	case snap.Degraded, s.deps.Stream != nil && s.deps.Stream.State() == stream.Failed:
		h.Status = StatusDegraded
	}
	return h
}
