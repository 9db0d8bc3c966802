package bridge

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

const (
	latencySamples = 1000
	riskSamples    = 100

	// spreads lose about 30% per second of latency before volatility
	baseDecayRate = 0.3
	maxDecayShare = 0.8

	fundingPeriodHours = 8.0
)

// PriceLookup resolves the current merged view of a token.
type PriceLookup interface {
	Token(token string) (model.TokenView, bool)
}

// Simulator models cross-venue execution of a spot/perp spread.
type Simulator struct {
	logger    *slog.Logger
	cfg       config.BridgeConfig
	templates *TemplateStore
	prices    PriceLookup
	history   *History
	metrics   *metrics.Metrics

	mu     sync.Mutex
	seeder *rand.Rand
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithSeed makes every draw reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) {
		s.seeder = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulator) {
		s.metrics = m
	}
}

// WithHistory replaces the default rolling history.
func WithHistory(h *History) Option {
	return func(s *Simulator) {
		s.history = h
	}
}

// NewSimulator creates a Simulator. prices may be nil, in which case every
// request must carry its own prices.
func NewSimulator(logger *slog.Logger, cfg config.BridgeConfig, templates *TemplateStore, prices PriceLookup, opts ...Option) *Simulator {
	if templates == nil {
		templates = NewTemplateStore(DefaultTemplates()...)
	}
	s := &Simulator{
		logger:    logger,
		cfg:       cfg,
		templates: templates,
		prices:    prices,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = NewHistory(cfg.HistorySize)
	}
	if s.seeder == nil {
		seed := uint64(time.Now().UnixNano())
		s.seeder = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return s
}

func (s *Simulator) Templates() *TemplateStore {
	return s.templates
}

func (s *Simulator) History() *History {
	return s.history
}

// newRand derives an independent generator for one call.
func (s *Simulator) newRand() *rand.Rand {
	s.mu.Lock()
	a, b := s.seeder.Uint64(), s.seeder.Uint64()
	s.mu.Unlock()
	return rand.New(rand.NewPCG(a, b))
}

// Costs is the fixed cost breakdown of one execution.
type Costs struct {
	GasUSD        float64 `json:"gas_fee_usd"`
	TradingFeeUSD float64 `json:"trading_fee_usd"`
	SlippageUSD   float64 `json:"slippage_usd"`
	BridgeFeeUSD  float64 `json:"bridge_fee_usd"`
	TotalUSD      float64 `json:"total_fees"`
}

func (s *Simulator) costs(size float64) Costs {
	return s.costsWithSlippage(size, s.cfg.SlippageImpact)
}

// costsWithSlippage prices slippage at impact, a fraction of size.
func (s *Simulator) costsWithSlippage(size, impact float64) Costs {
	c := Costs{
		GasUSD:        s.cfg.GasCostSOL * s.cfg.SOLPriceUSD,
		TradingFeeUSD: size * s.cfg.PerpFeeRate,
		SlippageUSD:   size * impact,
		BridgeFeeUSD:  s.cfg.BridgeFee,
	}
	c.TotalUSD = c.GasUSD + c.TradingFeeUSD + c.SlippageUSD + c.BridgeFeeUSD
	return c
}

// ExecutionInput describes one structural simulation. SpreadBps is derived
// from the prices when zero. A nil FundingRate means no funding; Slippage,
// a fraction of Size, replaces the configured impact when set.
type ExecutionInput struct {
	Token       string   `json:"token"`
	Size        float64  `json:"size"`
	SpreadBps   float64  `json:"spread_bps"`
	SpotPrice   float64  `json:"spot_price"`
	PerpPrice   float64  `json:"perp_price"`
	FundingRate *float64 `json:"funding_rate,omitempty"`
	Slippage    *float64 `json:"slippage,omitempty"`
	Template    string   `json:"template,omitempty"`
}

type ExecutionAnalysis struct {
	ExpectedLatency     float64 `json:"expected_latency"`
	Latency95th         float64 `json:"latency_95th_percentile"`
	SpreadDecayBps      float64 `json:"spread_decay_bps"`
	FundingImpactUSD    float64 `json:"funding_impact_usd"`
	GrossProfitUSD      float64 `json:"gross_profit_usd"`
	NetProfitUSD        float64 `json:"net_profit_usd"`
	RiskAdjustedProfit  float64 `json:"risk_adjusted_profit_usd"`
	Viable              bool    `json:"is_viable"`
	ProfitMarginPercent float64 `json:"profit_margin_percent"`
}

type RiskMetrics struct {
	ValueAtRisk95     float64 `json:"value_at_risk_95"`
	SharpeRatio       float64 `json:"sharpe_ratio"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	SuccessRate       float64 `json:"success_probability"`
	FundingRiskFactor float64 `json:"funding_risk_factor"`
	LatencyRiskScore  float64 `json:"latency_risk_score"`
}

// PlaybookStep is one leg of the execution order.
type PlaybookStep struct {
	Step          int     `json:"step"`
	Action        string  `json:"action"`
	Venue         string  `json:"venue"`
	EstimatedTime float64 `json:"estimated_time"`
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`
}

type Playbook struct {
	Strategy     model.Strategy    `json:"strategy_type"`
	Steps        []PlaybookStep    `json:"execution_steps"`
	RiskControls map[string]string `json:"risk_controls"`
	Timeline     map[string]string `json:"expected_timeline"`
}

// ExecutionResult is the outcome of a structural simulation. Error is set
// instead of the analysis when the input was rejected.
type ExecutionResult struct {
	ID          string            `json:"id,omitempty"`
	Token       string            `json:"token"`
	Size        float64           `json:"size"`
	SpreadBps   float64           `json:"current_spread_bps"`
	SpotPrice   float64           `json:"spot_price"`
	PerpPrice   float64           `json:"perp_price"`
	FundingRate float64           `json:"funding_rate"`
	Slippage    float64           `json:"slippage"`
	Template    string            `json:"template_used,omitempty"`
	Analysis    ExecutionAnalysis `json:"execution_analysis"`
	Costs       Costs             `json:"costs_breakdown"`
	Risk        RiskMetrics       `json:"risk_metrics"`
	Playbook    *Playbook         `json:"execution_playbook,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Error       string            `json:"error,omitempty"`
}

// Simulate runs the structural single-shot model: sampled latency, spread
// decay over that window, funding accrued, fixed costs and a playbook.
func (s *Simulator) Simulate(in ExecutionInput) ExecutionResult {
	start := time.Now()
	in.Token = strings.ToUpper(strings.TrimSpace(in.Token))
	fundingRate := 0.0
	if in.FundingRate != nil {
		fundingRate = *in.FundingRate
	}
	impact := s.cfg.SlippageImpact
	if in.Slippage != nil {
		impact = *in.Slippage
	}
	res := ExecutionResult{
		Token:       in.Token,
		Size:        in.Size,
		SpotPrice:   in.SpotPrice,
		PerpPrice:   in.PerpPrice,
		FundingRate: fundingRate,
		Slippage:    impact,
		Template:    in.Template,
		CreatedAt:   start,
	}

	switch {
	case in.Token == "":
		res.Error = "token is required"
	case in.Size <= 0:
		res.Error = "size must be positive"
	case in.SpotPrice <= 0 || in.PerpPrice <= 0:
		res.Error = "spot and perp prices must be positive"
	case impact < 0 || impact >= 1 || math.IsNaN(impact):
		res.Error = "slippage must be in [0, 1)"
	}
	maxLatency, minSpread, riskMult := s.cfg.MaxLatencySeconds, s.cfg.MinProfitableSpreadBps, 1.0
	if res.Error == "" && in.Template != "" {
		t, ok := s.templates.Get(in.Template)
		if !ok {
			res.Error = fmt.Sprintf("unknown template %q", in.Template)
		} else {
			maxLatency, minSpread, riskMult = t.MaxLatencySeconds, t.MinSpreadBps, t.RiskMultiplier
		}
	}
	if res.Error != "" {
		s.logger.Warn("Simulator: rejected execution input", "token", in.Token, "error", res.Error)
		return res
	}
	if maxLatency <= 0 {
		maxLatency = 5
	}

	spread := in.SpreadBps
	if spread == 0 {
		spread = math.Abs(in.PerpPrice-in.SpotPrice) / in.SpotPrice * 1e4
	}
	res.SpreadBps = spread

	rng := s.newRand()
	latency := make([]float64, latencySamples)
	gamma := distuv.Gamma{Alpha: 2, Beta: 2 / maxLatency, Src: rng}
	for i := range latency {
		latency[i] = gamma.Rand()
	}
	expected := stat.Mean(latency, nil)
	sort.Float64s(latency)
	p95 := stat.Quantile(0.95, stat.Empirical, latency, nil)

	decay := spreadDecay(spread, expected, in.SpotPrice, in.PerpPrice)
	funding := fundingImpact(fundingRate, expected, in.Size)
	costs := s.costsWithSlippage(in.Size, impact)

	gross := (spread - decay) * in.Size / 1e4
	net := gross - costs.TotalUSD - funding
	adjusted := net * riskMult

	res.Costs = costs
	res.Analysis = ExecutionAnalysis{
		ExpectedLatency:     expected,
		Latency95th:         p95,
		SpreadDecayBps:      decay,
		FundingImpactUSD:    funding,
		GrossProfitUSD:      gross,
		NetProfitUSD:        net,
		RiskAdjustedProfit:  adjusted,
		Viable:              adjusted > 0 && spread >= minSpread && expected <= maxLatency,
		ProfitMarginPercent: adjusted / in.Size * 100,
	}
	res.Risk = riskMetrics(rng, adjusted, latency, fundingRate)
	pb := playbook(in, spread, expected)
	res.Playbook = &pb
	res.ID = uuid.NewString()

	s.history.Add(Entry{
		Kind:       KindExecution,
		Token:      res.Token,
		Size:       res.Size,
		SpreadBps:  spread,
		ProfitUSD:  adjusted,
		LatencySec: expected,
		Viable:     res.Analysis.Viable,
		At:         start,
	})
	s.metrics.ObserveSimulation("execution", time.Since(start))
	s.logger.Info("Simulator: execution simulated",
		"token", res.Token, "spreadBps", spread, "profit", adjusted, "viable", res.Analysis.Viable)
	return res
}

// spreadDecay is the part of the spread expected to close during the
// latency window, capped at 80% of the spread.
func spreadDecay(spreadBps, latency, spot, perp float64) float64 {
	volatility := math.Abs(spot-perp) / spot
	rate := baseDecayRate * (1 + 2*volatility)
	decay := spreadBps * (1 - math.Exp(-rate*latency))
	return math.Min(decay, spreadBps*maxDecayShare)
}

// fundingImpact is the funding accrued on size over the latency window,
// always a cost.
func fundingImpact(rate, latencySec, size float64) float64 {
	if rate == 0 {
		return 0
	}
	return math.Abs(rate / fundingPeriodHours * (latencySec / 3600) * size)
}

func riskMetrics(rng *rand.Rand, profit float64, latency []float64, fundingRate float64) RiskMetrics {
	norm := distuv.Normal{Mu: 1, Sigma: 0.1, Src: rng}
	samples := make([]float64, riskSamples)
	wins := 0
	for i := range samples {
		samples[i] = profit * norm.Rand()
		if samples[i] > 0 {
			wins++
		}
	}
	_, std := stat.PopMeanStdDev(samples, nil)
	sort.Float64s(samples)

	latMean, latStd := stat.PopMeanStdDev(latency, nil)
	latencyRisk := 0.0
	if latMean > 0 {
		latencyRisk = latStd / latMean
	}

	return RiskMetrics{
		ValueAtRisk95:     math.Abs(stat.Quantile(0.05, stat.Empirical, samples, nil)),
		SharpeRatio:       profit / (std + 1e-6),
		MaxDrawdown:       math.Abs(samples[0]),
		SuccessRate:       float64(wins) / float64(len(samples)),
		FundingRiskFactor: math.Abs(fundingRate) * 10,
		LatencyRiskScore:  latencyRisk,
	}
}

func playbook(in ExecutionInput, spreadBps, latency float64) Playbook {
	pb := Playbook{
		RiskControls: map[string]string{
			"max_slippage":     "2%",
			"position_timeout": fmt.Sprintf("%.1fs", latency*2),
			"stop_loss":        fmt.Sprintf("%.1f bps", spreadBps*0.3),
		},
		Timeline: map[string]string{
			"total_execution":    fmt.Sprintf("%.2fs", latency),
			"profit_realization": fmt.Sprintf("%.2fs", latency+1),
		},
	}

	if in.SpotPrice < in.PerpPrice {
		pb.Strategy = model.LongSpotShortPerp
		pb.Steps = []PlaybookStep{
			{Step: 1, Action: "Buy spot", Venue: "jupiter", EstimatedTime: latency * 0.6, Size: in.Size, Price: in.SpotPrice},
			{Step: 2, Action: "Short perp", Venue: "hyperliquid", EstimatedTime: latency * 0.4, Size: in.Size, Price: in.PerpPrice},
		}
		return pb
	}
	pb.Strategy = model.ShortSpotLongPerp
	pb.Steps = []PlaybookStep{
		{Step: 1, Action: "Long perp", Venue: "hyperliquid", EstimatedTime: latency * 0.6, Size: in.Size, Price: in.PerpPrice},
		{Step: 2, Action: "Sell spot", Venue: "jupiter", EstimatedTime: latency * 0.4, Size: in.Size, Price: in.SpotPrice},
	}
	return pb
}
