package bridge

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"perpspot/internal/model"
)

const (
	MaxSimulations     = 5000
	DefaultSimulations = 1000
	maxSampleDraws     = 10

	meanLatencySec  = 1.5
	minLatencySec   = 0.2
	baseSlippageBps = 5.0
	slippageStdBps  = 3.0
	minSlippageBps  = 0.1
	minEffectiveBps = 0.1
	meanFillSkewBps = 0.3
)

// MonteCarloRequest describes a Monte Carlo batch. Zero prices are looked
// up from the live view; FundingRate overrides the live rate when set.
type MonteCarloRequest struct {
	Token        string   `json:"token"`
	NotionalUSD  float64  `json:"notional_usd"`
	Template     string   `json:"template,omitempty"`
	NSimulations int      `json:"n_sims"`
	SpotPrice    float64  `json:"spot_price,omitempty"`
	PerpPrice    float64  `json:"perp_price,omitempty"`
	FundingRate  *float64 `json:"funding_rate,omitempty"`
}

// ClampSimulations bounds a requested draw count to [1, MaxSimulations].
func ClampSimulations(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxSimulations:
		return MaxSimulations
	default:
		return n
	}
}

// MonteCarlo draws independent execution scenarios and summarizes the PnL
// distribution. Invalid input is reported in the result's Error field.
func (s *Simulator) MonteCarlo(req MonteCarloRequest) model.SimulationResult {
	start := time.Now()
	req.Token = strings.ToUpper(strings.TrimSpace(req.Token))
	n := ClampSimulations(req.NSimulations)
	res := model.SimulationResult{
		Token:        req.Token,
		NotionalUSD:  req.NotionalUSD,
		Template:     req.Template,
		NSimulations: n,
		SampleDraws:  []model.SampleDraw{},
		CreatedAt:    start,
	}

	riskMult := 1.0
	if req.Template != "" {
		t, ok := s.templates.Get(req.Template)
		if !ok {
			return s.reject(res, fmt.Sprintf("unknown template %q", req.Template))
		}
		riskMult = t.RiskMultiplier
	}
	if req.Token == "" {
		return s.reject(res, "token is required")
	}
	if req.NotionalUSD <= 0 || math.IsNaN(req.NotionalUSD) || math.IsInf(req.NotionalUSD, 0) {
		return s.reject(res, "notional must be positive")
	}

	spot, perp, funding, err := s.resolveMarket(req)
	if err != "" {
		return s.reject(res, err)
	}
	res.SpotPrice, res.PerpPrice, res.FundingRate = spot, perp, funding

	spread := math.Abs(spot-perp) / spot * 1e4
	res.SpreadBps = spread

	rng := s.newRand()
	latencyDist := distuv.Exponential{Rate: 1 / meanLatencySec, Src: rng}
	slippageDist := distuv.Normal{Mu: baseSlippageBps + math.Log(req.NotionalUSD/1000)*0.5, Sigma: slippageStdBps, Src: rng}
	decayNoise := distuv.Normal{Mu: 0, Sigma: 0.2, Src: rng}
	skewDist := distuv.Exponential{Rate: 1 / meanFillSkewBps, Src: rng}
	costs := s.costs(req.NotionalUSD).TotalUSD

	pnl := make([]float64, n)
	execMs := make([]float64, n)
	wins := 0
	for i := 0; i < n; i++ {
		latency := math.Max(latencyDist.Rand(), minLatencySec)
		execMs[i] = latency * 1000

		slippage := math.Max(slippageDist.Rand(), minSlippageBps)
		rate := 0.4 * (1 + decayNoise.Rand())
		effective := math.Max(spread*math.Exp(-rate*latency), minEffectiveBps)
		skew := skewDist.Rand()
		fundingBps := math.Abs(funding) * (latency / 3600) * fundingPeriodHours * 1e4

		net := (effective-slippage-fundingBps-skew)/1e4*req.NotionalUSD - costs
		pnl[i] = net * riskMult
		if pnl[i] > 0 {
			wins++
		}
	}

	draws := make([]model.SampleDraw, 0, min(maxSampleDraws, n))
	for _, i := range rng.Perm(n)[:min(maxSampleDraws, n)] {
		draws = append(draws, model.SampleDraw{PnlUSD: pnl[i], ExecTimeMs: execMs[i], Success: pnl[i] > 0})
	}
	res.SampleDraws = draws

	mean, std := stat.PopMeanStdDev(pnl, nil)
	res.MeanPnl = mean
	if std > 0 {
		res.SharpeLike = mean / (std + 1e-6)
	}
	res.SuccessProbability = float64(wins) / float64(n)
	res.MeanExecMs = stat.Mean(execMs, nil)

	sort.Float64s(pnl)
	sort.Float64s(execMs)
	res.MedianPnl = stat.Quantile(0.5, stat.Empirical, pnl, nil)
	res.P95Pnl = stat.Quantile(0.95, stat.Empirical, pnl, nil)
	res.P5Pnl = stat.Quantile(0.05, stat.Empirical, pnl, nil)
	res.P99ExecMs = stat.Quantile(0.99, stat.Empirical, execMs, nil)
	res.MaxLoss = pnl[0]
	res.ID = uuid.NewString()

	s.history.Add(Entry{
		Kind:       KindMonteCarlo,
		Token:      res.Token,
		Size:       res.NotionalUSD,
		SpreadBps:  spread,
		ProfitUSD:  res.MeanPnl,
		LatencySec: res.MeanExecMs / 1000,
		Viable:     res.MeanPnl > 0,
		At:         start,
	})
	s.metrics.ObserveSimulation("montecarlo", time.Since(start))
	s.logger.Info("Simulator: Monte Carlo completed",
		"token", res.Token, "draws", n, "meanPnl", res.MeanPnl, "successProbability", res.SuccessProbability)
	return res
}

func (s *Simulator) reject(res model.SimulationResult, msg string) model.SimulationResult {
	s.logger.Warn("Simulator: rejected Monte Carlo input", "token", res.Token, "error", msg)
	res.Error = msg
	return res
}

// resolveMarket fills the prices and funding rate missing from the request
// from the live view.
func (s *Simulator) resolveMarket(req MonteCarloRequest) (spot, perp, funding float64, errMsg string) {
	spot, perp = req.SpotPrice, req.PerpPrice
	if req.FundingRate != nil {
		funding = *req.FundingRate
	}
	if spot > 0 && perp > 0 && req.FundingRate != nil {
		return spot, perp, funding, ""
	}

	var view model.TokenView
	ok := false
	if s.prices != nil {
		view, ok = s.prices.Token(req.Token)
	}
	if spot <= 0 {
		spot = view.SpotPrice
	}
	if perp <= 0 {
		perp = view.PerpPrice
	}
	if req.FundingRate == nil {
		funding = view.FundingRate
	}
	if spot <= 0 || perp <= 0 {
		if !ok {
			return 0, 0, 0, fmt.Sprintf("no market data for token %s", req.Token)
		}
		return 0, 0, 0, fmt.Sprintf("token %s is missing a price leg", req.Token)
	}
	return spot, perp, funding, ""
}
