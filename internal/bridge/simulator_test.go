package bridge

import (
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspot/internal/config"
	"perpspot/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLookup map[string]model.TokenView

func (f fakeLookup) Token(token string) (model.TokenView, bool) {
	v, ok := f[token]
	return v, ok
}

func newTestSimulator(t *testing.T, prices PriceLookup, seed uint64) *Simulator {
	t.Helper()
	return NewSimulator(testLogger(), config.Default().Bridge, nil, prices, WithSeed(seed))
}

func TestSimulate(t *testing.T) {
	sim := newTestSimulator(t, nil, 1)

	t.Run("long spot when perp is rich", func(t *testing.T) {
		funding := 0.0001
		res := sim.Simulate(ExecutionInput{Token: "sol", Size: 1000, SpotPrice: 100, PerpPrice: 101, FundingRate: &funding})
		require.Empty(t, res.Error)

		assert.Equal(t, "SOL", res.Token)
		assert.InDelta(t, 100, res.SpreadBps, 1e-9)
		assert.NotEmpty(t, res.ID)

		a := res.Analysis
		assert.InDelta(t, 5, a.ExpectedLatency, 0.5)
		assert.Greater(t, a.Latency95th, a.ExpectedLatency)
		assert.LessOrEqual(t, a.SpreadDecayBps, 0.8*res.SpreadBps)
		assert.InDelta(t, (res.SpreadBps-a.SpreadDecayBps)*1000/1e4, a.GrossProfitUSD, 1e-9)
		assert.InDelta(t, a.GrossProfitUSD-res.Costs.TotalUSD-a.FundingImpactUSD, a.NetProfitUSD, 1e-9)
		assert.Equal(t, a.NetProfitUSD, a.RiskAdjustedProfit)
		assert.Equal(t, a.RiskAdjustedProfit > 0 && res.SpreadBps >= 0.5 && a.ExpectedLatency <= 5, a.Viable)

		assert.InDelta(t, 0.018, res.Costs.GasUSD, 1e-12)
		assert.InDelta(t, 0.3, res.Costs.TradingFeeUSD, 1e-12)
		assert.InDelta(t, 2.0, res.Costs.SlippageUSD, 1e-12)
		assert.InDelta(t, 2.318, res.Costs.TotalUSD, 1e-12)

		require.NotNil(t, res.Playbook)
		assert.Equal(t, model.LongSpotShortPerp, res.Playbook.Strategy)
		require.Len(t, res.Playbook.Steps, 2)
		assert.Equal(t, "jupiter", res.Playbook.Steps[0].Venue)
		assert.Equal(t, 100.0, res.Playbook.Steps[0].Price)
		assert.Equal(t, "hyperliquid", res.Playbook.Steps[1].Venue)
		assert.Contains(t, res.Playbook.RiskControls, "stop_loss")

		assert.GreaterOrEqual(t, res.Risk.SuccessRate, 0.0)
		assert.LessOrEqual(t, res.Risk.SuccessRate, 1.0)
		assert.InDelta(t, 0.001, res.Risk.FundingRiskFactor, 1e-12)
		assert.Greater(t, res.Risk.LatencyRiskScore, 0.0)
	})

	t.Run("short spot when perp is cheap", func(t *testing.T) {
		res := sim.Simulate(ExecutionInput{Token: "ETH", Size: 2000, SpotPrice: 3500, PerpPrice: 3480, Template: "ETH Conservative"})
		require.Empty(t, res.Error)
		assert.Equal(t, model.ShortSpotLongPerp, res.Playbook.Strategy)
		assert.Equal(t, "hyperliquid", res.Playbook.Steps[0].Venue)
		assert.Equal(t, "ETH Conservative", res.Template)
		assert.InDelta(t, 3, res.Analysis.ExpectedLatency, 0.3)
	})

	t.Run("template risk multiplier", func(t *testing.T) {
		res := sim.Simulate(ExecutionInput{Token: "BTC", Size: 5000, SpotPrice: 100000, PerpPrice: 100500, Template: "BTC Large Size"})
		require.Empty(t, res.Error)
		assert.InDelta(t, res.Analysis.NetProfitUSD*0.8, res.Analysis.RiskAdjustedProfit, 1e-9)
	})

	t.Run("rejected input", func(t *testing.T) {
		cases := map[string]ExecutionInput{
			"no token":          {Size: 1000, SpotPrice: 100, PerpPrice: 101},
			"zero size":         {Token: "SOL", SpotPrice: 100, PerpPrice: 101},
			"missing price":     {Token: "SOL", Size: 1000, SpotPrice: 100},
			"unknown template":  {Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101, Template: "nope"},
			"slippage above 1":  {Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101, Slippage: ptr(1.5)},
			"negative slippage": {Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101, Slippage: ptr(-0.01)},
		}
		for name, in := range cases {
			t.Run(name, func(t *testing.T) {
				before := sim.History().Len()
				res := sim.Simulate(in)
				assert.NotEmpty(t, res.Error)
				assert.Nil(t, res.Playbook)
				assert.Equal(t, before, sim.History().Len())
			})
		}
	})

	t.Run("funding defaults to zero", func(t *testing.T) {
		res := sim.Simulate(ExecutionInput{Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101})
		require.Empty(t, res.Error)
		assert.Equal(t, 0.0, res.FundingRate)
		assert.Equal(t, 0.0, res.Analysis.FundingImpactUSD)
		assert.Equal(t, 0.0, res.Risk.FundingRiskFactor)
	})

	t.Run("slippage override replaces configured impact", func(t *testing.T) {
		res := sim.Simulate(ExecutionInput{Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101, Slippage: ptr(0.01)})
		require.Empty(t, res.Error)
		assert.Equal(t, 0.01, res.Slippage)
		assert.InDelta(t, 10.0, res.Costs.SlippageUSD, 1e-12)
		assert.InDelta(t, 10.318, res.Costs.TotalUSD, 1e-12)

		res = sim.Simulate(ExecutionInput{Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101})
		assert.Equal(t, config.Default().Bridge.SlippageImpact, res.Slippage)
		assert.InDelta(t, 2.0, res.Costs.SlippageUSD, 1e-12)
	})

	t.Run("recorded in history", func(t *testing.T) {
		s := newTestSimulator(t, nil, 2)
		s.Simulate(ExecutionInput{Token: "SOL", Size: 1000, SpotPrice: 100, PerpPrice: 101})
		recent := s.History().Recent(1)
		require.Len(t, recent, 1)
		assert.Equal(t, KindExecution, recent[0].Kind)
		assert.Equal(t, "SOL", recent[0].Token)
	})
}

func ptr(v float64) *float64 {
	return &v
}

func TestSpreadDecay(t *testing.T) {
	assert.InDelta(t, 100*(1-math.Exp(-0.306)), spreadDecay(100, 1, 100, 101), 1e-9)
	assert.Equal(t, 80.0, spreadDecay(100, 100, 100, 101))
	assert.Equal(t, 0.0, spreadDecay(0, 2, 100, 100))
}

func TestFundingImpact(t *testing.T) {
	assert.InDelta(t, 0.1, fundingImpact(0.0008, 3600, 1000), 1e-12)
	assert.InDelta(t, 0.1, fundingImpact(-0.0008, 3600, 1000), 1e-12)
	assert.Equal(t, 0.0, fundingImpact(0, 3600, 1000))
}

func TestMonteCarlo(t *testing.T) {
	funding := 0.0001

	t.Run("draw count is clamped", func(t *testing.T) {
		sim := newTestSimulator(t, nil, 3)
		for requested, want := range map[int]int{10000: 5000, 5000: 5000, 10: 10, 3: 3, 1: 1, 0: 1, -7: 1} {
			res := sim.MonteCarlo(MonteCarloRequest{Token: "SOL", NotionalUSD: 1000, NSimulations: requested, SpotPrice: 100, PerpPrice: 101, FundingRate: &funding})
			require.Empty(t, res.Error)
			assert.Equal(t, want, res.NSimulations, "requested %d", requested)
			assert.Len(t, res.SampleDraws, min(10, want))
			assert.GreaterOrEqual(t, res.SuccessProbability, 0.0)
			assert.LessOrEqual(t, res.SuccessProbability, 1.0)
		}
	})

	t.Run("statistics are ordered", func(t *testing.T) {
		sim := newTestSimulator(t, nil, 4)
		res := sim.MonteCarlo(MonteCarloRequest{Token: "SOL", NotionalUSD: 1000, NSimulations: 2000, SpotPrice: 100, PerpPrice: 102, FundingRate: &funding})
		require.Empty(t, res.Error)

		assert.InDelta(t, 200, res.SpreadBps, 1e-9)
		assert.LessOrEqual(t, res.MaxLoss, res.P5Pnl)
		assert.LessOrEqual(t, res.P5Pnl, res.MedianPnl)
		assert.LessOrEqual(t, res.MedianPnl, res.P95Pnl)
		assert.GreaterOrEqual(t, res.MeanExecMs, 200.0)
		assert.GreaterOrEqual(t, res.P99ExecMs, res.MeanExecMs)
		assert.Greater(t, res.SuccessProbability, 0.8)
		assert.Greater(t, res.SharpeLike, 0.0)
		for _, d := range res.SampleDraws {
			assert.GreaterOrEqual(t, d.ExecTimeMs, 200.0)
			assert.Equal(t, d.PnlUSD > 0, d.Success)
		}
	})

	t.Run("no spread never profits", func(t *testing.T) {
		sim := newTestSimulator(t, nil, 5)
		res := sim.MonteCarlo(MonteCarloRequest{Token: "USDC", NotionalUSD: 1000, NSimulations: 500, SpotPrice: 1, PerpPrice: 1, FundingRate: &funding})
		require.Empty(t, res.Error)
		assert.Equal(t, 0.0, res.SuccessProbability)
		assert.Less(t, res.MaxLoss, 0.0)
	})

	t.Run("same seed same result", func(t *testing.T) {
		req := MonteCarloRequest{Token: "SOL", NotionalUSD: 2500, NSimulations: 300, SpotPrice: 100, PerpPrice: 100.8, FundingRate: &funding}
		a := newTestSimulator(t, nil, 9).MonteCarlo(req)
		b := newTestSimulator(t, nil, 9).MonteCarlo(req)
		assert.Equal(t, a.MeanPnl, b.MeanPnl)
		assert.Equal(t, a.SampleDraws, b.SampleDraws)
	})

	t.Run("template scales pnl", func(t *testing.T) {
		req := MonteCarloRequest{Token: "BTC", NotionalUSD: 5000, NSimulations: 300, SpotPrice: 100000, PerpPrice: 100600, FundingRate: &funding}
		plain := newTestSimulator(t, nil, 11).MonteCarlo(req)
		req.Template = "BTC Large Size"
		scaled := newTestSimulator(t, nil, 11).MonteCarlo(req)
		require.Empty(t, scaled.Error)
		assert.InDelta(t, plain.MeanPnl*0.8, scaled.MeanPnl, 1e-6)
		assert.InDelta(t, plain.MaxLoss*0.8, scaled.MaxLoss, 1e-6)
	})

	t.Run("prices come from the live view", func(t *testing.T) {
		lookup := fakeLookup{"SOL": {Token: "SOL", SpotPrice: 190, PerpPrice: 191, FundingRate: 0.0002}}
		sim := newTestSimulator(t, lookup, 6)
		res := sim.MonteCarlo(MonteCarloRequest{Token: "sol", NotionalUSD: 1000, NSimulations: 100})
		require.Empty(t, res.Error)
		assert.Equal(t, 190.0, res.SpotPrice)
		assert.Equal(t, 191.0, res.PerpPrice)
		assert.Equal(t, 0.0002, res.FundingRate)

		zero := 0.0
		res = sim.MonteCarlo(MonteCarloRequest{Token: "SOL", NotionalUSD: 1000, NSimulations: 100, PerpPrice: 195, FundingRate: &zero})
		require.Empty(t, res.Error)
		assert.Equal(t, 190.0, res.SpotPrice)
		assert.Equal(t, 195.0, res.PerpPrice)
		assert.Equal(t, 0.0, res.FundingRate)
	})

	t.Run("rejected input", func(t *testing.T) {
		lookup := fakeLookup{"ETH": {Token: "ETH", SpotPrice: 3500}}
		sim := newTestSimulator(t, lookup, 7)
		cases := map[string]MonteCarloRequest{
			"zero notional":     {Token: "SOL", NotionalUSD: 0, SpotPrice: 100, PerpPrice: 101},
			"negative notional": {Token: "SOL", NotionalUSD: -5, SpotPrice: 100, PerpPrice: 101},
			"no token":          {NotionalUSD: 1000, SpotPrice: 100, PerpPrice: 101},
			"unknown token":     {Token: "DOGE", NotionalUSD: 1000},
			"missing perp leg":  {Token: "ETH", NotionalUSD: 1000},
			"unknown template":  {Token: "SOL", NotionalUSD: 1000, SpotPrice: 100, PerpPrice: 101, Template: "nope"},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				res := sim.MonteCarlo(req)
				assert.True(t, res.Failed())
				assert.Empty(t, res.SampleDraws)
				assert.Equal(t, 0.0, res.MeanPnl)
			})
		}
		assert.Equal(t, 0, sim.History().Len())
	})

	t.Run("recorded in history", func(t *testing.T) {
		sim := newTestSimulator(t, nil, 8)
		res := sim.MonteCarlo(MonteCarloRequest{Token: "SOL", NotionalUSD: 1000, NSimulations: 50, SpotPrice: 100, PerpPrice: 101, FundingRate: &funding})
		recent := sim.History().Recent(0)
		require.Len(t, recent, 1)
		assert.Equal(t, KindMonteCarlo, recent[0].Kind)
		assert.Equal(t, res.MeanPnl, recent[0].ProfitUSD)
	})
}

func TestClampSimulations(t *testing.T) {
	assert.Equal(t, 1, ClampSimulations(0))
	assert.Equal(t, 5000, ClampSimulations(5001))
	assert.Equal(t, 42, ClampSimulations(42))
}
