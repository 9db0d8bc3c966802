package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"perpspot/internal/aggregator"
	"perpspot/internal/bridge"
	"perpspot/internal/cache"
	"perpspot/internal/config"
	"perpspot/internal/model"
	"perpspot/internal/slippage"
	"perpspot/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeMarket struct {
	snap    *aggregator.Snapshot
	history []model.SpreadPoint
}

func (f *fakeMarket) Snapshot() *aggregator.Snapshot { return f.snap }

func (f *fakeMarket) Prices(token string) map[string]model.TokenView {
	out := map[string]model.TokenView{}
	for k, v := range f.snap.Tokens {
		if token == "" || token == k {
			out[k] = v
		}
	}
	return out
}

func (f *fakeMarket) Token(token string) (model.TokenView, bool) {
	v, ok := f.snap.Tokens[token]
	return v, ok
}

func (f *fakeMarket) Opportunities() []model.Opportunity {
	return append([]model.Opportunity(nil), f.snap.Opportunities...)
}

func (f *fakeMarket) History(limit int) []model.SpreadPoint {
	if limit > 0 && len(f.history) > limit {
		return f.history[len(f.history)-limit:]
	}
	return f.history
}

func (f *fakeMarket) Tokens() []string { return []string{"SOL", "ETH", "BTC"} }

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Stats() cache.Stats {
	return m.Called().Get(0).(cache.Stats)
}

func (m *MockCache) FlushAll(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) LogSimulation(ctx context.Context, res model.SimulationResult) error {
	return m.Called(ctx, res).Error(0)
}

type fakeStream struct {
	state stream.State
}

func (f fakeStream) State() stream.State { return f.state }
func (f fakeStream) Endpoint() string    { return stream.DefaultPrimaryURL }
func (f fakeStream) Attempts() int       { return 2 }

func testMarket() *fakeMarket {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &fakeMarket{
		snap: &aggregator.Snapshot{
			Tokens: map[string]model.TokenView{
				"SOL": {Token: "SOL", SpotPrice: 100, PerpPrice: 101, FundingRate: 0.0001, Volume24h: 5_000_000, LastUpdated: now},
				"ETH": {Token: "ETH", SpotPrice: 3500, PerpPrice: 3499, Volume24h: 20_000_000, LastUpdated: now},
			},
			Opportunities: []model.Opportunity{
				{Token: "SOL", SpreadPct: 1.0, Strategy: model.LongSpotShortPerp, EstimatedPnl: 6},
				{Token: "BTC", SpreadPct: -0.4, Strategy: model.ShortSpotLongPerp, EstimatedPnl: 1},
			},
			LastUpdated:  now,
			StreamActive: true,
		},
		history: []model.SpreadPoint{
			{Count: 1, MaxSpread: 0.5},
			{Count: 2, MaxSpread: 1.0},
		},
	}
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.Market == nil {
		deps.Market = testMarket()
	}
	if deps.Simulator == nil {
		deps.Simulator = bridge.NewSimulator(testLogger(), config.Default().Bridge, nil, deps.Market, bridge.WithSeed(7))
	}
	if deps.Slippage == nil {
		deps.Slippage = slippage.New(testLogger(), slippage.DefaultParams())
	}
	return New(testLogger(), deps)
}

func TestService_GetPrices(t *testing.T) {
	svc := newTestService(t, Deps{})

	t.Run("all tokens", func(t *testing.T) {
		p, err := svc.GetPrices("")
		require.NoError(t, err)
		assert.Len(t, p.Tokens, 2)
		assert.True(t, p.StreamActive)
		assert.False(t, p.Degraded)
		assert.False(t, p.LastUpdated.IsZero())
	})

	t.Run("single token", func(t *testing.T) {
		p, err := svc.GetPrices(" sol ")
		require.NoError(t, err)
		require.Len(t, p.Tokens, 1)
		assert.Equal(t, 100.0, p.Tokens["SOL"].SpotPrice)
	})

	t.Run("tracked but not yet priced", func(t *testing.T) {
		p, err := svc.GetPrices("BTC")
		require.NoError(t, err)
		assert.Empty(t, p.Tokens)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := svc.GetPrices("DOGE")
		assert.ErrorIs(t, err, ErrUnknownToken)
	})
}

func TestService_Opportunities(t *testing.T) {
	svc := newTestService(t, Deps{})

	assert.Len(t, svc.GetOpportunities(nil), 2)

	minSpread := 0.5
	filtered := svc.GetOpportunities(&minSpread)
	require.Len(t, filtered, 1)
	assert.Equal(t, "SOL", filtered[0].Token)

	ov := svc.MarketOverview()
	assert.Equal(t, 2, ov.Count)
	assert.Equal(t, 1.0, ov.MaxSpreadPct)
	assert.Equal(t, 7.0, ov.TotalPnl)
	assert.Equal(t, 1, ov.LongSpotCount)
	assert.Equal(t, 1, ov.ShortSpotCount)

	assert.Len(t, svc.SpreadHistory(0), 2)
	assert.Equal(t, 1.0, svc.SpreadHistory(1)[0].MaxSpread)
}

func TestService_SimulateMonteCarlo(t *testing.T) {
	ctx := context.Background()

	t.Run("records successful runs", func(t *testing.T) {
		rec := new(MockRecorder)
		rec.On("LogSimulation", ctx, mock.AnythingOfType("model.SimulationResult")).Return(nil).Once()
		svc := newTestService(t, Deps{Recorder: rec, DefaultSimulations: 200})

		res := svc.SimulateMonteCarlo(ctx, bridge.MonteCarloRequest{Token: "SOL", NotionalUSD: 1000})
		require.False(t, res.Failed(), res.Error)
		assert.Equal(t, 200, res.NSimulations)
		assert.Equal(t, 100.0, res.SpotPrice)
		assert.Equal(t, 101.0, res.PerpPrice)
		rec.AssertExpectations(t)
	})

	t.Run("recorder failure is absorbed", func(t *testing.T) {
		rec := new(MockRecorder)
		rec.On("LogSimulation", ctx, mock.Anything).Return(errors.New("db down")).Once()
		svc := newTestService(t, Deps{Recorder: rec})

		res := svc.SimulateMonteCarlo(ctx, bridge.MonteCarloRequest{Token: "ETH", NotionalUSD: 500, NSimulations: 50})
		assert.False(t, res.Failed())
		assert.Equal(t, 50, res.NSimulations)
		rec.AssertExpectations(t)
	})

	t.Run("rejected runs are not recorded", func(t *testing.T) {
		rec := new(MockRecorder)
		svc := newTestService(t, Deps{Recorder: rec})

		res := svc.SimulateMonteCarlo(ctx, bridge.MonteCarloRequest{Token: "DOGE", NotionalUSD: 500})
		assert.True(t, res.Failed())
		assert.Contains(t, res.Error, "no market data")
		rec.AssertNotCalled(t, "LogSimulation", mock.Anything, mock.Anything)
	})
}

func TestService_SimulateExecution(t *testing.T) {
	svc := newTestService(t, Deps{})

	t.Run("fills market data from the live view", func(t *testing.T) {
		res := svc.SimulateExecution(bridge.ExecutionInput{Token: "SOL", Size: 1000})
		require.Empty(t, res.Error)
		assert.Equal(t, 100.0, res.SpotPrice)
		assert.Equal(t, 101.0, res.PerpPrice)
		assert.Equal(t, 0.0001, res.FundingRate)

		res = svc.SimulateExecution(bridge.ExecutionInput{Token: "SOL", Size: 1000, SpotPrice: 90, PerpPrice: 91})
		require.Empty(t, res.Error)
		assert.Equal(t, 90.0, res.SpotPrice)
	})

	t.Run("explicit zero funding is kept", func(t *testing.T) {
		zero := 0.0
		res := svc.SimulateExecution(bridge.ExecutionInput{Token: "SOL", Size: 1000, FundingRate: &zero})
		require.Empty(t, res.Error)
		assert.Equal(t, 0.0, res.FundingRate)
		assert.Equal(t, 0.0, res.Analysis.FundingImpactUSD)
	})

	t.Run("slippage comes from the slippage model", func(t *testing.T) {
		est, err := svc.EstimateSlippage(SlippageRequest{Token: "SOL", NotionalUSD: 1000})
		require.NoError(t, err)

		res := svc.SimulateExecution(bridge.ExecutionInput{Token: "SOL", Size: 1000})
		require.Empty(t, res.Error)
		assert.InDelta(t, est.Recommended, res.Slippage, 1e-12)
		assert.InDelta(t, est.Recommended*1000, res.Costs.SlippageUSD, 1e-9)

		override := 0.003
		res = svc.SimulateExecution(bridge.ExecutionInput{Token: "SOL", Size: 1000, Slippage: &override})
		assert.Equal(t, 0.003, res.Slippage)
	})

	t.Run("unknown token", func(t *testing.T) {
		res := svc.SimulateExecution(bridge.ExecutionInput{Token: "DOGE", Size: 1000})
		assert.NotEmpty(t, res.Error)
	})
}

func TestService_Templates(t *testing.T) {
	svc := newTestService(t, Deps{})

	assert.Len(t, svc.ListTemplates(), 3)
	require.NoError(t, svc.SaveTemplate(model.ExecutionTemplate{Name: "Custom", TradeSize: 250}))
	assert.ErrorIs(t, svc.SaveTemplate(model.ExecutionTemplate{Name: "Custom"}), bridge.ErrTemplateExists)
	assert.Len(t, svc.ListTemplates(), 4)

	require.NoError(t, svc.DeleteTemplate("Custom"))
	assert.ErrorIs(t, svc.DeleteTemplate("Custom"), bridge.ErrTemplateNotFound)
}

func TestService_EstimateSlippage(t *testing.T) {
	svc := newTestService(t, Deps{})

	t.Run("fills price, volume and book from the live view", func(t *testing.T) {
		est, err := svc.EstimateSlippage(SlippageRequest{Token: "sol", NotionalUSD: 10_000})
		require.NoError(t, err)
		assert.False(t, est.Fallback)
		assert.ElementsMatch(t, []string{slippage.MethodSquareRoot, slippage.MethodPowerLaw, slippage.MethodDepth}, est.Methods)
		require.NotNil(t, est.Depth)
		assert.Greater(t, est.Recommended, 0.0)
		assert.LessOrEqual(t, est.Recommended, slippage.HardCap)
	})

	t.Run("unknown token falls back", func(t *testing.T) {
		est, err := svc.EstimateSlippage(SlippageRequest{Token: "DOGE", NotionalUSD: 10_000})
		require.NoError(t, err)
		assert.True(t, est.Fallback)
		assert.Equal(t, slippage.DefaultParams().DefaultEstimate, est.Recommended)
	})

	t.Run("invalid requests", func(t *testing.T) {
		cases := []SlippageRequest{
			{NotionalUSD: 100},
			{Token: "SOL"},
			{Token: "SOL", NotionalUSD: 100, Side: "hold"},
		}
		for _, c := range cases {
			_, err := svc.EstimateSlippage(c)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		}
	})
}

func TestService_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("without cache", func(t *testing.T) {
		svc := newTestService(t, Deps{})
		assert.Equal(t, cache.Stats{}, svc.CacheStats())
		assert.True(t, svc.FlushCache(ctx))
	})

	t.Run("with cache", func(t *testing.T) {
		c := new(MockCache)
		c.On("Stats").Return(cache.Stats{Hits: 3, Misses: 1, HitRate: 0.75, Connected: true})
		c.On("FlushAll", ctx).Return(false).Once()
		svc := newTestService(t, Deps{Cache: c})

		assert.Equal(t, int64(3), svc.CacheStats().Hits)
		assert.False(t, svc.FlushCache(ctx))
		c.AssertExpectations(t)
	})
}

func TestService_Health(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		svc := newTestService(t, Deps{Stream: fakeStream{state: stream.Streaming}})
		h := svc.Health()
		assert.Equal(t, StatusOK, h.Status)
		assert.Equal(t, 2, h.Opportunities)
		assert.True(t, h.Stream.Enabled)
		assert.Equal(t, "streaming", h.Stream.State)
		assert.Equal(t, 2, h.Stream.Attempts)
	})

	t.Run("starting", func(t *testing.T) {
		m := &fakeMarket{snap: &aggregator.Snapshot{Tokens: map[string]model.TokenView{}}}
		h := newTestService(t, Deps{Market: m}).Health()
		assert.Equal(t, StatusStarting, h.Status)
		assert.False(t, h.Stream.Enabled)
	})

	t.Run("degraded data", func(t *testing.T) {
		m := testMarket()
		m.snap.Degraded = true
		assert.Equal(t, StatusDegraded, newTestService(t, Deps{Market: m}).Health().Status)
	})

	t.Run("stream gave up", func(t *testing.T) {
		svc := newTestService(t, Deps{Stream: fakeStream{state: stream.Failed}})
		assert.Equal(t, StatusDegraded, svc.Health().Status)
	})
}

func TestService_BridgeAnalytics(t *testing.T) {
	svc := newTestService(t, Deps{})

	svc.SimulateExecution(bridge.ExecutionInput{Token: "SOL", Size: 1000})
	svc.SimulateMonteCarlo(context.Background(), bridge.MonteCarloRequest{Token: "ETH", NotionalUSD: 1000, NSimulations: 10})

	assert.Equal(t, 2, svc.BridgeAnalytics(time.Hour, "").TotalSimulations)
	assert.Equal(t, 1, svc.BridgeAnalytics(time.Hour, "sol").TotalSimulations)
}
