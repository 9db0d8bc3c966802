package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeFunding(t *testing.T) {
	t.Run("rolling average and summary", func(t *testing.T) {
		res, err := SummarizeFunding("sol", series(0.0001, 0.0003, -0.0001), 2)
		require.NoError(t, err)
		require.Len(t, res.Points, 3)
		assert.Equal(t, "SOL", res.Token)
		assert.InDelta(t, 0.0001, res.Points[0].RollingAvg, 1e-15)
		assert.InDelta(t, 0.0002, res.Points[1].RollingAvg, 1e-15)
		assert.InDelta(t, 0.0001, res.Points[2].RollingAvg, 1e-15)
		assert.InDelta(t, 3.0, res.Points[1].RateBps, 1e-9)
		assert.InDelta(t, 0.0024, res.Points[1].Projected8h, 1e-15)

		assert.InDelta(t, -0.0001, res.Summary.Latest, 1e-15)
		assert.InDelta(t, 0.0001, res.Summary.Mean, 1e-15)
		assert.InDelta(t, -0.0001, res.Summary.Min, 1e-15)
		assert.InDelta(t, 0.0003, res.Summary.Max, 1e-15)
		assert.InDelta(t, 87.6, res.Summary.AnnualizedPct, 1e-9)
		assert.InDelta(t, 2.0/3.0, res.Summary.PositiveShare, 1e-12)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := SummarizeFunding("SOL", series(0.1), 0)
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = SummarizeFunding("SOL", nil, 24)
		assert.ErrorIs(t, err, ErrInsufficientData)
	})
}

func TestAccrueFunding(t *testing.T) {
	in := AccrualInput{Size: 10, EntryPrice: 100, AnnualRate: 0.0876, HoldingHours: 2.5}

	t.Run("full and partial periods", func(t *testing.T) {
		res, err := AccrueFunding(in)
		require.NoError(t, err)
		require.Len(t, res.Periods, 3)
		assert.Equal(t, 1000.0, res.NotionalUSD)
		assert.InDelta(t, 0.01, res.Periods[0].Funding, 1e-12)
		assert.InDelta(t, 0.005, res.Periods[2].Funding, 1e-12)
		assert.InDelta(t, 2.5, res.Periods[2].HoursElapsed, 1e-12)
		assert.Equal(t, 3, res.Periods[2].Period)
		assert.InDelta(t, 0.025, res.Periods[2].Cumulative, 1e-12)
		assert.InDelta(t, 0.0025, res.Periods[2].EffectiveRatePct, 1e-12)
		assert.InDelta(t, 0.025, res.TotalFunding, 1e-12)
		assert.InDelta(t, 0.0876, res.EffectiveAnnualRate, 1e-12)
	})

	t.Run("whole periods only", func(t *testing.T) {
		exact := in
		exact.HoldingHours = 16
		exact.IntervalHours = 8
		res, err := AccrueFunding(exact)
		require.NoError(t, err)
		require.Len(t, res.Periods, 2)
		assert.InDelta(t, 8.0, res.Periods[0].HoursElapsed, 1e-12)
		assert.InDelta(t, 16.0, res.Periods[1].HoursElapsed, 1e-12)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		cases := map[string]func(*AccrualInput){
			"zero size":         func(in *AccrualInput) { in.Size = 0 },
			"zero holding":      func(in *AccrualInput) { in.HoldingHours = 0 },
			"negative interval": func(in *AccrualInput) { in.IntervalHours = -1 },
			"infinite rate":     func(in *AccrualInput) { in.AnnualRate = math.Inf(1) },
			"too many periods":  func(in *AccrualInput) { in.HoldingHours = MaxAccrualPeriods },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				bad := in
				mutate(&bad)
				_, err := AccrueFunding(bad)
				assert.ErrorIs(t, err, ErrInvalidInput)
			})
		}
	})
}
