package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(values ...float64) []Observation {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Observation, len(values))
	for i, v := range values {
		out[i] = Observation{Time: t0.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func TestSpreadZScore(t *testing.T) {
	t.Run("scores the latest spread", func(t *testing.T) {
		res, err := SpreadZScore("sol", series(1, 1, 1, 1, 4), DefaultZScoreWindow)
		require.NoError(t, err)
		z := 2.4 / math.Sqrt(1.8)
		assert.Equal(t, "SOL", res.Token)
		assert.Equal(t, 5, res.Samples)
		assert.Equal(t, 4.0, res.CurrentSpread)
		assert.InDelta(t, z, res.CurrentZScore, 1e-12)
		assert.Equal(t, SignalSignificant, res.Signal)
		assert.Equal(t, "MEDIUM", res.SignalStrength)
		assert.InDelta(t, 1.6, res.Statistics.MeanSpread, 1e-12)
		assert.Zero(t, res.Statistics.MinZScore)
		assert.InDelta(t, z, res.Statistics.MaxZScore, 1e-12)
		assert.Zero(t, res.Series[0].ZScore, "single observation has no dispersion")
	})

	t.Run("rolling window", func(t *testing.T) {
		res, err := SpreadZScore("SOL", series(1, 3, 1), 2)
		require.NoError(t, err)
		assert.InDelta(t, math.Sqrt(0.5), res.Series[1].ZScore, 1e-12)
		assert.InDelta(t, 2.0, res.Series[2].RollingMean, 1e-12)
		assert.InDelta(t, -math.Sqrt(0.5), res.Series[2].ZScore, 1e-12)
	})

	t.Run("series keeps the last fifty points", func(t *testing.T) {
		values := make([]float64, 120)
		for i := range values {
			values[i] = float64(i % 7)
		}
		obs := series(values...)
		res, err := SpreadZScore("SOL", obs, 20)
		require.NoError(t, err)
		require.Len(t, res.Series, 50)
		assert.Equal(t, obs[70].Time, res.Series[0].Timestamp)
		assert.Equal(t, 120, res.Samples)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := SpreadZScore("SOL", series(1, 2), 1)
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = SpreadZScore("SOL", series(1, 2), MaxZScoreWindow+1)
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = SpreadZScore("SOL", nil, 10)
		assert.ErrorIs(t, err, ErrInsufficientData)
	})
}

func TestClassifyZScore(t *testing.T) {
	cases := []struct {
		z        float64
		signal   Signal
		strength string
	}{
		{2.5, SignalExtreme, "HIGH"},
		{-2.5, SignalExtreme, "HIGH"},
		{1.5, SignalSignificant, "MEDIUM"},
		{-1.5, SignalSignificant, "MEDIUM"},
		{1, SignalNormal, "LOW"},
		{0, SignalNormal, "LOW"},
	}
	for _, c := range cases {
		signal, strength := ClassifyZScore(c.z)
		assert.Equal(t, c.signal, signal, "z=%v", c.z)
		assert.Equal(t, c.strength, strength, "z=%v", c.z)
	}
}
