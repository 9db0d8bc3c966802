package slippage

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspot/internal/config"
)

func newTestModel(params Params) *Model {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(logger, params)
}

func TestSquareRoot(t *testing.T) {
	m := newTestModel(DefaultParams())

	t.Run("clamped to configured max", func(t *testing.T) {
		v, err := m.SquareRoot(10_000, 1_000_000, "")
		require.NoError(t, err)
		assert.InDelta(t, 0.05, v, 1e-12)
	})

	t.Run("raw value without bounds", func(t *testing.T) {
		p := DefaultParams()
		p.SqrtBounds = Unbounded
		v, err := newTestModel(p).SquareRoot(10_000, 1_000_000, "")
		require.NoError(t, err)
		assert.InDelta(t, 0.07, v, 1e-12)
	})

	t.Run("min bound", func(t *testing.T) {
		v, err := m.SquareRoot(1, 1e12, "")
		require.NoError(t, err)
		assert.InDelta(t, 0.5/1e4, v, 1e-15)
	})

	t.Run("token profile adjusts k and adv", func(t *testing.T) {
		v, err := m.SquareRoot(10_000, 1_000_000, "sol")
		require.NoError(t, err)
		assert.InDelta(t, 0.7*1.2*math.Sqrt(10_000.0/100_000_000), v, 1e-12)
	})

	t.Run("non-positive adv uses default", func(t *testing.T) {
		a, err := m.SquareRoot(50_000, 0, "")
		require.NoError(t, err)
		b, err := m.SquareRoot(50_000, 10_000_000, "")
		require.NoError(t, err)
		assert.Equal(t, b, a)
	})

	t.Run("rejects non-positive notional", func(t *testing.T) {
		_, err := m.SquareRoot(0, 1_000_000, "")
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = m.SquareRoot(-5, 1_000_000, "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("strictly increasing in notional", func(t *testing.T) {
		p := DefaultParams()
		p.SqrtBounds = Unbounded
		um := newTestModel(p)
		rng := rand.New(rand.NewPCG(1, 2))
		for i := 0; i < 200; i++ {
			adv := 1 + rng.Float64()*1e9
			n1 := 1 + rng.Float64()*1e7
			n2 := n1 * (1 + 1e-6 + rng.Float64())
			s1, err := um.SquareRoot(n1, adv, "")
			require.NoError(t, err)
			s2, err := um.SquareRoot(n2, adv, "")
			require.NoError(t, err)
			assert.Less(t, s1, s2)
		}
	})
}

func TestPowerLaw(t *testing.T) {
	m := newTestModel(DefaultParams())

	v, err := m.PowerLaw(1_000_000, 50_000_000, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.3*math.Pow(0.02, 0.6), v, 1e-12)

	d, err := m.PowerLaw(1_000_000, 0, "")
	require.NoError(t, err)
	assert.Equal(t, v, d)

	eth, err := m.PowerLaw(1_000_000, 50_000_000, "ETH")
	require.NoError(t, err)
	assert.InDelta(t, v, eth, 1e-12)

	capped, err := m.PowerLaw(1e12, 1, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, capped, 1e-12)

	_, err = m.PowerLaw(0, 1, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParamsFromConfig(t *testing.T) {
	p := ParamsFromConfig(config.Default().Slippage)
	assert.Equal(t, DefaultParams(), p)

	cfg := config.Default().Slippage
	cfg.SqrtMaxBps = 0
	p = ParamsFromConfig(cfg)
	assert.Equal(t, 0.5, p.SqrtBounds.MinBps)
	assert.Equal(t, 0.0, p.SqrtBounds.MaxBps)
}

func TestBounds(t *testing.T) {
	b := Bounds{MinBps: 1, MaxBps: 10}
	assert.InDelta(t, 0.0001, b.Clamp(0), 1e-15)
	assert.InDelta(t, 0.0005, b.Clamp(0.0005), 1e-15)
	assert.InDelta(t, 0.001, b.Clamp(0.5), 1e-15)
	assert.Equal(t, 0.5, Unbounded.Clamp(0.5))
}
