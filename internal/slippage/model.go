package slippage

import (
	"errors"
	"log/slog"
	"math"
	"strings"

	"perpspot/internal/config"
)

var (
	ErrInvalidInput = errors.New("slippage: invalid input")
	ErrNoDepth      = errors.New("slippage: no depth available")
)

// HardCap bounds every depth-based and recommended estimate (20%).
const HardCap = 0.20

// Bounds clamps an estimate expressed as a fraction. Limits are given in
// basis points; a limit of zero or less disables that side.
type Bounds struct {
	MinBps float64
	MaxBps float64
}

// Clamp applies the bounds to a fractional value.
func (b Bounds) Clamp(v float64) float64 {
	bps := v * 1e4
	if b.MinBps > 0 && bps < b.MinBps {
		bps = b.MinBps
	}
	if b.MaxBps > 0 && bps > b.MaxBps {
		bps = b.MaxBps
	}
	return bps / 1e4
}

// Unbounded disables clamping.
var Unbounded = Bounds{}

// Params holds the model coefficients.
type Params struct {
	K                  float64
	A                  float64
	B                  float64
	SqrtBounds         Bounds
	PowerBounds        Bounds
	DefaultADV         float64
	DefaultDailyVolume float64
	DefaultEstimate    float64
	RecommendedFloor   float64
}

// DefaultParams returns the calibrated defaults.
func DefaultParams() Params {
	return Params{
		K:                  0.7,
		A:                  0.3,
		B:                  0.6,
		SqrtBounds:         Bounds{MinBps: 0.5, MaxBps: 500},
		PowerBounds:        Bounds{MinBps: 0.1, MaxBps: 1000},
		DefaultADV:         10_000_000,
		DefaultDailyVolume: 50_000_000,
		DefaultEstimate:    0.01,
		RecommendedFloor:   0.5 / 1e4,
	}
}

// ParamsFromConfig maps the slippage config section onto Params.
func ParamsFromConfig(cfg config.SlippageConfig) Params {
	p := DefaultParams()
	p.K = cfg.K
	p.A = cfg.A
	p.B = cfg.B
	p.SqrtBounds = Bounds{MinBps: cfg.SqrtMinBps, MaxBps: cfg.SqrtMaxBps}
	p.PowerBounds = Bounds{MinBps: cfg.PowerMinBps, MaxBps: cfg.PowerMaxBps}
	if cfg.DefaultADV > 0 {
		p.DefaultADV = cfg.DefaultADV
	}
	if cfg.DefaultDailyVolume > 0 {
		p.DefaultDailyVolume = cfg.DefaultDailyVolume
	}
	if cfg.DefaultEstimate > 0 {
		p.DefaultEstimate = cfg.DefaultEstimate
	}
	return p
}

// TokenProfile adjusts the generic coefficients for a specific asset.
type TokenProfile struct {
	TypicalADV       float64
	DepthMultiplier  float64
	VolatilityFactor float64
}

var profiles = map[string]TokenProfile{
	"SOL":  {TypicalADV: 100_000_000, DepthMultiplier: 1.0, VolatilityFactor: 1.2},
	"ETH":  {TypicalADV: 500_000_000, DepthMultiplier: 0.8, VolatilityFactor: 1.0},
	"BTC":  {TypicalADV: 1_000_000_000, DepthMultiplier: 0.6, VolatilityFactor: 0.9},
	"USDC": {TypicalADV: 200_000_000, DepthMultiplier: 0.3, VolatilityFactor: 0.1},
	"USDT": {TypicalADV: 300_000_000, DepthMultiplier: 0.3, VolatilityFactor: 0.1},
}

// Profile returns the profile of token, if one is known.
func Profile(token string) (TokenProfile, bool) {
	p, ok := profiles[strings.ToUpper(token)]
	return p, ok
}

// Model estimates market impact. It holds no mutable state; all methods are
// safe for concurrent use.
type Model struct {
	logger *slog.Logger
	params Params
}

func New(logger *slog.Logger, params Params) *Model {
	return &Model{logger: logger, params: params}
}

func (m *Model) Params() Params {
	return m.params
}

// SquareRoot estimates slippage as k * sqrt(notional / adv). A known token
// scales k by its volatility factor and raises adv to its typical level. A
// non-positive adv falls back to the default ADV.
func (m *Model) SquareRoot(notional, adv float64, token string) (float64, error) {
	if notional <= 0 || math.IsNaN(notional) || math.IsInf(notional, 0) {
		return 0, ErrInvalidInput
	}

	k := m.params.K
	if p, ok := Profile(token); ok {
		k *= p.VolatilityFactor
		adv = math.Max(adv, p.TypicalADV)
	}
	if adv <= 0 {
		m.logger.Debug("SlippageModel: invalid ADV, using default", "adv", adv)
		adv = m.params.DefaultADV
	}

	return m.params.SqrtBounds.Clamp(k * math.Sqrt(notional/adv)), nil
}

// PowerLaw estimates impact as a * (notional / dailyVolume)^b.
func (m *Model) PowerLaw(notional, dailyVolume float64, token string) (float64, error) {
	if notional <= 0 || math.IsNaN(notional) || math.IsInf(notional, 0) {
		return 0, ErrInvalidInput
	}

	a := m.params.A
	if p, ok := Profile(token); ok {
		a *= p.VolatilityFactor
	}
	if dailyVolume <= 0 {
		dailyVolume = m.params.DefaultDailyVolume
	}

	return m.params.PowerBounds.Clamp(a * math.Pow(notional/dailyVolume, m.params.B)), nil
}
