package risk

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	DefaultConfidence  = 0.05
	DefaultNotionalUSD = 1000.0
	// MinObservedReturns is the smallest observed sample worth a VaR; below
	// it, returns are modeled from the token's typical daily volatility.
	MinObservedReturns = 30
	ModeledDays        = 100

	modeledDrift      = 0.0005
	defaultVolatility = 0.05
	daysPerYear       = 365
)

// dailyVolatility is the typical daily return volatility per token.
var dailyVolatility = map[string]float64{
	"SOL":  0.05,
	"ETH":  0.04,
	"BTC":  0.03,
	"JUP":  0.08,
	"BONK": 0.12,
	"ORCA": 0.07,
	"HL":   0.06,
	"USDC": 0.001,
	"USDT": 0.001,
}

const (
	SourceObserved = "observed"
	SourceModeled  = "modeled"
)

type VaRFigure struct {
	Pct float64 `json:"pct"`
	USD float64 `json:"usd"`
}

// VaRResult reports losses as negative returns at the given tail probability.
type VaRResult struct {
	Token       string    `json:"token"`
	Confidence  float64   `json:"confidence_level"`
	NotionalUSD float64   `json:"position_size_usd"`
	Source      string    `json:"source"`
	Samples     int       `json:"samples"`
	Historical  VaRFigure `json:"historical_var"`
	Parametric  VaRFigure `json:"parametric_var"`
	Conditional VaRFigure `json:"cvar"`

	Volatility           float64 `json:"volatility"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	WorstReturn          float64 `json:"worst_return"`
	BestReturn           float64 `json:"best_return"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
}

// ValueAtRisk estimates the tail loss of returns, fractions per period, at
// tail probability confidence in (0, 0.5]. The parametric figure assumes
// normally distributed returns.
func ValueAtRisk(returns []float64, confidence, notionalUSD, periodsPerYear float64) (VaRResult, error) {
	switch {
	case !(confidence > 0 && confidence <= 0.5):
		return VaRResult{}, fmt.Errorf("%w: confidence level must be in (0, 0.5]", ErrInvalidInput)
	case !positive(notionalUSD):
		return VaRResult{}, fmt.Errorf("%w: position size must be positive", ErrInvalidInput)
	case len(returns) < 2:
		return VaRResult{}, fmt.Errorf("%w: need at least 2 returns, have %d", ErrInsufficientData, len(returns))
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)

	hist := stat.Quantile(confidence, stat.Empirical, sorted, nil)
	param := mean + distuv.UnitNormal.Quantile(confidence)*std
	cvar := tailMean(sorted, hist)

	res := VaRResult{
		Confidence:  confidence,
		NotionalUSD: notionalUSD,
		Samples:     len(sorted),
		Historical:  VaRFigure{Pct: hist * 100, USD: hist * notionalUSD},
		Parametric:  VaRFigure{Pct: param * 100, USD: param * notionalUSD},
		Conditional: VaRFigure{Pct: cvar * 100, USD: cvar * notionalUSD},
		Volatility:  std,
		WorstReturn: floats.Min(sorted),
		BestReturn:  floats.Max(sorted),
	}
	if periodsPerYear > 0 {
		res.AnnualizedVolatility = std * math.Sqrt(periodsPerYear)
	}
	if std > 0 {
		res.SharpeRatio = mean / std
		if periodsPerYear > 0 {
			res.SharpeRatio *= math.Sqrt(periodsPerYear)
		}
	}
	return res, nil
}

// Returns converts consecutive prices into simple returns, skipping
// non-positive prices.
func Returns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices))
	prev := 0.0
	for _, p := range prices {
		if !positive(p) {
			continue
		}
		if prev > 0 {
			out = append(out, p/prev-1)
		}
		prev = p
	}
	return out
}

// ModeledReturns draws n daily returns for token from a normal distribution
// with the token's typical volatility. The draws are seeded by the token so
// repeated calls agree.
func ModeledReturns(token string, n int) []float64 {
	token = strings.ToUpper(token)
	sigma, ok := dailyVolatility[token]
	if !ok {
		sigma = defaultVolatility
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	seed := h.Sum64()
	dist := distuv.Normal{Mu: modeledDrift, Sigma: sigma, Src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// ModeledPeriodsPerYear annualizes ModeledReturns.
const ModeledPeriodsPerYear = daysPerYear
