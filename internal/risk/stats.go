package risk

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInsufficientData = errors.New("insufficient data")
)

const hoursPerYear = 24 * 365

// Summary describes a series of per-period PnL values.
type Summary struct {
	Samples     int     `json:"samples"`
	MeanPnl     float64 `json:"mean_pnl"`
	StdPnl      float64 `json:"std_pnl"`
	MinPnl      float64 `json:"min_pnl"`
	MaxPnl      float64 `json:"max_pnl"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
	VaR5        float64 `json:"var_5pct"`
	VaR1        float64 `json:"var_1pct"`
	CVaR5       float64 `json:"cvar_5pct"`
	WinRate     float64 `json:"win_rate"`
	// ProfitFactor is nil when the series has no losing period.
	ProfitFactor *float64 `json:"profit_factor"`
	TotalReturn  float64  `json:"total_return"`
}

// Summarize computes the risk statistics of pnl, one value per period.
// The Sharpe ratio is annualized with periodsPerYear; zero disables that.
func Summarize(pnl []float64, periodsPerYear float64) Summary {
	n := len(pnl)
	if n == 0 {
		return Summary{}
	}
	s := Summary{
		Samples:     n,
		MeanPnl:     stat.Mean(pnl, nil),
		MinPnl:      floats.Min(pnl),
		MaxPnl:      floats.Max(pnl),
		TotalReturn: floats.Sum(pnl),
	}
	if n > 1 {
		s.StdPnl = stat.StdDev(pnl, nil)
	}
	if s.StdPnl > 0 {
		s.SharpeRatio = s.MeanPnl / s.StdPnl
		if periodsPerYear > 0 {
			s.SharpeRatio *= math.Sqrt(periodsPerYear)
		}
	}
	s.MaxDrawdown = maxDrawdown(pnl)

	sorted := append([]float64(nil), pnl...)
	sort.Float64s(sorted)
	s.VaR5 = stat.Quantile(0.05, stat.Empirical, sorted, nil)
	s.VaR1 = stat.Quantile(0.01, stat.Empirical, sorted, nil)
	s.CVaR5 = tailMean(sorted, s.VaR5)

	var wins int
	var profit, loss float64
	for _, v := range pnl {
		switch {
		case v > 0:
			wins++
			profit += v
		case v < 0:
			loss -= v
		}
	}
	s.WinRate = float64(wins) / float64(n)
	if loss > 0 {
		pf := profit / loss
		s.ProfitFactor = &pf
	}
	return s
}

// maxDrawdown is the deepest fall of the cumulative series below its
// running peak, zero or negative.
func maxDrawdown(pnl []float64) float64 {
	var cum, peak, worst float64
	for i, v := range pnl {
		cum += v
		if i == 0 || cum > peak {
			peak = cum
		}
		worst = math.Min(worst, cum-peak)
	}
	return worst
}

// tailMean averages the sorted values at or below cutoff.
func tailMean(sorted []float64, cutoff float64) float64 {
	var sum float64
	n := 0
	for _, v := range sorted {
		if v > cutoff {
			break
		}
		sum += v
		n++
	}
	if n == 0 {
		return cutoff
	}
	return sum / float64(n)
}

// PeriodsPerYear infers how many sampling periods fit in a year from the
// average spacing of times. It returns zero for fewer than two times.
func PeriodsPerYear(times []time.Time) float64 {
	if len(times) < 2 {
		return 0
	}
	span := times[len(times)-1].Sub(times[0])
	if span <= 0 {
		return 0
	}
	step := span / time.Duration(len(times)-1)
	return float64(hoursPerYear*time.Hour) / float64(step)
}
