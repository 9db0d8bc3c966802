package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultFundingWindow = 24
	MaxAccrualPeriods    = 10000
)

// FundingPoint is one hourly funding observation. RateBps and the 8h cost
// are expressed per unit of notional.
type FundingPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Rate        float64   `json:"funding_rate"`
	RateBps     float64   `json:"funding_rate_bps"`
	RollingAvg  float64   `json:"rolling_avg"`
	Projected8h float64   `json:"projected_8h_cost"`
}

type FundingSummary struct {
	Latest        float64 `json:"latest"`
	Mean          float64 `json:"mean"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Std           float64 `json:"std"`
	AnnualizedPct float64 `json:"annualized_pct"`
	PositiveShare float64 `json:"positive_share"`
}

type FundingHistory struct {
	Token   string         `json:"token"`
	Window  int            `json:"window"`
	Points  []FundingPoint `json:"points"`
	Summary FundingSummary `json:"summary"`
}

// SummarizeFunding smooths hourly funding rates with a trailing average over
// window points.
func SummarizeFunding(token string, rates []Observation, window int) (FundingHistory, error) {
	switch {
	case window < 1 || window > MaxZScoreWindow:
		return FundingHistory{}, fmt.Errorf("%w: window must be in [1, %d]", ErrInvalidInput, MaxZScoreWindow)
	case len(rates) == 0:
		return FundingHistory{}, fmt.Errorf("%w: no funding observations", ErrInsufficientData)
	}

	values := make([]float64, len(rates))
	paying := 0
	for i, o := range rates {
		values[i] = o.Value
		if o.Value > 0 {
			paying++
		}
	}
	points := make([]FundingPoint, len(rates))
	for i, o := range rates {
		points[i] = FundingPoint{
			Timestamp:   o.Time,
			Rate:        o.Value,
			RateBps:     o.Value * 1e4,
			RollingAvg:  stat.Mean(values[max(0, i-window+1):i+1], nil),
			Projected8h: o.Value * 8,
		}
	}

	mean := stat.Mean(values, nil)
	sum := FundingSummary{
		Latest:        values[len(values)-1],
		Mean:          mean,
		Min:           floats.Min(values),
		Max:           floats.Max(values),
		AnnualizedPct: mean * hoursPerYear * 100,
		PositiveShare: float64(paying) / float64(len(values)),
	}
	if len(values) > 1 {
		sum.Std = stat.StdDev(values, nil)
	}
	return FundingHistory{
		Token:   strings.ToUpper(token),
		Window:  window,
		Points:  points,
		Summary: sum,
	}, nil
}

// AccrualInput describes a perp position held for HoldingHours. AnnualRate
// is the annualized funding rate; IntervalHours defaults to one.
type AccrualInput struct {
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	AnnualRate    float64 `json:"annual_rate"`
	HoldingHours  float64 `json:"holding_hours"`
	IntervalHours float64 `json:"interval_hours,omitempty"`
}

type AccrualPeriod struct {
	Period           int     `json:"period"`
	HoursElapsed     float64 `json:"hours_elapsed"`
	Funding          float64 `json:"funding"`
	Cumulative       float64 `json:"cumulative"`
	EffectiveRatePct float64 `json:"effective_rate_pct"`
}

type AccrualResult struct {
	NotionalUSD         float64         `json:"notional_usd"`
	TotalFunding        float64         `json:"total_funding"`
	EffectiveAnnualRate float64         `json:"effective_annual_rate"`
	Periods             []AccrualPeriod `json:"periods"`
}

// AccrueFunding schedules funding over the holding period, one entry per
// interval plus a final partial interval.
func AccrueFunding(in AccrualInput) (AccrualResult, error) {
	if in.IntervalHours == 0 {
		in.IntervalHours = 1
	}
	switch {
	case !positive(in.Size) || !positive(in.EntryPrice):
		return AccrualResult{}, fmt.Errorf("%w: size and entry price must be positive", ErrInvalidInput)
	case !positive(in.HoldingHours):
		return AccrualResult{}, fmt.Errorf("%w: holding hours must be positive", ErrInvalidInput)
	case !positive(in.IntervalHours):
		return AccrualResult{}, fmt.Errorf("%w: interval hours must be positive", ErrInvalidInput)
	case math.IsNaN(in.AnnualRate) || math.IsInf(in.AnnualRate, 0):
		return AccrualResult{}, fmt.Errorf("%w: annual rate must be finite", ErrInvalidInput)
	}
	if in.HoldingHours/in.IntervalHours >= MaxAccrualPeriods {
		return AccrualResult{}, fmt.Errorf("%w: more than %d funding periods", ErrInvalidInput, MaxAccrualPeriods)
	}
	full := int(in.HoldingHours / in.IntervalHours)
	partial := in.HoldingHours - float64(full)*in.IntervalHours

	notional := in.Size * in.EntryPrice
	hourly := in.AnnualRate / hoursPerYear
	res := AccrualResult{NotionalUSD: notional, Periods: make([]AccrualPeriod, 0, full+1)}
	add := func(hours float64) {
		elapsed := in.IntervalHours * float64(len(res.Periods))
		elapsed += hours
		f := notional * hourly * hours
		res.TotalFunding += f
		res.Periods = append(res.Periods, AccrualPeriod{
			Period:           len(res.Periods) + 1,
			HoursElapsed:     elapsed,
			Funding:          f,
			Cumulative:       res.TotalFunding,
			EffectiveRatePct: res.TotalFunding / notional * 100,
		})
	}
	for range full {
		add(in.IntervalHours)
	}
	if partial > 1e-9 {
		add(partial)
	}
	res.EffectiveAnnualRate = res.TotalFunding / notional * (hoursPerYear / in.HoldingHours)
	return res, nil
}
