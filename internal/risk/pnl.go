package risk

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) valid() bool { return s == Long || s == Short }

// Fees is the fee schedule of a position. Entry and Exit are fractions of
// the leg notional; funding is settled once per FundingIntervalHours.
type Fees struct {
	Entry                float64 `json:"entry"`
	Exit                 float64 `json:"exit"`
	FundingIntervalHours float64 `json:"funding_interval_hours"`
}

// DefaultFees charges the spot venue on entry and the perp venue on exit.
func DefaultFees() Fees {
	return Fees{Entry: 0.0005, Exit: 0.0002, FundingIntervalHours: 8}
}

// PositionInput describes a position held from entry to exit. FundingRate is
// the rate paid per funding interval; longs pay a positive rate.
type PositionInput struct {
	Token         string   `json:"token"`
	Side          Side     `json:"side"`
	EntryPrice    float64  `json:"entry_price"`
	ExitPrice     float64  `json:"exit_price"`
	SizeUSD       float64  `json:"size_usd"`
	FundingRate   float64  `json:"funding_rate"`
	DurationHours float64  `json:"duration_hours"`
	SlippageBps   *float64 `json:"slippage_bps,omitempty"`
	Fees          *Fees    `json:"fees,omitempty"`
}

type CostBreakdown struct {
	SlippageUSD   float64 `json:"slippage_usd"`
	EntryFeeUSD   float64 `json:"entry_fee_usd"`
	ExitFeeUSD    float64 `json:"exit_fee_usd"`
	TotalFeesUSD  float64 `json:"total_fees_usd"`
	FundingUSD    float64 `json:"funding_usd"`
	FundingEvents int     `json:"funding_events"`
	TotalUSD      float64 `json:"total_usd"`
}

// PositionRisk extrapolates the realized move to an annual volatility.
type PositionRisk struct {
	PriceChangePct   float64 `json:"price_change_pct"`
	AnnualVolatility float64 `json:"annual_volatility"`
	PositionRiskUSD  float64 `json:"position_risk_usd"`
	Leverage         float64 `json:"leverage"`
	FundingImpactPct float64 `json:"funding_impact_annual_pct"`
}

type PositionResult struct {
	Token         string        `json:"token"`
	Side          Side          `json:"side"`
	EntryPrice    float64       `json:"entry_price"`
	ExitPrice     float64       `json:"exit_price"`
	SizeUSD       float64       `json:"size_usd"`
	Quantity      float64       `json:"quantity"`
	DurationHours float64       `json:"duration_hours"`
	SlippageBps   float64       `json:"slippage_bps"`
	RawPnl        float64       `json:"raw_pnl"`
	NetPnl        float64       `json:"net_pnl"`
	ROIPct        float64       `json:"roi_pct"`
	Costs         CostBreakdown `json:"costs"`
	Risk          PositionRisk  `json:"risk"`
}

// SimulatePosition prices a closed position after slippage, fees and funding.
func SimulatePosition(in PositionInput) (PositionResult, error) {
	in.Token = strings.ToUpper(strings.TrimSpace(in.Token))
	fees := DefaultFees()
	if in.Fees != nil {
		fees = *in.Fees
	}
	var slipBps float64
	if in.SlippageBps != nil {
		slipBps = *in.SlippageBps
	}
	switch {
	case in.Token == "":
		return PositionResult{}, fmt.Errorf("%w: token is required", ErrInvalidInput)
	case !in.Side.valid():
		return PositionResult{}, fmt.Errorf("%w: side must be long or short", ErrInvalidInput)
	case !positive(in.EntryPrice) || !positive(in.ExitPrice):
		return PositionResult{}, fmt.Errorf("%w: prices must be positive", ErrInvalidInput)
	case !positive(in.SizeUSD):
		return PositionResult{}, fmt.Errorf("%w: size must be positive", ErrInvalidInput)
	case in.DurationHours < 0 || math.IsNaN(in.DurationHours) || math.IsInf(in.DurationHours, 0):
		return PositionResult{}, fmt.Errorf("%w: duration must not be negative", ErrInvalidInput)
	case slipBps < 0 || math.IsNaN(slipBps):
		return PositionResult{}, fmt.Errorf("%w: slippage must not be negative", ErrInvalidInput)
	case fees.Entry < 0 || fees.Exit < 0 || !positive(fees.FundingIntervalHours):
		return PositionResult{}, fmt.Errorf("%w: invalid fee schedule", ErrInvalidInput)
	case math.IsNaN(in.FundingRate) || math.IsInf(in.FundingRate, 0):
		return PositionResult{}, fmt.Errorf("%w: funding rate must be finite", ErrInvalidInput)
	}

	qty := in.SizeUSD / in.EntryPrice
	raw := qty * (in.ExitPrice - in.EntryPrice)
	if in.Side == Short {
		raw = -raw
	}

	events := int(in.DurationHours / fees.FundingIntervalHours)
	funding := in.SizeUSD * in.FundingRate * float64(events)
	if in.Side == Short {
		funding = -funding
	}
	c := CostBreakdown{
		SlippageUSD:   in.SizeUSD * slipBps / 1e4,
		EntryFeeUSD:   in.SizeUSD * fees.Entry,
		ExitFeeUSD:    qty * in.ExitPrice * fees.Exit,
		FundingUSD:    funding,
		FundingEvents: events,
	}
	c.TotalFeesUSD = c.EntryFeeUSD + c.ExitFeeUSD
	c.TotalUSD = c.SlippageUSD + c.TotalFeesUSD + c.FundingUSD
	net := raw - c.TotalUSD

	return PositionResult{
		Token:         in.Token,
		Side:          in.Side,
		EntryPrice:    in.EntryPrice,
		ExitPrice:     in.ExitPrice,
		SizeUSD:       in.SizeUSD,
		Quantity:      qty,
		DurationHours: in.DurationHours,
		SlippageBps:   slipBps,
		RawPnl:        raw,
		NetPnl:        net,
		ROIPct:        net / in.SizeUSD * 100,
		Costs:         c,
		Risk:          positionRisk(in, fees),
	}, nil
}

func positionRisk(in PositionInput, fees Fees) PositionRisk {
	change := math.Abs(in.ExitPrice-in.EntryPrice) / in.EntryPrice
	r := PositionRisk{
		PriceChangePct:   change * 100,
		Leverage:         1,
		FundingImpactPct: in.FundingRate * hoursPerYear / fees.FundingIntervalHours * 100,
	}
	if in.DurationHours > 0 {
		r.AnnualVolatility = change / math.Sqrt(in.DurationHours) * math.Sqrt(hoursPerYear)
		r.PositionRiskUSD = in.SizeUSD * r.AnnualVolatility
	}
	return r
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// PricePoint is one observation of a held token. FundingRate is the hourly
// rate quoted by the perp venue at that time.
type PricePoint struct {
	Time        time.Time
	Price       float64
	FundingRate float64
}

type SeriesPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	Price             float64   `json:"price"`
	UnrealizedPnl     float64   `json:"unrealized_pnl"`
	CumulativeFunding float64   `json:"cumulative_funding"`
	NetPnl            float64   `json:"net_pnl"`
	ROIPct            float64   `json:"roi_pct"`
}

type SeriesResult struct {
	Token      string        `json:"token"`
	Side       Side          `json:"side"`
	SizeUSD    float64       `json:"size_usd"`
	EntryPrice float64       `json:"entry_price"`
	Points     []SeriesPoint `json:"points"`
	Summary    Summary       `json:"summary"`
}

// SimulateSeries marks a position opened at the first price to every later
// observation. Funding accrues for the time between observations; the
// summary is taken over the per-step change in net PnL.
func SimulateSeries(token string, side Side, sizeUSD float64, prices []PricePoint) (SeriesResult, error) {
	switch {
	case !side.valid():
		return SeriesResult{}, fmt.Errorf("%w: side must be long or short", ErrInvalidInput)
	case !positive(sizeUSD):
		return SeriesResult{}, fmt.Errorf("%w: size must be positive", ErrInvalidInput)
	case len(prices) < 2:
		return SeriesResult{}, fmt.Errorf("%w: need at least 2 prices, have %d", ErrInsufficientData, len(prices))
	case !positive(prices[0].Price):
		return SeriesResult{}, fmt.Errorf("%w: entry price must be positive", ErrInvalidInput)
	}

	entry := prices[0].Price
	qty := sizeUSD / entry
	sign := 1.0
	if side == Short {
		sign = -1
	}

	res := SeriesResult{
		Token:      strings.ToUpper(token),
		Side:       side,
		SizeUSD:    sizeUSD,
		EntryPrice: entry,
		Points:     make([]SeriesPoint, 0, len(prices)),
	}
	times := make([]time.Time, 0, len(prices))
	steps := make([]float64, 0, len(prices)-1)
	var funding, prevNet float64
	for i, p := range prices {
		if i > 0 {
			hours := p.Time.Sub(prices[i-1].Time).Hours()
			if hours > 0 {
				funding += sign * sizeUSD * prices[i-1].FundingRate * hours
			}
		}
		unrealized := sign * qty * (p.Price - entry)
		net := unrealized - funding
		res.Points = append(res.Points, SeriesPoint{
			Timestamp:         p.Time,
			Price:             p.Price,
			UnrealizedPnl:     unrealized,
			CumulativeFunding: funding,
			NetPnl:            net,
			ROIPct:            net / sizeUSD * 100,
		})
		if i > 0 {
			steps = append(steps, net-prevNet)
		}
		prevNet = net
		times = append(times, p.Time)
	}
	res.Summary = Summarize(steps, PeriodsPerYear(times))
	return res, nil
}
