package model

import "time"

// PriceKind identifies which leg a price belongs to.
type PriceKind string

const (
	KindSpot  PriceKind = "spot"
	KindMark  PriceKind = "mark"
	KindIndex PriceKind = "index"
)

// SourceSynthetic tags quotes produced by the synthetic generator.
const SourceSynthetic = "synthetic"

// Quote is a single price observation returned by a source.
type Quote struct {
	Token        string    `json:"token"`
	Source       string    `json:"source"`
	Kind         PriceKind `json:"kind"`
	Price        float64   `json:"price"`
	Volume24h    float64   `json:"volume_24h"`
	Liquidity    float64   `json:"liquidity"`
	FundingRate  float64   `json:"funding_rate,omitempty"`
	OpenInterest float64   `json:"open_interest,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsSynthetic reports whether the quote came from the synthetic generator.
func (q Quote) IsSynthetic() bool {
	return q.Source == SourceSynthetic
}

// PriceRecord is the canonical record kept per (token, source) pair.
type PriceRecord struct {
	Token      string    `json:"token" db:"token"`
	Source     string    `json:"source" db:"source"`
	Kind       PriceKind `json:"kind" db:"kind"`
	Price      float64   `json:"price" db:"price"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
}

// RecordKey identifies a PriceRecord.
type RecordKey struct {
	Token  string
	Source string
}

// TokenView merges the spot and perp legs of a token.
type TokenView struct {
	Token        string    `json:"token"`
	SpotPrice    float64   `json:"spot_price"`
	SpotSource   string    `json:"spot_source"`
	PerpPrice    float64   `json:"perp_price"`
	PerpSource   string    `json:"perp_source"`
	FundingRate  float64   `json:"funding_rate"`
	OpenInterest float64   `json:"open_interest"`
	Volume24h    float64   `json:"volume_24h"`
	Liquidity    float64   `json:"liquidity"`
	Synthetic    bool      `json:"synthetic"`
	LastUpdated  time.Time `json:"last_updated"`
}

// HasBothLegs reports whether both legs carry a price.
func (v TokenView) HasBothLegs() bool {
	return v.SpotPrice > 0 && v.PerpPrice > 0
}

// Strategy is the direction of a spot/perp trade.
type Strategy string

const (
	LongSpotShortPerp Strategy = "long_spot_short_perp"
	ShortSpotLongPerp Strategy = "short_spot_long_perp"
)

// Opportunity is a detected spot/perp spread worth reporting.
type Opportunity struct {
	ID             string    `json:"id" db:"id"`
	Token          string    `json:"token" db:"token"`
	SpotPrice      float64   `json:"spot_price" db:"spot_price"`
	PerpPrice      float64   `json:"perp_price" db:"perp_price"`
	SpreadPct      float64   `json:"spread_pct" db:"spread_pct"`
	SpreadBps      float64   `json:"spread_bps" db:"spread_bps"`
	Strategy       Strategy  `json:"strategy" db:"strategy"`
	GrossProfit    float64   `json:"gross_profit" db:"gross_profit"`
	Fees           float64   `json:"fees" db:"fees"`
	EstimatedPnl   float64   `json:"estimated_pnl" db:"estimated_pnl"`
	ROIPct         float64   `json:"roi_pct" db:"roi_pct"`
	FundingRate    float64   `json:"funding_rate" db:"funding_rate"`
	LiquidityScore float64   `json:"liquidity_score" db:"liquidity_score"`
	Volume24h      float64   `json:"volume_24h" db:"volume_24h"`
	Liquidity      float64   `json:"liquidity" db:"liquidity"`
	Description    string    `json:"description" db:"description"`
	ObservedAt     time.Time `json:"observed_at" db:"observed_at"`
}

// SpreadPoint is one entry of the rolling spread history.
type SpreadPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Count     int                    `json:"count"`
	MaxSpread float64                `json:"max_spread"`
	AvgSpread float64                `json:"avg_spread"`
	Tokens    map[string]TokenSample `json:"tokens,omitempty"`
}

// TokenSample is one token's merged legs at a history point. SpreadPct is
// signed, positive when the perp trades above spot.
type TokenSample struct {
	SpotPrice   float64 `json:"spot_price"`
	PerpPrice   float64 `json:"perp_price"`
	SpreadPct   float64 `json:"spread_pct"`
	FundingRate float64 `json:"funding_rate"`
	Synthetic   bool    `json:"synthetic,omitempty"`
}

// Direction is the preferred perp side of an execution template.
type Direction string

const (
	DirectionLongPerp  Direction = "long_perp"
	DirectionShortPerp Direction = "short_perp"
	DirectionAuto      Direction = "auto"
)

// ExecutionTemplate parametrizes simulations. Name is unique.
type ExecutionTemplate struct {
	Name               string    `json:"name"`
	TokenPair          string    `json:"token_pair"`
	TradeSize          float64   `json:"trade_size"`
	MaxLatencySeconds  float64   `json:"max_latency_seconds"`
	MinSpreadBps       float64   `json:"min_spread_bps"`
	FundingThreshold   float64   `json:"funding_threshold"`
	PreferredDirection Direction `json:"preferred_direction"`
	RiskMultiplier     float64   `json:"risk_multiplier"`
	CreatedAt          time.Time `json:"created_at"`
}

// SampleDraw is one individual Monte Carlo draw kept for inspection.
type SampleDraw struct {
	PnlUSD     float64 `json:"pnl_usd"`
	ExecTimeMs float64 `json:"exec_time_ms"`
	Success    bool    `json:"success"`
}

// SimulationResult summarizes a Monte Carlo batch. Error is set instead of
// the statistics when the input was rejected.
type SimulationResult struct {
	ID                 string       `json:"id,omitempty" db:"id"`
	Token              string       `json:"token,omitempty" db:"token"`
	NotionalUSD        float64      `json:"notional_usd,omitempty" db:"notional_usd"`
	Template           string       `json:"template,omitempty" db:"template"`
	SpotPrice          float64      `json:"spot_price,omitempty" db:"spot_price"`
	PerpPrice          float64      `json:"perp_price,omitempty" db:"perp_price"`
	FundingRate        float64      `json:"funding_rate" db:"funding_rate"`
	SpreadBps          float64      `json:"spread_bps,omitempty" db:"spread_bps"`
	NSimulations       int          `json:"n_simulations" db:"n_simulations"`
	MeanPnl            float64      `json:"mean_pnl" db:"mean_pnl"`
	MedianPnl          float64      `json:"median_pnl" db:"median_pnl"`
	P95Pnl             float64      `json:"p95_pnl" db:"p95_pnl"`
	P5Pnl              float64      `json:"p5_pnl" db:"p5_pnl"`
	SuccessProbability float64      `json:"success_probability" db:"success_probability"`
	MeanExecMs         float64      `json:"mean_exec_ms" db:"mean_exec_ms"`
	P99ExecMs          float64      `json:"p99_exec_ms" db:"p99_exec_ms"`
	SharpeLike         float64      `json:"sharpe_like" db:"sharpe_like"`
	MaxLoss            float64      `json:"max_loss" db:"max_loss"`
	SampleDraws        []SampleDraw `json:"sample_draws"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	Error              string       `json:"error,omitempty"`
}

// Failed reports whether the simulation input was rejected.
func (r SimulationResult) Failed() bool {
	return r.Error != ""
}
