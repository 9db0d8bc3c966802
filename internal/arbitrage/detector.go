package arbitrage

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"perpspot/internal/config"
	"perpspot/internal/model"
)

// Detector holds the logic for identifying spot/perp arbitrage opportunities.
// It keeps no state between calls.
type Detector struct {
	logger *slog.Logger
	cfg    config.ArbitrageConfig
}

// NewDetector creates a new instance of the Detector.
func NewDetector(logger *slog.Logger, cfg config.ArbitrageConfig) *Detector {
	if cfg.ReferenceNotional <= 0 {
		cfg.ReferenceNotional = 1000
	}
	if cfg.MarginRatio <= 0 {
		cfg.MarginRatio = 0.1
	}
	return &Detector{logger: logger, cfg: cfg}
}

// MinSpreadPct returns the configured significance threshold.
func (d *Detector) MinSpreadPct() float64 {
	return d.cfg.MinSpreadPct
}

// SpreadPct returns (perp - spot) / spot * 100. Non-positive prices yield a
// zero spread.
func SpreadPct(spot, perp float64) float64 {
	if spot <= 0 || perp <= 0 {
		return 0
	}
	return (perp - spot) / spot * 100
}

// LiquidityScore maps 24h volume and available liquidity onto [0, 1] using a
// log scale.
func LiquidityScore(volume24h, liquidity float64) float64 {
	score := (math.Log10(math.Max(volume24h, 1)) + math.Log10(math.Max(liquidity, 1))) / 10
	return math.Min(score, 1)
}

// Detect evaluates every token with both legs and returns the significant
// opportunities sorted by descending absolute spread, ties by token.
func (d *Detector) Detect(tokens map[string]model.TokenView) []model.Opportunity {
	opps := make([]model.Opportunity, 0, len(tokens))
	for _, view := range tokens {
		if opp, ok := d.Evaluate(view); ok {
			opps = append(opps, opp)
		}
	}
	sortBySpread(opps)

	if len(opps) > 0 {
		d.logger.Debug("Detector: opportunities found", "count", len(opps), "top", opps[0].Token, "spreadPct", opps[0].SpreadPct)
	}
	return opps
}

// Evaluate computes the opportunity for a single token, reporting false when
// a leg is missing or the spread is below the threshold.
func (d *Detector) Evaluate(view model.TokenView) (model.Opportunity, bool) {
	if !view.HasBothLegs() {
		return model.Opportunity{}, false
	}

	spread := SpreadPct(view.SpotPrice, view.PerpPrice)
	if math.Abs(spread) < d.cfg.MinSpreadPct {
		return model.Opportunity{}, false
	}

	strategy := model.LongSpotShortPerp
	description := fmt.Sprintf("Perp overpriced by %.3f%%: buy spot, short perp", spread)
	if spread < 0 {
		strategy = model.ShortSpotLongPerp
		description = fmt.Sprintf("Perp underpriced by %.3f%%: sell spot, long perp", -spread)
	}

	// Profit on the reference notional after both legs' taker fees.
	notional := d.cfg.ReferenceNotional
	gross := math.Abs(spread) / 100 * notional
	fees := notional*d.cfg.SpotFeeRate + notional*d.cfg.PerpFeeRate
	net := gross - fees

	observedAt := view.LastUpdated
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	return model.Opportunity{
		ID:             uuid.NewString(),
		Token:          view.Token,
		SpotPrice:      view.SpotPrice,
		PerpPrice:      view.PerpPrice,
		SpreadPct:      spread,
		SpreadBps:      spread * 100,
		Strategy:       strategy,
		GrossProfit:    gross,
		Fees:           fees,
		EstimatedPnl:   net,
		ROIPct:         net / (notional * d.cfg.MarginRatio) * 100,
		FundingRate:    view.FundingRate,
		LiquidityScore: LiquidityScore(view.Volume24h, view.Liquidity),
		Volume24h:      view.Volume24h,
		Liquidity:      view.Liquidity,
		Description:    description,
		ObservedAt:     observedAt,
	}, true
}

func sortBySpread(opps []model.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		ai, aj := math.Abs(opps[i].SpreadPct), math.Abs(opps[j].SpreadPct)
		if ai != aj {
			return ai > aj
		}
		return opps[i].Token < opps[j].Token
	})
}

// Filter returns the opportunities whose absolute spread is at least
// minSpreadPct, preserving order.
func Filter(opps []model.Opportunity, minSpreadPct float64) []model.Opportunity {
	out := make([]model.Opportunity, 0, len(opps))
	for _, o := range opps {
		if math.Abs(o.SpreadPct) >= minSpreadPct {
			out = append(out, o)
		}
	}
	return out
}

// MarketOverview summarizes the current opportunity set.
type MarketOverview struct {
	Count          int                `json:"count"`
	MaxSpreadPct   float64            `json:"max_spread_pct"`
	AvgSpreadPct   float64            `json:"avg_spread_pct"`
	TotalPnl       float64            `json:"total_estimated_pnl"`
	LongSpotCount  int                `json:"long_spot_short_perp"`
	ShortSpotCount int                `json:"short_spot_long_perp"`
	TopOpportunity *model.Opportunity `json:"top_opportunity,omitempty"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

// Overview aggregates opportunities. The input is expected in detector order.
func Overview(opps []model.Opportunity) MarketOverview {
	ov := MarketOverview{Count: len(opps), GeneratedAt: time.Now()}
	if len(opps) == 0 {
		return ov
	}

	var sum float64
	for _, o := range opps {
		abs := math.Abs(o.SpreadPct)
		sum += abs
		ov.MaxSpreadPct = math.Max(ov.MaxSpreadPct, abs)
		ov.TotalPnl += o.EstimatedPnl
		if o.Strategy == model.LongSpotShortPerp {
			ov.LongSpotCount++
		} else {
			ov.ShortSpotCount++
		}
	}
	ov.AvgSpreadPct = sum / float64(len(opps))
	top := opps[0]
	ov.TopOpportunity = &top
	return ov
}
