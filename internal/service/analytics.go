package service

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"perpspot/internal/model"
	"perpspot/internal/risk"
	"perpspot/internal/slippage"
)

var ErrNoOpportunity = errors.New("no opportunity")

const hoursPerYear = 24 * 365

// TradeFees are the taker fee rates of the two venues, as fractions.
type TradeFees struct {
	Spot float64
	Perp float64
}

func (s *Service) trackedToken(token string) (string, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	if !s.tracked(token) {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return token, nil
}

// tokenSamples returns the token's history samples, oldest first. A positive
// limit keeps only the most recent ones.
func (s *Service) tokenSamples(token string, limit int) ([]time.Time, []model.TokenSample) {
	var times []time.Time
	var samples []model.TokenSample
	for _, p := range s.deps.Market.History(0) {
		if sample, ok := p.Tokens[token]; ok {
			times = append(times, p.Timestamp)
			samples = append(samples, sample)
		}
	}
	if limit > 0 && len(samples) > limit {
		times = times[len(times)-limit:]
		samples = samples[len(samples)-limit:]
	}
	return times, samples
}

// legSlippage is the blended slippage fraction of one leg, or zero without a
// slippage model.
func (s *Service) legSlippage(token string, notional, adv, price float64, side slippage.Side) float64 {
	if s.deps.Slippage == nil || notional <= 0 || price <= 0 {
		return 0
	}
	return s.deps.Slippage.Combined(slippage.Input{
		Token:        token,
		NotionalUSD:  notional,
		ADV:          adv,
		Book:         s.syntheticBook(token, price),
		CurrentPrice: price,
		Side:         side,
	}).Recommended
}

// PositionPnL prices a closed position. Without an explicit slippage the
// blended estimate at the entry price is used.
func (s *Service) PositionPnL(in risk.PositionInput) (risk.PositionResult, error) {
	in.Token = strings.ToUpper(strings.TrimSpace(in.Token))
	if in.SlippageBps == nil && in.Token != "" {
		view, _ := s.deps.Market.Token(in.Token)
		side := slippage.Buy
		if in.Side == risk.Short {
			side = slippage.Sell
		}
		bps := s.legSlippage(in.Token, in.SizeUSD, view.Volume24h, in.EntryPrice, side) * 1e4
		in.SlippageBps = &bps
	}
	return risk.SimulatePosition(in)
}

// PnLSeries marks a position opened at the oldest recorded spot price to
// every later history sample.
func (s *Service) PnLSeries(token string, side risk.Side, sizeUSD float64, limit int) (risk.SeriesResult, error) {
	token, err := s.trackedToken(token)
	if err != nil {
		return risk.SeriesResult{}, err
	}
	times, samples := s.tokenSamples(token, limit)
	prices := make([]risk.PricePoint, 0, len(samples))
	for i, sample := range samples {
		if sample.SpotPrice > 0 {
			prices = append(prices, risk.PricePoint{Time: times[i], Price: sample.SpotPrice, FundingRate: sample.FundingRate})
		}
	}
	return risk.SimulateSeries(token, side, sizeUSD, prices)
}

// SpreadZScore scores the token's signed spread over the recorded history.
func (s *Service) SpreadZScore(token string, window int) (risk.ZScoreResult, error) {
	token, err := s.trackedToken(token)
	if err != nil {
		return risk.ZScoreResult{}, err
	}
	times, samples := s.tokenSamples(token, 0)
	obs := make([]risk.Observation, len(samples))
	for i, sample := range samples {
		obs[i] = risk.Observation{Time: times[i], Value: sample.SpreadPct}
	}
	return risk.SpreadZScore(token, obs, window)
}

// ValueAtRisk uses the returns of the recorded spot prices. Until enough of
// them exist it falls back to daily returns modeled from the token's typical
// volatility, and says so in the result's Source.
func (s *Service) ValueAtRisk(token string, confidence, notionalUSD float64) (risk.VaRResult, error) {
	token, err := s.trackedToken(token)
	if err != nil {
		return risk.VaRResult{}, err
	}
	times, samples := s.tokenSamples(token, 0)
	prices := make([]float64, 0, len(samples))
	priced := make([]time.Time, 0, len(samples))
	for i, sample := range samples {
		if sample.SpotPrice > 0 {
			prices = append(prices, sample.SpotPrice)
			priced = append(priced, times[i])
		}
	}

	returns := risk.Returns(prices)
	source, periods := risk.SourceObserved, risk.PeriodsPerYear(priced)
	if len(returns) < risk.MinObservedReturns {
		s.logger.Debug("Service: too few observed returns, modeling VaR", "token", token, "returns", len(returns))
		returns = risk.ModeledReturns(token, risk.ModeledDays)
		source, periods = risk.SourceModeled, risk.ModeledPeriodsPerYear
	}
	res, err := risk.ValueAtRisk(returns, confidence, notionalUSD, periods)
	if err != nil {
		return risk.VaRResult{}, err
	}
	res.Token = token
	res.Source = source
	return res, nil
}

// FundingHistory summarizes the recorded funding rates of the token.
func (s *Service) FundingHistory(token string, window, limit int) (risk.FundingHistory, error) {
	token, err := s.trackedToken(token)
	if err != nil {
		return risk.FundingHistory{}, err
	}
	times, samples := s.tokenSamples(token, limit)
	obs := make([]risk.Observation, len(samples))
	for i, sample := range samples {
		obs[i] = risk.Observation{Time: times[i], Value: sample.FundingRate}
	}
	return risk.SummarizeFunding(token, obs, window)
}

// AccrualRequest schedules funding for a perp position. With a token, a
// missing entry price or rate is taken from its live view; the live hourly
// rate is annualized.
type AccrualRequest struct {
	Token         string   `json:"token,omitempty"`
	Size          float64  `json:"size"`
	EntryPrice    float64  `json:"entry_price,omitempty"`
	AnnualRate    *float64 `json:"annual_rate,omitempty"`
	HoldingHours  float64  `json:"holding_hours"`
	IntervalHours float64  `json:"interval_hours,omitempty"`
}

func (s *Service) AccrueFunding(req AccrualRequest) (risk.AccrualResult, error) {
	in := risk.AccrualInput{
		Size:          req.Size,
		EntryPrice:    req.EntryPrice,
		HoldingHours:  req.HoldingHours,
		IntervalHours: req.IntervalHours,
	}
	if req.AnnualRate != nil {
		in.AnnualRate = *req.AnnualRate
	}
	if req.EntryPrice <= 0 || req.AnnualRate == nil {
		token, err := s.trackedToken(req.Token)
		if err != nil {
			return risk.AccrualResult{}, err
		}
		view, _ := s.deps.Market.Token(token)
		if in.EntryPrice <= 0 {
			in.EntryPrice = view.PerpPrice
		}
		if req.AnnualRate == nil {
			in.AnnualRate = view.FundingRate * hoursPerYear
		}
	}
	return risk.AccrueFunding(in)
}

// TradeRequest asks for a dry run of the current opportunity on a token.
type TradeRequest struct {
	Token       string  `json:"token"`
	NotionalUSD float64 `json:"notional_usd"`
}

type TradeLeg struct {
	Venue       string  `json:"venue"`
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	NotionalUSD float64 `json:"notional_usd"`
	Slippage    float64 `json:"slippage"`
	SlippageUSD float64 `json:"slippage_usd"`
	FeeUSD      float64 `json:"fee_usd"`
}

type TradeSimulation struct {
	Token          string         `json:"token"`
	OpportunityID  string         `json:"opportunity_id"`
	Strategy       model.Strategy `json:"strategy"`
	NotionalUSD    float64        `json:"notional_usd"`
	SpreadPct      float64        `json:"spread_pct"`
	FundingRate    float64        `json:"funding_rate"`
	Spot           TradeLeg       `json:"spot_leg"`
	Perp           TradeLeg       `json:"perp_leg"`
	GrossProfit    float64        `json:"gross_profit"`
	TotalCosts     float64        `json:"total_costs"`
	ExpectedProfit float64        `json:"expected_profit"`
	ROIPct         float64        `json:"roi_pct"`
	SimulatedAt    time.Time      `json:"simulated_at"`
}

// SimulateTrade sizes both legs of the token's current opportunity and nets
// the spread against venue fees and estimated slippage. Nothing is sent to
// a venue.
func (s *Service) SimulateTrade(req TradeRequest) (TradeSimulation, error) {
	token, err := s.trackedToken(req.Token)
	if err != nil {
		return TradeSimulation{}, err
	}
	if !(req.NotionalUSD > 0) || math.IsInf(req.NotionalUSD, 1) {
		return TradeSimulation{}, fmt.Errorf("%w: notional must be positive", ErrInvalidRequest)
	}
	var opp model.Opportunity
	found := false
	for _, o := range s.deps.Market.Opportunities() {
		if o.Token == token {
			opp, found = o, true
			break
		}
	}
	if !found {
		return TradeSimulation{}, fmt.Errorf("%w for %s", ErrNoOpportunity, token)
	}
	view, _ := s.deps.Market.Token(token)
	spotPrice, perpPrice := opp.SpotPrice, opp.PerpPrice
	if spotPrice <= 0 {
		spotPrice = view.SpotPrice
	}
	if perpPrice <= 0 {
		perpPrice = view.PerpPrice
	}
	if spotPrice <= 0 || perpPrice <= 0 {
		return TradeSimulation{}, fmt.Errorf("%w for %s: missing leg price", ErrNoOpportunity, token)
	}

	spotSide, perpSide := slippage.Buy, slippage.Sell
	spotLabel, perpLabel := "buy", string(risk.Short)
	if opp.Strategy == model.ShortSpotLongPerp {
		spotSide, perpSide = slippage.Sell, slippage.Buy
		spotLabel, perpLabel = "sell", string(risk.Long)
	}
	leg := func(venue, label string, price, feeRate float64, side slippage.Side) TradeLeg {
		slip := s.legSlippage(token, req.NotionalUSD, view.Volume24h, price, side)
		return TradeLeg{
			Venue:       venue,
			Side:        label,
			Price:       price,
			Quantity:    req.NotionalUSD / price,
			NotionalUSD: req.NotionalUSD,
			Slippage:    slip,
			SlippageUSD: slip * req.NotionalUSD,
			FeeUSD:      feeRate * req.NotionalUSD,
		}
	}
	sim := TradeSimulation{
		Token:         token,
		OpportunityID: opp.ID,
		Strategy:      opp.Strategy,
		NotionalUSD:   req.NotionalUSD,
		SpreadPct:     opp.SpreadPct,
		FundingRate:   opp.FundingRate,
		Spot:          leg(view.SpotSource, spotLabel, spotPrice, s.deps.Fees.Spot, spotSide),
		Perp:          leg(view.PerpSource, perpLabel, perpPrice, s.deps.Fees.Perp, perpSide),
		GrossProfit:   math.Abs(opp.SpreadPct) / 100 * req.NotionalUSD,
		SimulatedAt:   time.Now().UTC(),
	}
	sim.TotalCosts = sim.Spot.FeeUSD + sim.Spot.SlippageUSD + sim.Perp.FeeUSD + sim.Perp.SlippageUSD
	sim.ExpectedProfit = sim.GrossProfit - sim.TotalCosts
	sim.ROIPct = sim.ExpectedProfit / req.NotionalUSD * 100

	s.logger.Info("Service: trade simulated",
		"token", token,
		"strategy", opp.Strategy,
		"notional", req.NotionalUSD,
		"expectedProfit", sim.ExpectedProfit,
	)
	return sim, nil
}
