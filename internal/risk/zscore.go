package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	DefaultZScoreWindow = 60
	MaxZScoreWindow     = 1000
	zscoreSeriesPoints  = 50
)

type Signal string

const (
	SignalExtreme     Signal = "EXTREME"
	SignalSignificant Signal = "SIGNIFICANT"
	SignalNormal      Signal = "NORMAL"
)

// ClassifyZScore maps a z-score to a signal and its strength.
func ClassifyZScore(z float64) (Signal, string) {
	switch a := math.Abs(z); {
	case a > 2:
		return SignalExtreme, "HIGH"
	case a > 1:
		return SignalSignificant, "MEDIUM"
	default:
		return SignalNormal, "LOW"
	}
}

// Observation is one timestamped value of a per-token series.
type Observation struct {
	Time  time.Time
	Value float64
}

type ZScorePoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Spread      float64   `json:"spread"`
	ZScore      float64   `json:"zscore"`
	RollingMean float64   `json:"rolling_mean"`
	RollingStd  float64   `json:"rolling_std"`
}

type ZScoreStats struct {
	MeanSpread float64 `json:"mean_spread"`
	StdSpread  float64 `json:"std_spread"`
	MinZScore  float64 `json:"min_zscore"`
	MaxZScore  float64 `json:"max_zscore"`
}

type ZScoreResult struct {
	Token          string        `json:"token"`
	Window         int           `json:"window"`
	Samples        int           `json:"samples"`
	CurrentSpread  float64       `json:"current_spread"`
	CurrentZScore  float64       `json:"current_zscore"`
	Signal         Signal        `json:"signal"`
	SignalStrength string        `json:"signal_strength"`
	Statistics     ZScoreStats   `json:"statistics"`
	Series         []ZScorePoint `json:"time_series"`
}

// SpreadZScore scores each spread against the mean and standard deviation of
// the window ending at it. Early points use the shorter window available; a
// point whose window has no spread is scored zero.
func SpreadZScore(token string, spreads []Observation, window int) (ZScoreResult, error) {
	switch {
	case window < 2 || window > MaxZScoreWindow:
		return ZScoreResult{}, fmt.Errorf("%w: window must be in [2, %d]", ErrInvalidInput, MaxZScoreWindow)
	case len(spreads) == 0:
		return ZScoreResult{}, fmt.Errorf("%w: no spread observations", ErrInsufficientData)
	}

	values := make([]float64, len(spreads))
	for i, o := range spreads {
		values[i] = o.Value
	}

	points := make([]ZScorePoint, len(spreads))
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for i, o := range spreads {
		w := values[max(0, i-window+1) : i+1]
		mean := stat.Mean(w, nil)
		var std, z float64
		if len(w) > 1 {
			std = stat.StdDev(w, nil)
		}
		if std > 0 {
			z = (o.Value - mean) / std
		}
		points[i] = ZScorePoint{Timestamp: o.Time, Spread: o.Value, ZScore: z, RollingMean: mean, RollingStd: std}
		minZ = math.Min(minZ, z)
		maxZ = math.Max(maxZ, z)
	}

	last := points[len(points)-1]
	signal, strength := ClassifyZScore(last.ZScore)
	res := ZScoreResult{
		Token:          strings.ToUpper(token),
		Window:         window,
		Samples:        len(points),
		CurrentSpread:  last.Spread,
		CurrentZScore:  last.ZScore,
		Signal:         signal,
		SignalStrength: strength,
		Statistics: ZScoreStats{
			MeanSpread: stat.Mean(values, nil),
			MinZScore:  minZ,
			MaxZScore:  maxZ,
		},
		Series: points[max(0, len(points)-zscoreSeriesPoints):],
	}
	if len(values) > 1 {
		res.Statistics.StdSpread = stat.StdDev(values, nil)
	}
	return res, nil
}
