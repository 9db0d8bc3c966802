package slippage

import "math"

const (
	MethodSquareRoot = "sqrt_model"
	MethodPowerLaw   = "power_law"
	MethodDepth      = "depth_based"
)

var weights = map[string]float64{
	MethodSquareRoot: 0.4,
	MethodPowerLaw:   0.3,
	MethodDepth:      0.3,
}

// Input carries whatever is known about a prospective trade. ADV enables the
// volume-based estimators; Book plus CurrentPrice enable the depth walk.
type Input struct {
	Token        string  `json:"token"`
	NotionalUSD  float64 `json:"notional_usd"`
	ADV          float64 `json:"adv_usd"`
	Book         *Book   `json:"book,omitempty"`
	CurrentPrice float64 `json:"current_price"`
	Side         Side    `json:"side"`
}

// Estimate is the blended result of the estimators that could run.
type Estimate struct {
	Token       string             `json:"token"`
	NotionalUSD float64            `json:"notional_usd"`
	Components  map[string]float64 `json:"components"`
	Methods     []string           `json:"methods_used"`
	Recommended float64            `json:"recommended"`
	Fallback    bool               `json:"fallback"`
	Depth       *DepthResult       `json:"depth,omitempty"`
}

// Combined runs the feasible estimators and blends them with fixed weights
// renormalized over the subset that ran. Recommended always lies in
// (0, HardCap].
func (m *Model) Combined(in Input) Estimate {
	est := Estimate{
		Token:       in.Token,
		NotionalUSD: in.NotionalUSD,
		Components:  make(map[string]float64, 3),
	}

	if in.ADV > 0 {
		if v, err := m.SquareRoot(in.NotionalUSD, in.ADV, in.Token); err == nil {
			est.add(MethodSquareRoot, v)
		}
		if v, err := m.PowerLaw(in.NotionalUSD, in.ADV, in.Token); err == nil {
			est.add(MethodPowerLaw, v)
		}
	}

	if in.Book != nil && in.CurrentPrice > 0 && in.NotionalUSD > 0 {
		side := in.Side
		if side == "" {
			side = Buy
		}
		res, err := m.WalkDepth(in.NotionalUSD/in.CurrentPrice, in.Book.SideFor(side), side, in.CurrentPrice)
		if err == nil {
			est.add(MethodDepth, res.Slippage)
			est.Depth = &res
		}
	}

	if len(est.Methods) == 0 {
		est.Fallback = true
		est.Recommended = m.clampRecommended(m.params.DefaultEstimate)
		return est
	}

	var sum, total float64
	for _, method := range est.Methods {
		sum += est.Components[method] * weights[method]
		total += weights[method]
	}
	est.Recommended = m.clampRecommended(sum / total)
	return est
}

func (est *Estimate) add(method string, v float64) {
	est.Components[method] = v
	est.Methods = append(est.Methods, method)
}

func (m *Model) clampRecommended(v float64) float64 {
	floor := m.params.RecommendedFloor
	if floor <= 0 {
		floor = 1e-6
	}
	if math.IsNaN(v) || v < floor {
		v = floor
	}
	return math.Min(v, HardCap)
}
