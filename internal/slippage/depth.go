package slippage

import (
	"math"
	"sort"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Level is one price level of an order book.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book holds both sides of an order book.
type Book struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// SideFor returns the levels a taker on side consumes.
func (b Book) SideFor(side Side) []Level {
	if side == Sell {
		return b.Bids
	}
	return b.Asks
}

// DepthResult describes a simulated walk through the book.
type DepthResult struct {
	AvgPrice  float64 `json:"avg_price"`
	Slippage  float64 `json:"slippage"`
	Requested float64 `json:"requested"`
	Filled    float64 `json:"filled"`
	MinPrice  float64 `json:"min_price"`
	MaxPrice  float64 `json:"max_price"`
	Fills     []Level `json:"fills"`
	Partial   bool    `json:"partial"`
	Penalty   float64 `json:"penalty"`
}

// WalkDepth fills size (in token units) against levels: ascending prices for
// a buy, descending for a sell. Slippage is measured against reference, or
// against the best level when reference is not positive. An unfilled
// remainder adds a penalty of 10% per unfilled fraction. The result is capped
// at HardCap.
func (m *Model) WalkDepth(size float64, levels []Level, side Side, reference float64) (DepthResult, error) {
	if size <= 0 || math.IsNaN(size) {
		return DepthResult{}, ErrInvalidInput
	}

	book := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Size > 0 {
			book = append(book, l)
		}
	}
	if len(book) == 0 {
		return DepthResult{}, ErrNoDepth
	}

	if side == Sell {
		sort.SliceStable(book, func(i, j int) bool { return book[i].Price > book[j].Price })
	} else {
		sort.SliceStable(book, func(i, j int) bool { return book[i].Price < book[j].Price })
	}

	res := DepthResult{Requested: size, MinPrice: math.Inf(1), MaxPrice: math.Inf(-1)}
	remaining := size
	var cost float64
	for _, l := range book {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, l.Size)
		cost += take * l.Price
		res.Filled += take
		remaining -= take
		res.Fills = append(res.Fills, Level{Price: l.Price, Size: take})
		res.MinPrice = math.Min(res.MinPrice, l.Price)
		res.MaxPrice = math.Max(res.MaxPrice, l.Price)
	}
	res.AvgPrice = cost / res.Filled

	ref := reference
	if ref <= 0 {
		ref = book[0].Price
	}
	var slip float64
	if side == Sell {
		slip = (ref - res.AvgPrice) / ref
	} else {
		slip = (res.AvgPrice - ref) / ref
	}
	slip = math.Abs(slip)

	if remaining > 1e-12 {
		res.Partial = true
		res.Penalty = (1 - res.Filled/size) * 0.1
		slip += res.Penalty
		m.logger.Debug("SlippageModel: partial fill", "requested", size, "filled", res.Filled, "penalty", res.Penalty)
	}
	res.Slippage = math.Min(slip, HardCap)
	return res, nil
}

// SyntheticBook builds a book around mid with the given spread in bps:
// levels per side stepping 0.1% away, sizes growing by half the base size per
// level. Known tokens scale the base size by their depth multiplier.
func SyntheticBook(mid, spreadBps float64, levels int, baseSize float64, token string) Book {
	if levels <= 0 {
		levels = 10
	}
	if spreadBps <= 0 {
		spreadBps = 10
	}
	if p, ok := Profile(token); ok {
		baseSize *= p.DepthMultiplier
	}

	half := spreadBps / 1e4 / 2
	bid := mid * (1 - half)
	ask := mid * (1 + half)

	book := Book{Bids: make([]Level, levels), Asks: make([]Level, levels)}
	for i := 0; i < levels; i++ {
		size := baseSize * (1 + float64(i)*0.5)
		book.Bids[i] = Level{Price: bid * (1 - float64(i)*0.001), Size: size}
		book.Asks[i] = Level{Price: ask * (1 + float64(i)*0.001), Size: size}
	}
	return book
}
