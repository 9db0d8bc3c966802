package bridge

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const DefaultHistorySize = 100

// EntryKind names the simulation that produced a history entry.
type EntryKind string

const (
	KindExecution  EntryKind = "execution"
	KindMonteCarlo EntryKind = "montecarlo"
)

// Entry is the part of a simulation kept for analytics.
type Entry struct {
	Kind       EntryKind `json:"kind"`
	Token      string    `json:"token"`
	Size       float64   `json:"size"`
	SpreadBps  float64   `json:"spread_bps"`
	ProfitUSD  float64   `json:"profit_usd"`
	LatencySec float64   `json:"latency_sec"`
	Viable     bool      `json:"viable"`
	At         time.Time `json:"at"`
}

// History is a bounded rolling record of recent simulations.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	now     func() time.Time
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, now: time.Now}
}

// Add appends an entry, dropping the oldest beyond the bound.
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

// selectEntries returns the entries inside window, oldest first, optionally
// restricted to one token. A window of zero or less selects everything.
func (h *History) selectEntries(window time.Duration, token string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cutoff := time.Time{}
	if window > 0 {
		cutoff = h.now().Add(-window)
	}
	var out []Entry
	for _, e := range h.entries {
		if !e.At.After(cutoff) {
			continue
		}
		if token != "" && !strings.EqualFold(e.Token, token) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type VolumeAnalytics struct {
	TotalVolume   float64            `json:"total_volume"`
	ViableVolume  float64            `json:"viable_volume"`
	AvgTradeSize  float64            `json:"avg_trade_size"`
	VolumeByToken map[string]float64 `json:"volume_by_token"`
}

type ProfitabilityMetrics struct {
	TotalPotentialProfit float64            `json:"total_potential_profit"`
	AvgProfitPerTrade    float64            `json:"avg_profit_per_trade"`
	ProfitByToken        map[string]float64 `json:"profit_by_token"`
	SuccessRate          float64            `json:"success_rate"`
}

type LatencyAnalysis struct {
	Avg     float64 `json:"avg_execution_time"`
	P95     float64 `json:"p95_execution_time"`
	Fastest float64 `json:"fastest_execution"`
	Slowest float64 `json:"slowest_execution"`
}

// SpreadWindow groups simulations by starting spread.
type SpreadWindow struct {
	Label     string  `json:"label"`
	Count     int     `json:"count"`
	Viable    int     `json:"viable"`
	AvgProfit float64 `json:"avg_profit"`
}

type SpreadAnalysis struct {
	AvgSpreadBps          float64        `json:"avg_spread_bps"`
	MaxSpreadBps          float64        `json:"max_spread_bps"`
	ViableSpreadThreshold float64        `json:"viable_spread_threshold"`
	Windows               []SpreadWindow `json:"windows"`
}

// Episode is a run of consecutive viable simulations of one token.
type Episode struct {
	Token        string    `json:"token"`
	Start        time.Time `json:"start_time"`
	End          time.Time `json:"end_time"`
	MaxSpreadBps float64   `json:"max_spread_bps"`
	MinSpreadBps float64   `json:"min_spread_bps"`
	Count        int       `json:"total_opportunities"`
	TotalProfit  float64   `json:"total_potential_profit"`
	AvgProfit    float64   `json:"avg_potential_profit"`
	AvgLatency   float64   `json:"avg_latency"`
	Duration     float64   `json:"duration_seconds"`
}

// Analytics summarizes the history inside a time window.
type Analytics struct {
	TotalSimulations int                  `json:"total_simulations"`
	Viable           int                  `json:"viable_opportunities"`
	WindowHours      float64              `json:"time_window_hours"`
	Volume           VolumeAnalytics      `json:"volume_analytics"`
	Profitability    ProfitabilityMetrics `json:"profitability_metrics"`
	Latency          LatencyAnalysis      `json:"latency_analysis"`
	Spread           SpreadAnalysis       `json:"spread_analysis"`
	Episodes         []Episode            `json:"episodes"`
	GeneratedAt      time.Time            `json:"generated_at"`
}

var spreadWindows = []struct {
	label  string
	lo, hi float64
}{
	{"0-10", 0, 10},
	{"10-25", 10, 25},
	{"25-50", 25, 50},
	{"50+", 50, math.Inf(1)},
}

// Analytics summarizes the entries recorded within window, optionally for
// one token only.
func (h *History) Analytics(window time.Duration, token string) Analytics {
	entries := h.selectEntries(window, token)
	out := Analytics{
		WindowHours: window.Hours(),
		GeneratedAt: h.now(),
		Volume:      VolumeAnalytics{VolumeByToken: map[string]float64{}},
		Profitability: ProfitabilityMetrics{
			ProfitByToken: map[string]float64{},
		},
		Episodes: []Episode{},
	}
	out.TotalSimulations = len(entries)
	if len(entries) == 0 {
		return out
	}

	sizes := make([]float64, 0, len(entries))
	latencies := make([]float64, 0, len(entries))
	spreads := make([]float64, 0, len(entries))
	var viableProfit []float64
	viableSpread := math.Inf(1)

	for _, e := range entries {
		sizes = append(sizes, e.Size)
		latencies = append(latencies, e.LatencySec)
		spreads = append(spreads, e.SpreadBps)
		out.Volume.VolumeByToken[e.Token] += e.Size
		if e.Viable {
			out.Viable++
			out.Volume.ViableVolume += e.Size
			out.Profitability.ProfitByToken[e.Token] += e.ProfitUSD
			viableProfit = append(viableProfit, e.ProfitUSD)
			viableSpread = math.Min(viableSpread, e.SpreadBps)
		}
	}

	out.Volume.TotalVolume = floats.Sum(sizes)
	out.Volume.AvgTradeSize = stat.Mean(sizes, nil)

	if len(viableProfit) > 0 {
		out.Profitability.TotalPotentialProfit = floats.Sum(viableProfit)
		out.Profitability.AvgProfitPerTrade = stat.Mean(viableProfit, nil)
		out.Spread.ViableSpreadThreshold = viableSpread
	}
	out.Profitability.SuccessRate = float64(out.Viable) / float64(len(entries)) * 100

	sort.Float64s(latencies)
	out.Latency = LatencyAnalysis{
		Avg:     stat.Mean(latencies, nil),
		P95:     stat.Quantile(0.95, stat.Empirical, latencies, nil),
		Fastest: latencies[0],
		Slowest: latencies[len(latencies)-1],
	}

	out.Spread.AvgSpreadBps = stat.Mean(spreads, nil)
	out.Spread.MaxSpreadBps = floats.Max(spreads)
	out.Spread.Windows = groupBySpread(entries)
	out.Episodes = episodes(entries)
	return out
}

func groupBySpread(entries []Entry) []SpreadWindow {
	windows := make([]SpreadWindow, len(spreadWindows))
	profits := make([]float64, len(spreadWindows))
	for i, w := range spreadWindows {
		windows[i].Label = w.label
	}
	for _, e := range entries {
		for i, w := range spreadWindows {
			if e.SpreadBps >= w.lo && e.SpreadBps < w.hi {
				windows[i].Count++
				profits[i] += e.ProfitUSD
				if e.Viable {
					windows[i].Viable++
				}
				break
			}
		}
	}
	for i := range windows {
		if windows[i].Count > 0 {
			windows[i].AvgProfit = profits[i] / float64(windows[i].Count)
		}
	}
	return windows
}

// episodes collects runs of consecutive viable entries per token. A
// non-viable entry of a token closes that token's open run.
func episodes(entries []Entry) []Episode {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	open := map[string]*Episode{}
	latencySum := map[string]float64{}
	out := []Episode{}
	closeRun := func(token string) {
		ep := open[token]
		if ep == nil {
			return
		}
		ep.Duration = ep.End.Sub(ep.Start).Seconds()
		ep.AvgProfit = ep.TotalProfit / float64(ep.Count)
		ep.AvgLatency = latencySum[token] / float64(ep.Count)
		out = append(out, *ep)
		delete(open, token)
		delete(latencySum, token)
	}

	for _, e := range sorted {
		if !e.Viable {
			closeRun(e.Token)
			continue
		}
		ep := open[e.Token]
		if ep == nil {
			ep = &Episode{Token: e.Token, Start: e.At, MaxSpreadBps: e.SpreadBps, MinSpreadBps: e.SpreadBps}
			open[e.Token] = ep
		}
		ep.End = e.At
		ep.MaxSpreadBps = math.Max(ep.MaxSpreadBps, e.SpreadBps)
		ep.MinSpreadBps = math.Min(ep.MinSpreadBps, e.SpreadBps)
		ep.Count++
		ep.TotalProfit += e.ProfitUSD
		latencySum[e.Token] += e.LatencySec
	}

	tokens := make([]string, 0, len(open))
	for token := range open {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		closeRun(token)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
