package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		h.Add(Entry{Token: "SOL", Size: float64(i), At: base.Add(time.Duration(i) * time.Second)})
	}

	assert.Equal(t, 3, h.Len())
	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 4.0, recent[0].Size)
	assert.Equal(t, 2.0, recent[2].Size)
	assert.Len(t, h.Recent(2), 2)
	assert.Len(t, h.Recent(10), 3)

	assert.Equal(t, DefaultHistorySize, NewHistory(0).size)
}

func TestHistory_Analytics(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(100)
	h.now = func() time.Time { return now }

	at := func(minutesAgo int) time.Time { return now.Add(-time.Duration(minutesAgo) * time.Minute) }
	h.Add(Entry{Token: "SOL", Size: 1000, SpreadBps: 5, ProfitUSD: -1, LatencySec: 1, Viable: false, At: at(50)})
	h.Add(Entry{Token: "SOL", Size: 1000, SpreadBps: 30, ProfitUSD: 2, LatencySec: 2, Viable: true, At: at(40)})
	h.Add(Entry{Token: "SOL", Size: 1000, SpreadBps: 60, ProfitUSD: 4, LatencySec: 4, Viable: true, At: at(30)})
	h.Add(Entry{Token: "ETH", Size: 2000, SpreadBps: 15, ProfitUSD: 1, LatencySec: 3, Viable: true, At: at(20)})
	h.Add(Entry{Token: "SOL", Size: 1000, SpreadBps: 8, ProfitUSD: -2, LatencySec: 5, Viable: false, At: at(10)})
	h.Add(Entry{Token: "BTC", Size: 5000, SpreadBps: 40, ProfitUSD: 9, LatencySec: 1, Viable: true, At: at(60 * 30)})

	t.Run("window", func(t *testing.T) {
		a := h.Analytics(time.Hour, "")
		assert.Equal(t, 5, a.TotalSimulations)
		assert.Equal(t, 3, a.Viable)
		assert.Equal(t, 1.0, a.WindowHours)
		assert.Equal(t, now, a.GeneratedAt)

		assert.Equal(t, 6000.0, a.Volume.TotalVolume)
		assert.Equal(t, 4000.0, a.Volume.ViableVolume)
		assert.Equal(t, 1200.0, a.Volume.AvgTradeSize)
		assert.Equal(t, map[string]float64{"SOL": 4000, "ETH": 2000}, a.Volume.VolumeByToken)

		assert.Equal(t, 7.0, a.Profitability.TotalPotentialProfit)
		assert.InDelta(t, 7.0/3, a.Profitability.AvgProfitPerTrade, 1e-9)
		assert.Equal(t, map[string]float64{"SOL": 6, "ETH": 1}, a.Profitability.ProfitByToken)
		assert.InDelta(t, 60.0, a.Profitability.SuccessRate, 1e-9)

		assert.Equal(t, 3.0, a.Latency.Avg)
		assert.Equal(t, 1.0, a.Latency.Fastest)
		assert.Equal(t, 5.0, a.Latency.Slowest)
		assert.Equal(t, 5.0, a.Latency.P95)

		assert.InDelta(t, 23.6, a.Spread.AvgSpreadBps, 1e-9)
		assert.Equal(t, 60.0, a.Spread.MaxSpreadBps)
		assert.Equal(t, 15.0, a.Spread.ViableSpreadThreshold)

		require.Len(t, a.Spread.Windows, 4)
		assert.Equal(t, SpreadWindow{Label: "0-10", Count: 2, Viable: 0, AvgProfit: -1.5}, a.Spread.Windows[0])
		assert.Equal(t, SpreadWindow{Label: "10-25", Count: 1, Viable: 1, AvgProfit: 1}, a.Spread.Windows[1])
		assert.Equal(t, SpreadWindow{Label: "25-50", Count: 1, Viable: 1, AvgProfit: 2}, a.Spread.Windows[2])
		assert.Equal(t, SpreadWindow{Label: "50+", Count: 1, Viable: 1, AvgProfit: 4}, a.Spread.Windows[3])
	})

	t.Run("episodes", func(t *testing.T) {
		a := h.Analytics(time.Hour, "")
		require.Len(t, a.Episodes, 2)

		sol := a.Episodes[0]
		assert.Equal(t, "SOL", sol.Token)
		assert.Equal(t, 2, sol.Count)
		assert.Equal(t, 600.0, sol.Duration)
		assert.Equal(t, 60.0, sol.MaxSpreadBps)
		assert.Equal(t, 30.0, sol.MinSpreadBps)
		assert.Equal(t, 6.0, sol.TotalProfit)
		assert.Equal(t, 3.0, sol.AvgProfit)
		assert.Equal(t, 3.0, sol.AvgLatency)

		eth := a.Episodes[1]
		assert.Equal(t, "ETH", eth.Token)
		assert.Equal(t, 1, eth.Count)
		assert.Equal(t, 0.0, eth.Duration)
	})

	t.Run("token filter", func(t *testing.T) {
		a := h.Analytics(0, "btc")
		assert.Equal(t, 1, a.TotalSimulations)
		assert.Equal(t, 0.0, a.WindowHours)
		assert.Equal(t, 9.0, a.Profitability.TotalPotentialProfit)
	})

	t.Run("empty", func(t *testing.T) {
		a := h.Analytics(time.Hour, "DOGE")
		assert.Equal(t, 0, a.TotalSimulations)
		assert.Empty(t, a.Episodes)
		assert.NotNil(t, a.Volume.VolumeByToken)
	})
}
