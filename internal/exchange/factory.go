package exchange

import (
	"fmt"
	"log/slog"

	"perpspot/internal/cache"
	"perpspot/internal/config"
	"perpspot/internal/metrics"
)

// NewSource creates a new price source based on the given name and configuration.
func NewSource(name string, logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) (Source, error) {
	switch name {
	case "jupiter":
		return NewJupiterSource(logger, cfg, m), nil
	case "hyperliquid":
		return NewHyperliquidSource(logger, cfg, m), nil
	case "coingecko":
		return NewCoinGeckoSource(logger, cfg, m), nil
	case "kraken":
		return NewKrakenClient(logger, cfg, m), nil
	case "binance":
		return NewBinanceClient(logger, cfg, m), nil
	default:
		return nil, fmt.Errorf("unknown source: %s", name)
	}
}

// SpotSecondaries is the order secondaries are tried for the spot leg.
var SpotSecondaries = []string{"coingecko", "kraken", "binance"}

// Chains bundles the two legs' fallback chains with the perp generator that
// needs spot references each cycle.
type Chains struct {
	Spot          *FallbackChain
	Perp          *FallbackChain
	SyntheticPerp *SyntheticSource
}

// BuildChains wires the enabled sources, each behind the cache when one is
// given, into the spot and perp chains.
func BuildChains(logger *slog.Logger, cfg config.Config, c *cache.Cache, m *metrics.Metrics, seed uint64) (Chains, error) {
	build := func(name string) (Source, error) {
		sc := cfg.Source(name)
		if !sc.Enabled {
			return nil, nil
		}
		src, err := NewSource(name, logger, sc, m)
		if err != nil {
			return nil, err
		}
		if c != nil {
			src = NewCachedSource(logger, src, c, sc.CacheTTL)
		}
		return src, nil
	}

	jupiter, err := build("jupiter")
	if err != nil {
		return Chains{}, err
	}
	var secondaries []Source
	for _, name := range SpotSecondaries {
		src, err := build(name)
		if err != nil {
			return Chains{}, err
		}
		if src != nil {
			secondaries = append(secondaries, src)
		}
	}
	hyperliquid, err := build("hyperliquid")
	if err != nil {
		return Chains{}, err
	}

	spotSynth := NewSyntheticSource(logger, SyntheticSpot, seed)
	perpSynth := NewSyntheticSource(logger, SyntheticPerp, seed+1)

	retry := WithRetry(cfg.Aggregator.RetryBase, cfg.Aggregator.RetryMax)
	return Chains{
		Spot:          NewFallbackChain(logger, "spot", jupiter, secondaries, spotSynth, WithChainMetrics(m), retry),
		Perp:          NewFallbackChain(logger, "perp", hyperliquid, nil, perpSynth, WithChainMetrics(m), retry),
		SyntheticPerp: perpSynth,
	}, nil
}
