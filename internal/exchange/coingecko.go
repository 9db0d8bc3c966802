package exchange

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

// CoinGeckoIDs maps tokens to CoinGecko coin ids.
var CoinGeckoIDs = map[string]string{
	"SOL":  "solana",
	"ETH":  "ethereum",
	"BTC":  "bitcoin",
	"USDC": "usd-coin",
	"USDT": "tether",
	"JUP":  "jupiter-exchange-solana",
	"BONK": "bonk",
	"ORCA": "orca",
	"HL":   "hyperliquid",
}

// CoinGeckoSource implements the Source interface for CoinGecko simple prices.
type CoinGeckoSource struct {
	httpSource
}

// NewCoinGeckoSource creates a new CoinGeckoSource.
func NewCoinGeckoSource(logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) *CoinGeckoSource {
	return &CoinGeckoSource{httpSource: newHTTPSource("coingecko", logger, cfg, m)}
}

func (c *CoinGeckoSource) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	ids := make([]string, 0, len(tokens))
	byID := make(map[string]string, len(tokens))
	for _, t := range normalize(tokens) {
		if id, ok := CoinGeckoIDs[t]; ok {
			ids = append(ids, id)
			byID[id] = t
		}
	}
	if len(ids) == 0 {
		return map[string]model.Quote{}, nil
	}

	res, err := c.getJSON(ctx, "/simple/price", url.Values{
		"ids":              {strings.Join(ids, ",")},
		"vs_currencies":    {"usd"},
		"include_24hr_vol": {"true"},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	quotes := make(map[string]model.Quote, len(ids))
	for id, token := range byID {
		entry := res.Get(id)
		price := entry.Get("usd").Float()
		if price <= 0 {
			continue
		}
		quotes[token] = model.Quote{
			Token:     token,
			Source:    c.name,
			Kind:      model.KindSpot,
			Price:     price,
			Volume24h: entry.Get("usd_24h_vol").Float(),
			Timestamp: now,
		}
	}
	c.logger.Debug("CoinGeckoSource: fetched prices", "count", len(quotes))
	return quotes, nil
}
