package exchange

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

// hyperliquidAliases maps tracked tokens to venue coin names where they differ.
var hyperliquidAliases = map[string]string{
	"HL": "HYPE",
}

// HyperliquidCoin returns the venue coin name for token.
func HyperliquidCoin(token string) string {
	token = strings.ToUpper(token)
	if coin, ok := hyperliquidAliases[token]; ok {
		return coin
	}
	return token
}

// HyperliquidSource implements the Source interface for Hyperliquid perp
// mark prices, funding and open interest.
type HyperliquidSource struct {
	httpSource
}

// NewHyperliquidSource creates a new HyperliquidSource.
func NewHyperliquidSource(logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) *HyperliquidSource {
	return &HyperliquidSource{httpSource: newHTTPSource("hyperliquid", logger, cfg, m)}
}

// FetchPrices reads the universe metadata and asset contexts in one call.
func (h *HyperliquidSource) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	res, err := h.postJSON(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"})
	if err != nil {
		return nil, err
	}

	universe := res.Get("0.universe").Array()
	ctxs := res.Get("1").Array()
	if len(universe) == 0 || len(ctxs) == 0 {
		return nil, h.fail(errors.New("empty universe"))
	}

	index := make(map[string]int, len(universe))
	for i, asset := range universe {
		index[strings.ToUpper(asset.Get("name").String())] = i
	}

	now := time.Now()
	quotes := make(map[string]model.Quote, len(tokens))
	for _, token := range normalize(tokens) {
		i, ok := index[HyperliquidCoin(token)]
		if !ok || i >= len(ctxs) {
			continue
		}
		c := ctxs[i]
		price := c.Get("markPx").Float()
		if price <= 0 {
			price = c.Get("midPx").Float()
		}
		if price <= 0 {
			continue
		}
		quotes[token] = model.Quote{
			Token:        token,
			Source:       h.name,
			Kind:         model.KindMark,
			Price:        price,
			Volume24h:    c.Get("dayNtlVlm").Float(),
			FundingRate:  c.Get("funding").Float(),
			OpenInterest: c.Get("openInterest").Float(),
			Timestamp:    now,
		}
	}
	h.logger.Debug("HyperliquidSource: fetched prices", "count", len(quotes))
	return quotes, nil
}
