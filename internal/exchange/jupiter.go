package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

// JupiterMints maps tokens to their Solana mint addresses. ETH and BTC are
// the Wormhole-wrapped mints.
var JupiterMints = map[string]string{
	"SOL":  "So11111111111111111111111111111111111111112",
	"ETH":  "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs",
	"BTC":  "3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh",
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	"JUP":  "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",
	"BONK": "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
	"ORCA": "orcaEKTdK7LKz57vaAYr9QeNsVEPfiu6QeMU1kektZE",
	"HL":   "4Ae83YgsBcwJTMx3am3gi5Ppnp1KwmunznWAoYeqgDgL",
}

// JupiterSource implements the Source interface for Jupiter spot prices.
type JupiterSource struct {
	httpSource
}

// NewJupiterSource creates a new JupiterSource.
func NewJupiterSource(logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) *JupiterSource {
	return &JupiterSource{httpSource: newHTTPSource("jupiter", logger, cfg, m)}
}

// FetchPrices queries the price endpoint for every token with a known mint.
func (j *JupiterSource) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	ids := make([]string, 0, len(tokens))
	byMint := make(map[string]string, len(tokens))
	for _, t := range normalize(tokens) {
		if mint, ok := JupiterMints[t]; ok {
			ids = append(ids, mint)
			byMint[mint] = t
		}
	}
	if len(ids) == 0 {
		return map[string]model.Quote{}, nil
	}

	res, err := j.getJSON(ctx, "/price", url.Values{"ids": {strings.Join(ids, ",")}})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	quotes := make(map[string]model.Quote, len(ids))
	for mint, token := range byMint {
		entry := res.Get("data." + mint)
		price := entry.Get("price").Float()
		if !entry.Exists() || price <= 0 {
			continue
		}
		quotes[token] = model.Quote{
			Token:     token,
			Source:    j.name,
			Kind:      model.KindSpot,
			Price:     price,
			Volume24h: entry.Get("volume24h").Float(),
			Liquidity: entry.Get("liquidity").Float(),
			Timestamp: now,
		}
	}
	if len(quotes) == 0 {
		return nil, j.fail(errors.New("no prices in response"))
	}
	j.logger.Debug("JupiterSource: fetched prices", "count", len(quotes))
	return quotes, nil
}
