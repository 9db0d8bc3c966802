package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

// krakenPairs maps tokens to Kraken USD pairs.
var krakenPairs = map[string]string{
	"SOL":  "SOLUSD",
	"ETH":  "ETHUSD",
	"BTC":  "XBTUSD",
	"USDC": "USDCUSD",
	"USDT": "USDTUSD",
}

// krakenBases lists the asset codes Kraken may use in response keys.
var krakenBases = map[string][]string{
	"SOL":  {"SOL"},
	"ETH":  {"ETH", "XETH"},
	"BTC":  {"XBT", "XXBT", "BTC"},
	"USDC": {"USDC"},
	"USDT": {"USDT"},
}

// KrakenClient implements the Source interface for Kraken public tickers.
type KrakenClient struct {
	httpSource
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) *KrakenClient {
	return &KrakenClient{httpSource: newHTTPSource("kraken", logger, cfg, m)}
}

// FetchPrices queries the ticker endpoint for every token with a USD pair.
func (k *KrakenClient) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	var pairs, valid []string
	for _, t := range normalize(tokens) {
		if pair, ok := krakenPairs[t]; ok {
			pairs = append(pairs, pair)
			valid = append(valid, t)
		}
	}
	if len(pairs) == 0 {
		return map[string]model.Quote{}, nil
	}

	res, err := k.getJSON(ctx, "/0/public/Ticker", url.Values{"pair": {strings.Join(pairs, ",")}})
	if err != nil {
		return nil, err
	}
	if errs := res.Get("error").Array(); len(errs) > 0 {
		return nil, k.fail(fmt.Errorf("api error: %s", errs[0].String()))
	}

	result := res.Get("result").Map()
	now := time.Now()
	quotes := make(map[string]model.Quote, len(valid))
	for _, token := range valid {
		ticker, ok := matchKrakenKey(result, token)
		if !ok {
			continue
		}

		price := ticker.Get("c.0").Float()
		bid, ask := ticker.Get("b.0").Float(), ticker.Get("a.0").Float()
		if price <= 0 && bid > 0 && ask > 0 {
			price = (bid + ask) / 2
		}
		if price <= 0 {
			k.logger.Warn("KrakenClient: failed to parse price", "token", token)
			continue
		}

		quotes[token] = model.Quote{
			Token:     token,
			Source:    k.name,
			Kind:      model.KindSpot,
			Price:     price,
			Volume24h: ticker.Get("v.1").Float() * price,
			Timestamp: now,
		}
	}
	k.logger.Debug("KrakenClient: fetched prices", "count", len(quotes))
	return quotes, nil
}

// matchKrakenKey finds the ticker of token among result keys, which Kraken
// may return in its legacy X/Z-prefixed form (XETHZUSD for ETHUSD).
func matchKrakenKey(result map[string]gjson.Result, token string) (gjson.Result, bool) {
	if v, ok := result[krakenPairs[token]]; ok {
		return v, true
	}
	for key, v := range result {
		upper := strings.ToUpper(key)
		for _, base := range krakenBases[token] {
			if strings.HasPrefix(upper, base) && strings.HasSuffix(upper, "USD") {
				return v, true
			}
		}
	}
	return gjson.Result{}, false
}
