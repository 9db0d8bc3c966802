package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
)

// binanceSymbols maps tokens to Binance USDT-quoted symbols.
var binanceSymbols = map[string]string{
	"SOL":  "SOLUSDT",
	"ETH":  "ETHUSDT",
	"BTC":  "BTCUSDT",
	"USDC": "USDCUSDT",
	"JUP":  "JUPUSDT",
	"BONK": "BONKUSDT",
	"ORCA": "ORCAUSDT",
}

// BinanceClient implements the Source interface for Binance 24h tickers.
type BinanceClient struct {
	httpSource
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) *BinanceClient {
	return &BinanceClient{httpSource: newHTTPSource("binance", logger, cfg, m)}
}

// FetchPrices queries the 24h ticker for every token with a USDT symbol.
func (b *BinanceClient) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	bySymbol := make(map[string]string, len(tokens))
	symbols := make([]string, 0, len(tokens))
	for _, t := range normalize(tokens) {
		if sym, ok := binanceSymbols[t]; ok {
			symbols = append(symbols, sym)
			bySymbol[sym] = t
		}
	}
	if len(symbols) == 0 {
		return map[string]model.Quote{}, nil
	}

	raw, err := json.Marshal(symbols)
	if err != nil {
		return nil, b.fail(err)
	}
	res, err := b.getJSON(ctx, "/api/v3/ticker/24hr", url.Values{"symbols": {string(raw)}})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	quotes := make(map[string]model.Quote, len(symbols))
	for _, ticker := range res.Array() {
		token, ok := bySymbol[strings.ToUpper(ticker.Get("symbol").String())]
		if !ok {
			continue
		}

		// Extract bid and ask prices from Binance ticker format
		price := ticker.Get("lastPrice").Float()
		bid, ask := ticker.Get("bidPrice").Float(), ticker.Get("askPrice").Float()
		if price <= 0 && bid > 0 && ask > 0 {
			price = (bid + ask) / 2
		}
		if price <= 0 {
			b.logger.Warn("BinanceClient: failed to parse price", "symbol", ticker.Get("symbol").String())
			continue
		}

		quotes[token] = model.Quote{
			Token:     token,
			Source:    b.name,
			Kind:      model.KindSpot,
			Price:     price,
			Volume24h: ticker.Get("quoteVolume").Float(),
			Timestamp: now,
		}
	}
	b.logger.Debug("BinanceClient: fetched prices", "count", len(quotes))
	return quotes, nil
}
