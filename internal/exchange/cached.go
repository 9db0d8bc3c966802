package exchange

import (
	"context"
	"log/slog"
	"time"

	"perpspot/internal/cache"
	"perpspot/internal/model"
)

// CachedSource serves recent quotes from the cache and forwards only the
// missing tokens to the wrapped source.
type CachedSource struct {
	logger *slog.Logger
	inner  Source
	cache  *cache.Cache
	ttl    time.Duration
}

// NewCachedSource wraps inner. A ttl of zero uses the cache default.
func NewCachedSource(logger *slog.Logger, inner Source, c *cache.Cache, ttl time.Duration) *CachedSource {
	return &CachedSource{logger: logger, inner: inner, cache: c, ttl: ttl}
}

func (s *CachedSource) Name() string {
	return s.inner.Name()
}

func (s *CachedSource) key(token string) string {
	return "prices:" + s.inner.Name() + ":" + token
}

func (s *CachedSource) FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error) {
	tokens = normalize(tokens)
	quotes := make(map[string]model.Quote, len(tokens))
	var miss []string
	for _, token := range tokens {
		var q model.Quote
		if s.cache.GetJSON(ctx, s.key(token), &q) {
			quotes[token] = q
			continue
		}
		miss = append(miss, token)
	}
	if len(miss) == 0 {
		return quotes, nil
	}

	fresh, err := s.inner.FetchPrices(ctx, miss)
	for token, q := range fresh {
		quotes[token] = q
		s.cache.SetJSON(ctx, s.key(token), q, s.ttl)
	}
	if err != nil && len(quotes) == 0 {
		return nil, err
	}
	if err != nil {
		s.logger.Debug("CachedSource: serving cached subset", "source", s.inner.Name(), "error", err)
	}
	return quotes, nil
}
