package exchange

import (
	"context"
	"fmt"
	"strings"

	"perpspot/internal/model"
)

// Source defines the standard interface for all price sources.
// FetchPrices may return a partial map together with a nil error; an error
// means nothing usable was obtained.
type Source interface {
	Name() string
	FetchPrices(ctx context.Context, tokens []string) (map[string]model.Quote, error)
}

// SourceError is a transient failure of one venue.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// TrackedTokens is the default token universe.
var TrackedTokens = []string{"SOL", "ETH", "BTC", "USDC", "USDT", "JUP", "BONK", "ORCA", "HL"}

func normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func missing(tokens []string, have map[string]model.Quote) []string {
	var out []string
	for _, t := range tokens {
		if _, ok := have[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
