package exchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
)

const maxResponseBytes = 4 << 20

// httpSource is the REST plumbing shared by every venue: a bounded client,
// a per-source rate limiter and gjson decoding.
type httpSource struct {
	name    string
	logger  *slog.Logger
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

func newHTTPSource(name string, logger *slog.Logger, cfg config.SourceConfig, m *metrics.Metrics) httpSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return httpSource{
		name:    name,
		logger:  logger,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
	}
}

func (h *httpSource) Name() string {
	return h.name
}

func (h *httpSource) fail(err error) error {
	h.metrics.SourceFetch(h.name, "error")
	return &SourceError{Source: h.name, Err: err}
}

func (h *httpSource) getJSON(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	u := h.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, h.fail(err)
	}
	return h.do(req)
}

func (h *httpSource) postJSON(ctx context.Context, path string, body any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, h.fail(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, h.fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req)
}

func (h *httpSource) do(req *http.Request) (gjson.Result, error) {
	if err := h.limiter.Wait(req.Context()); err != nil {
		return gjson.Result{}, h.fail(fmt.Errorf("rate limit: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return gjson.Result{}, h.fail(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, h.fail(fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, h.fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, h.fail(errors.New("invalid json response"))
	}
	h.metrics.SourceFetch(h.name, "ok")
	return gjson.ParseBytes(body), nil
}
