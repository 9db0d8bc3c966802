package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"perpspot/internal/arbitrage"
	"perpspot/internal/bridge"
	"perpspot/internal/cache"
	"perpspot/internal/metrics"
	"perpspot/internal/model"
	"perpspot/internal/risk"
	"perpspot/internal/service"
	"perpspot/internal/slippage"
)

const (
	maxBodyBytes         = 1 << 20
	defaultHistoryLimit  = 100
	defaultAnalyticsHour = 24
	maxAnalyticsHours    = 8760
	defaultToken         = "SOL"
)

// Backend is the facade the handlers call into.
type Backend interface {
	GetPrices(token string) (service.Prices, error)
	GetOpportunities(minSpread *float64) []model.Opportunity
	MarketOverview() arbitrage.MarketOverview
	SpreadHistory(limit int) []model.SpreadPoint
	SimulateMonteCarlo(ctx context.Context, req bridge.MonteCarloRequest) model.SimulationResult
	SimulateExecution(in bridge.ExecutionInput) bridge.ExecutionResult
	SaveTemplate(t model.ExecutionTemplate) error
	DeleteTemplate(name string) error
	ListTemplates() []model.ExecutionTemplate
	EstimateSlippage(req service.SlippageRequest) (slippage.Estimate, error)
	CacheStats() cache.Stats
	FlushCache(ctx context.Context) bool
	Health() service.Health
	BridgeAnalytics(window time.Duration, token string) bridge.Analytics

	PositionPnL(in risk.PositionInput) (risk.PositionResult, error)
	PnLSeries(token string, side risk.Side, sizeUSD float64, limit int) (risk.SeriesResult, error)
	SpreadZScore(token string, window int) (risk.ZScoreResult, error)
	ValueAtRisk(token string, confidence, notionalUSD float64) (risk.VaRResult, error)
	FundingHistory(token string, window, limit int) (risk.FundingHistory, error)
	AccrueFunding(req service.AccrualRequest) (risk.AccrualResult, error)
	SimulateTrade(req service.TradeRequest) (service.TradeSimulation, error)
}

// Envelope wraps every JSON response.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Handler struct {
	logger  *slog.Logger
	backend Backend
}

// NewRouter mounts the JSON API under /api and the Prometheus endpoint at
// /metrics.
func NewRouter(logger *slog.Logger, backend Backend, m *metrics.Metrics) http.Handler {
	h := &Handler{logger: logger, backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(m.InstrumentHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/prices", h.prices)
		r.Get("/opportunities", h.opportunities)
		r.Get("/overview", h.overview)
		r.Get("/history", h.history)

		r.Post("/simulate/montecarlo", h.monteCarlo)
		r.Post("/simulate/execution", h.execution)
		r.Post("/simulate/trade", h.simulateTrade)

		r.Get("/templates", h.listTemplates)
		r.Post("/templates", h.saveTemplate)
		r.Delete("/templates/{name}", h.deleteTemplate)

		r.Post("/slippage", h.estimateSlippage)

		r.Get("/cache/stats", h.cacheStats)
		r.Post("/cache/flush", h.flushCache)

		r.Get("/bridge/analytics", h.bridgeAnalytics)

		r.Post("/pnl/simulate", h.positionPnL)
		r.Get("/pnl/series", h.pnlSeries)
		r.Get("/arbitrage/zscore", h.zscore)
		r.Get("/risk/var", h.valueAtRisk)
		r.Get("/funding/history", h.fundingHistory)
		r.Post("/funding/accrual", h.fundingAccrual)
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.backend.Health())
}

func (h *Handler) prices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.backend.GetPrices(r.URL.Query().Get("token"))
	if errors.Is(err, service.ErrUnknownToken) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeData(w, http.StatusOK, prices)
}

func (h *Handler) opportunities(w http.ResponseWriter, r *http.Request) {
	var minSpread *float64
	if raw := r.URL.Query().Get("min_spread"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid min_spread %q", raw))
			return
		}
		minSpread = &v
	}
	writeData(w, http.StatusOK, h.backend.GetOpportunities(minSpread))
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.backend.MarketOverview())
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeData(w, http.StatusOK, h.backend.SpreadHistory(limit))
}

func (h *Handler) monteCarlo(w http.ResponseWriter, r *http.Request) {
	var req bridge.MonteCarloRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := h.backend.SimulateMonteCarlo(r.Context(), req)
	if res.Failed() {
		writeError(w, http.StatusBadRequest, errors.New(res.Error))
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) execution(w http.ResponseWriter, r *http.Request) {
	var in bridge.ExecutionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := h.backend.SimulateExecution(in)
	if res.Error != "" {
		writeError(w, http.StatusBadRequest, errors.New(res.Error))
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.backend.ListTemplates())
}

func (h *Handler) saveTemplate(w http.ResponseWriter, r *http.Request) {
	var t model.ExecutionTemplate
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch err := h.backend.SaveTemplate(t); {
	case errors.Is(err, bridge.ErrTemplateExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, bridge.ErrInvalidTemplate):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		h.internalError(w, err)
	default:
		writeData(w, http.StatusCreated, map[string]string{"name": t.Name})
	}
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	switch err := h.backend.DeleteTemplate(name); {
	case errors.Is(err, bridge.ErrTemplateNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		h.internalError(w, err)
	default:
		writeData(w, http.StatusOK, map[string]string{"deleted": name})
	}
}

func (h *Handler) estimateSlippage(w http.ResponseWriter, r *http.Request) {
	var req service.SlippageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	est, err := h.backend.EstimateSlippage(req)
	if errors.Is(err, service.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeData(w, http.StatusOK, est)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.backend.CacheStats())
}

func (h *Handler) flushCache(w http.ResponseWriter, r *http.Request) {
	if !h.backend.FlushCache(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, errors.New("remote cache refused the flush"))
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"flushed": true})
}

func (h *Handler) bridgeAnalytics(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", defaultAnalyticsHour)
	if err == nil && hours > maxAnalyticsHours {
		err = fmt.Errorf("hours must not exceed %d", maxAnalyticsHours)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	window := time.Duration(hours) * time.Hour
	writeData(w, http.StatusOK, h.backend.BridgeAnalytics(window, r.URL.Query().Get("token")))
}

func (h *Handler) positionPnL(w http.ResponseWriter, r *http.Request) {
	var in risk.PositionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.PositionPnL(in)
	h.respond(w, res, err)
}

func (h *Handler) pnlSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side := risk.Side(q.Get("side"))
	if side == "" {
		side = risk.Long
	}
	size, err := floatParam(r, "size_usd", risk.DefaultNotionalUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.PnLSeries(tokenParam(r), side, size, limit)
	h.respond(w, res, err)
}

func (h *Handler) zscore(w http.ResponseWriter, r *http.Request) {
	window, err := intParam(r, "window", risk.DefaultZScoreWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.SpreadZScore(tokenParam(r), window)
	h.respond(w, res, err)
}

func (h *Handler) valueAtRisk(w http.ResponseWriter, r *http.Request) {
	confidence, err := floatParam(r, "confidence_level", risk.DefaultConfidence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	size, err := floatParam(r, "position_size_usd", risk.DefaultNotionalUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.ValueAtRisk(tokenParam(r), confidence, size)
	h.respond(w, res, err)
}

func (h *Handler) fundingHistory(w http.ResponseWriter, r *http.Request) {
	window, err := intParam(r, "window", risk.DefaultFundingWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.FundingHistory(tokenParam(r), window, limit)
	h.respond(w, res, err)
}

func (h *Handler) fundingAccrual(w http.ResponseWriter, r *http.Request) {
	var req service.AccrualRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.AccrueFunding(req)
	h.respond(w, res, err)
}

func (h *Handler) simulateTrade(w http.ResponseWriter, r *http.Request) {
	var req service.TradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.backend.SimulateTrade(req)
	h.respond(w, res, err)
}

// respond maps the analytics errors onto status codes.
func (h *Handler) respond(w http.ResponseWriter, data any, err error) {
	switch {
	case err == nil:
		writeData(w, http.StatusOK, data)
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, risk.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrUnknownToken), errors.Is(err, service.ErrNoOpportunity):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, risk.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		h.internalError(w, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error("API: request failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || math.IsInf(v, 1) {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func tokenParam(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return defaultToken
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Envelope{Error: err.Error(), Timestamp: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
