package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perpspot"

// Metrics holds the Prometheus collectors of one process. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	refreshDuration prometheus.Histogram
	refreshes       *prometheus.CounterVec
	sourceFetches   *prometheus.CounterVec
	syntheticFills  prometheus.Counter
	opportunities   prometheus.Gauge
	maxSpread       prometheus.Gauge
	cacheLookups    *prometheus.CounterVec
	streamState     prometheus.Gauge
	streamReconnect prometheus.Counter
	streamMessages  *prometheus.CounterVec
	simDuration     *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of price refresh cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "refreshes_total",
			Help:      "Total number of refresh cycles by outcome.",
		}, []string{"outcome"}),
		sourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "fetches_total",
			Help:      "Total number of source fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		syntheticFills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "synthetic_fills_total",
			Help:      "Total number of tokens filled by the synthetic generator.",
		}),
		opportunities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbitrage",
			Name:      "opportunities",
			Help:      "Number of opportunities found by the last refresh.",
		}),
		maxSpread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbitrage",
			Name:      "max_spread_pct",
			Help:      "Largest absolute spread found by the last refresh.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		streamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state",
			Help:      "Current listener state (0 disconnected .. 5 failed).",
		}),
		streamReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts.",
		}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Total number of stream messages by channel.",
		}, []string{"channel"}),
		simDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "simulation_duration_seconds",
			Help:      "Duration of simulations by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}

	m.Registry.MustRegister(
		m.refreshDuration,
		m.refreshes,
		m.sourceFetches,
		m.syntheticFills,
		m.opportunities,
		m.maxSpread,
		m.cacheLookups,
		m.streamState,
		m.streamReconnect,
		m.streamMessages,
		m.simDuration,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRefresh(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SourceFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.sourceFetches.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SyntheticFill(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syntheticFills.Add(float64(n))
}

func (m *Metrics) SetOpportunities(count int, maxSpread float64) {
	if m == nil {
		return
	}
	m.opportunities.Set(float64(count))
	m.maxSpread.Set(maxSpread)
}

func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) SetStreamState(state int) {
	if m == nil {
		return
	}
	m.streamState.Set(float64(state))
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnect.Inc()
}

func (m *Metrics) StreamMessage(channel string) {
	if m == nil {
		return
	}
	m.streamMessages.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveSimulation(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.simDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// InstrumentHandler wraps a chi-routed handler with request metrics. The
// route pattern is used as the label to keep cardinality bounded.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
