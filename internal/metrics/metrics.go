package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	featureFetches      *prometheus.CounterVec
	featureFetchSeconds *prometheus.HistogramVec
	markerOps           *prometheus.CounterVec
	staleDiscards       *prometheus.CounterVec
	refreshRunsTotal    prometheus.Counter
	refreshRunDuration  prometheus.Histogram
	noteRollbacks       *prometheus.CounterVec
}

// New creates a fresh Metrics registry with HTTP and map metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldmap",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the map core",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fieldmap",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the map core",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	featureFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldmap",
		Name:      "feature_fetches_total",
		Help:      "Feature layer fetch attempts by outcome",
	}, []string{"layer", "status"})

	featureFetchSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fieldmap",
		Name:      "feature_fetch_duration_seconds",
		Help:      "Duration of feature service round trips",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
	}, []string{"layer"})

	markerOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldmap",
		Name:      "marker_ops_total",
		Help:      "Marker add/update/remove operations emitted by reconciliation",
	}, []string{"layer", "op"})

	staleDiscards := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldmap",
		Name:      "stale_results_discarded_total",
		Help:      "Fetch results dropped because a newer view revision was already applied",
	}, []string{"layer"})

	refreshRunsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldmap",
		Name:      "refresh_runs_total",
		Help:      "Total number of periodic staleness refreshes",
	})

	refreshRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fieldmap",
		Name:      "refresh_run_duration_seconds",
		Help:      "Duration of periodic staleness refreshes",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	noteRollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldmap",
		Name:      "note_rollbacks_total",
		Help:      "Optimistic note mutations rolled back after a remote failure",
	}, []string{"op"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		featureFetches,
		featureFetchSeconds,
		markerOps,
		staleDiscards,
		refreshRunsTotal,
		refreshRunDuration,
		noteRollbacks,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		featureFetches:      featureFetches,
		featureFetchSeconds: featureFetchSeconds,
		markerOps:           markerOps,
		staleDiscards:       staleDiscards,
		refreshRunsTotal:    refreshRunsTotal,
		refreshRunDuration:  refreshRunDuration,
		noteRollbacks:       noteRollbacks,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveFetch records one fetch decision. duration is only observed when a
// network call was made (non-zero).
func (m *Metrics) ObserveFetch(layer, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.featureFetches.WithLabelValues(layer, status).Inc()
	if duration > 0 {
		m.featureFetchSeconds.WithLabelValues(layer).Observe(duration.Seconds())
	}
}

// AddMarkerOps records the outcome of a reconciliation pass.
func (m *Metrics) AddMarkerOps(layer string, added, updated, removed int) {
	if m == nil {
		return
	}
	if added > 0 {
		m.markerOps.WithLabelValues(layer, "add").Add(float64(added))
	}
	if updated > 0 {
		m.markerOps.WithLabelValues(layer, "update").Add(float64(updated))
	}
	if removed > 0 {
		m.markerOps.WithLabelValues(layer, "remove").Add(float64(removed))
	}
}

func (m *Metrics) IncStaleDiscard(layer string) {
	if m == nil {
		return
	}
	m.staleDiscards.WithLabelValues(layer).Inc()
}

// IncRefreshRun increments the periodic refresh counter.
func (m *Metrics) IncRefreshRun() {
	if m == nil {
		return
	}
	m.refreshRunsTotal.Inc()
}

// ObserveRefreshRunDuration observes a periodic refresh duration.
func (m *Metrics) ObserveRefreshRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshRunDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncNoteRollback(op string) {
	if m == nil {
		return
	}
	m.noteRollbacks.WithLabelValues(op).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
