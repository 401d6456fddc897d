// Package metrics provides Prometheus instrumentation for the simulator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished runs by subset and status ("ok" or "failed").
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optsim_runs_total",
		Help: "Total number of simulation runs finished",
	}, []string{"subset", "status"})

	// RunDuration tracks wall-clock time per run.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optsim_run_duration_seconds",
		Help:    "Simulation run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"subset"})

	// ActiveRuns tracks runs currently executing on a worker.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optsim_active_runs",
		Help: "Number of simulation runs in progress",
	})

	// TimestepsTotal counts pipeline applications.
	TimestepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optsim_timesteps_total",
		Help: "Total number of timesteps simulated",
	}, []string{"subset"})

	// AgentEvents counts agent transitions by subset and kind
	// (offer, match, exercise, unfilled_buy).
	AgentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optsim_agent_events_total",
		Help: "Agent state transitions by kind",
	}, []string{"subset", "kind"})

	// InvariantViolations counts runs aborted by a fatal invariant.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optsim_invariant_violations_total",
		Help: "Runs aborted by an invariant violation",
	}, []string{"invariant"})

	// StoreLatency tracks trajectory store operations.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optsim_store_latency_seconds",
		Help:    "Trajectory store operation latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"backend", "op"})

	// CacheRequests counts trajectory cache lookups by result ("hit" or "miss").
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optsim_cache_requests_total",
		Help: "Trajectory cache lookups",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optsim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveStore records the latency of one store operation since start.
func ObserveStore(backend, op string, start time.Time) {
	StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
