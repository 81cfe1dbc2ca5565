package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/TwistedAndy/actionqueue/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics

	BatchClaimed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "actionqueue",
		Name:      "batch_claimed_jobs",
		Help:      "Number of jobs claimed per batch.",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "actionqueue",
		Name:      "job_duration_seconds",
		Help:      "Duration of handler execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"action"})

	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "jobs_finished_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	JobsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "jobs_released_total",
		Help:      "Jobs released back to pending at the soft deadline.",
	})

	StaleRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "stale_recovered_total",
		Help:      "Running jobs recovered to pending by stale retry.",
	})

	// Dispatcher metrics

	JobsBufferedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "jobs_buffered_total",
		Help:      "Deferred jobs buffered by the dispatcher.",
	})

	JobsInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "jobs_inserted_total",
		Help:      "Jobs written by flush, after dedupe.",
	})

	SpawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "spawns_total",
		Help:      "Worker spawn attempts, by result.",
	}, []string{"result"})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "actionqueue",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionqueue",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		BatchClaimed,
		JobDuration,
		JobsFinishedTotal,
		JobsReleasedTotal,
		StaleRecoveredTotal,
		JobsBufferedTotal,
		JobsInsertedTotal,
		SpawnsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer exposes /metrics plus the liveness and readiness probes.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, status, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
