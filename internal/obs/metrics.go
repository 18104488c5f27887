package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Admin API and cleanup metrics.
var (
	duoRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duo_api_requests_total",
			Help: "Admin API attempts by endpoint and outcome.",
		},
		[]string{"method", "endpoint", "outcome"},
	)

	duoRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duo_api_request_duration_seconds",
			Help:    "Admin API attempt latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	duoRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duo_api_retries_total",
			Help: "Admin API retries by cause.",
		},
		[]string{"reason"},
	)

	cleanupAccountsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_accounts_total",
			Help: "Accounts processed by cleanup runs, by mode and result.",
		},
		[]string{"mode", "result"},
	)

	cleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_runs_total",
			Help: "Finished cleanup runs by mode and status.",
		},
		[]string{"mode", "status"},
	)
)

var initOnce sync.Once

// Init регистрирует метрики в default-регистре (однократно).
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			duoRequestsTotal, duoRequestDuration, duoRetriesTotal,
			cleanupAccountsTotal, cleanupRunsTotal,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDuoRequest records one admin API attempt.
func ObserveDuoRequest(method, endpoint, outcome string, d time.Duration) {
	duoRequestsTotal.WithLabelValues(method, endpoint, outcome).Inc()
	duoRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// CountDuoRetry records a retry caused by reason.
func CountDuoRetry(reason string) {
	duoRetriesTotal.WithLabelValues(reason).Inc()
}

// CountAccount records the result for one account of a cleanup run.
func CountAccount(mode, result string) {
	cleanupAccountsTotal.WithLabelValues(mode, result).Inc()
}

// CountRun records a finished cleanup run.
func CountRun(mode, status string) {
	cleanupRunsTotal.WithLabelValues(mode, status).Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so path labels stay low-cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "runs":
			switch {
			case len(parts) == 3:
				return "/v1/runs/:id"
			case len(parts) == 4 && (parts[3] == "outcomes" || parts[3] == "cancel" || parts[3] == "events"):
				return "/v1/runs/:id/" + parts[3]
			}
		case "users":
			switch {
			case len(parts) == 3:
				return "/v1/users/:username"
			case len(parts) == 4 && parts[3] == "status":
				return "/v1/users/:id/status"
			}
		}
	}
	return p
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
