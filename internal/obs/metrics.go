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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "finllm_ready",
		Help: "1 when the last readiness probe passed.",
	})
)

// Delegation metrics.
var (
	delegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finllm_delegations_total",
			Help: "Agent token issuance attempts by outcome.",
		},
		[]string{"outcome"},
	)

	authorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finllm_authorizations_total",
			Help: "Agent token presentations by outcome.",
		},
		[]string{"outcome"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finllm_executions_total",
			Help: "Executed agent actions by action and status.",
		},
		[]string{"action", "status"},
	)

	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finllm_classifications_total",
			Help: "Intent classifications by safety verdict.",
		},
		[]string{"verdict"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			delegationsTotal, authorizationsTotal, executionsTotal, classificationsTotal,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveDelegation counts one Delegate call.
func ObserveDelegation(outcome string) { delegationsTotal.WithLabelValues(outcome).Inc() }

// ObserveAuthorization counts one Authorize call.
func ObserveAuthorization(outcome string) { authorizationsTotal.WithLabelValues(outcome).Inc() }

// ObserveExecution counts one executed action.
func ObserveExecution(action, status string) { executionsTotal.WithLabelValues(action, status).Inc() }

// ObserveClassification counts one classifier verdict.
func ObserveClassification(safe bool) {
	verdict := "unsafe"
	if safe {
		verdict = "safe"
	}
	classificationsTotal.WithLabelValues(verdict).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses per-resource segments so label cardinality stays
// bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 4 && parts[0] == "employee" && parts[1] == "accounts" && parts[3] == "balance" {
		return "/employee/accounts/:alias/balance"
	}
	if len(parts) == 3 && parts[0] == "employee" && parts[1] == "accounts" {
		return "/employee/accounts/:alias"
	}
	return p
}

// statusWriter keeps the response code for the metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
