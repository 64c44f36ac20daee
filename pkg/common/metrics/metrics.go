package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported by the tool.
type Metrics struct {
	registry *prometheus.Registry

	Launches     *prometheus.CounterVec
	Gradings     *prometheus.CounterVec
	ScoreReports *prometheus.CounterVec
	ProbeLatency prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_launches_total",
			Help: "Login initiations and launch validations by step and result",
		}, []string{"step", "result"}),
		Gradings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_gradings_total",
			Help: "Grading attempts by status",
		}, []string{"status"}),
		ScoreReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lti_score_reports_total",
			Help: "AGS score reports by result",
		}, []string{"result"}),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lti_deployment_probe_seconds",
			Help:    "Latency of deployment liveness probes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(m.Launches, m.Gradings, m.ScoreReports, m.ProbeLatency, m.httpRequests, m.httpDuration)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests use testutil against it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request count and latency labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
