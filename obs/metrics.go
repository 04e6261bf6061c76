// Package obs holds the Prometheus metrics of the ledger and the ops
// HTTP middleware that records them.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for command metrics.
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeConflict    = "conflict"
	OutcomeError       = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	eventsAppended  *prometheus.CounterVec
	sweepDue        *prometheus.GaugeVec
	sweepActions    *prometheus.CounterVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "points_commands_total",
			Help: "Ledger commands by name and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "points_command_duration_seconds",
			Help:    "Ledger command latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "points_command_retries_total",
			Help: "Commands retried after a concurrent modification.",
		}, []string{"command"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "points_events_appended_total",
			Help: "Events appended to account streams by type.",
		}, []string{"type"}),
		sweepDue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "points_sweep_due",
			Help: "Grants found due in the last sweep.",
		}, []string{"sweep"}),
		sweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "points_sweep_actions_total",
			Help: "Sweep actions by sweep and outcome.",
		}, []string{"sweep", "outcome"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	m.registry.MustRegister(
		m.commands, m.commandDuration, m.retries, m.eventsAppended,
		m.sweepDue, m.sweepActions,
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCommand(command, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(took.Seconds())
}

func (m *Metrics) Retry(command string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(command).Inc()
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SweepDue(sweep string, n int) {
	if m == nil {
		return
	}
	m.sweepDue.WithLabelValues(sweep).Set(float64(n))
}

func (m *Metrics) SweepAction(sweep, outcome string) {
	if m == nil {
		return
	}
	m.sweepActions.WithLabelValues(sweep, outcome).Inc()
}

// Instrument measures in-flight requests, latency and status per route.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		m.httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
