// Package metrics provides Prometheus instrumentation for the trigger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "microcrop"

// Metrics holds the Prometheus collectors for every component.
type Metrics struct {
	// Weather client.
	WeatherRequests  *prometheus.CounterVec   // labels: operation, outcome={success,error,unavailable}
	WeatherCache     *prometheus.CounterVec   // labels: operation, result={hit,miss}
	WeatherRetries   *prometheus.CounterVec   // labels: operation
	WeatherLatency   *prometheus.HistogramVec // labels: operation
	RateLimitWaits   prometheus.Counter
	ReadingsRejected prometheus.Counter

	// Payout decisions.
	Evaluations     *prometheus.CounterVec // labels: outcome
	TriggersFired   *prometheus.CounterVec // labels: trigger, severity
	PayoutsTotal    *prometheus.CounterVec // labels: trigger, status={completed,failed,suppressed}
	PayoutAmount    *prometheus.CounterVec // labels: trigger
	ProviderAlerts  prometheus.Counter
	SettlementCalls *prometheus.HistogramVec // labels: status

	// Scheduler and webhook.
	SweepDuration   prometheus.Histogram
	SweepPolicies   prometheus.Counter
	SweepErrors     prometheus.Counter
	WebhookRequests *prometheus.CounterVec // labels: result={accepted,unauthorized,invalid,failed}
	ActivePolicies  prometheus.Gauge
	WeatherHealthy  prometheus.Gauge

	// Event fan-out.
	EventClients prometheus.Gauge

	// HTTP.
	HTTPRequestsTotal   *prometheus.CounterVec   // labels: method, path, status
	HTTPRequestDuration *prometheus.HistogramVec // labels: method, path
}

// New creates and registers all metrics with the default Prometheus registry.
func New() *Metrics {
	m := build()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewForTesting creates Metrics without registering them, so tests can
// build as many as they like without "already registered" panics.
func NewForTesting() *Metrics {
	return build()
}

func build() *Metrics {
	return &Metrics{
		WeatherRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_requests_total",
			Help:      "Weather provider calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		WeatherCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_cache_total",
			Help:      "Weather cache lookups by operation and result.",
		}, []string{"operation", "result"}),
		WeatherRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_retries_total",
			Help:      "Weather provider retry attempts.",
		}, []string{"operation"}),
		WeatherLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weather_request_duration_seconds",
			Help:      "Weather provider request duration including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_rate_limit_waits_total",
			Help:      "Calls that blocked on the provider rate limit.",
		}),
		ReadingsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_readings_rejected_total",
			Help:      "Provider readings dropped during normalization.",
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Policy evaluations by outcome.",
		}, []string{"outcome"}),
		TriggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Detected triggers by type and severity.",
		}, []string{"trigger", "severity"}),
		PayoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payout decisions by trigger and status.",
		}, []string{"trigger", "status"}),
		PayoutAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_amount_total",
			Help:      "Cumulative settled payout amount by trigger.",
		}, []string{"trigger"}),
		ProviderAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_provider_auth_alerts_total",
			Help:      "Weather provider authorization failures (401/403).",
		}),
		SettlementCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Ledger settlement call duration by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full active-policy sweep.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		SweepPolicies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_policies_total",
			Help:      "Policies evaluated by the periodic sweep.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Policy evaluations in a sweep that returned an error.",
		}),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Weather alert webhook deliveries by result.",
		}, []string{"result"}),
		ActivePolicies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_policies",
			Help:      "Active in-force policies seen by the last sweep.",
		}),
		WeatherHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weather_client_healthy",
			Help:      "1 when the weather client has succeeded recently, 0 otherwise.",
		}),
		EventClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected WebSocket clients.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.WeatherRequests, m.WeatherCache, m.WeatherRetries, m.WeatherLatency,
		m.RateLimitWaits, m.ReadingsRejected,
		m.Evaluations, m.TriggersFired, m.PayoutsTotal, m.PayoutAmount,
		m.ProviderAlerts, m.SettlementCalls,
		m.SweepDuration, m.SweepPolicies, m.SweepErrors, m.WebhookRequests,
		m.ActivePolicies, m.WeatherHealthy, m.EventClients,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
