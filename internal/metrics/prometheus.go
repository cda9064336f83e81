// Package metrics exposes Prometheus instrumentation for the detection
// pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	// Detection pipeline metrics
	observationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "pipeline",
			Name:      "observations_total",
			Help:      "Total number of observation rows scored",
		},
		[]string{"stream"},
	)

	anomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "pipeline",
			Name:      "anomalies_total",
			Help:      "Total number of rows the ensemble flagged anomalous",
		},
		[]string{"stream"},
	)

	detectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "pipeline",
			Name:      "detection_duration_seconds",
			Help:      "Duration of a detection batch in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"stream"},
	)

	// Alerting metrics
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "alerting",
			Name:      "alerts_total",
			Help:      "Total number of alerts raised",
		},
		[]string{"stream", "severity"},
	)

	suppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "alerting",
			Name:      "suppressed_total",
			Help:      "Total number of anomalies suppressed as false positives",
		},
		[]string{"stream"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "alerting",
			Name:      "escalations_total",
			Help:      "Total number of alert escalations",
		},
		[]string{"stream", "severity"},
	)

	handlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "alerting",
			Name:      "handler_failures_total",
			Help:      "Total number of alert handler failures",
		},
		[]string{"handler"},
	)

	unhandledAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "alerting",
			Name:      "unhandled_count",
			Help:      "Number of unhandled alerts by severity",
		},
		[]string{"severity"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns a middleware that records Prometheus metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDetection records a scored detection batch.
func RecordDetection(stream string, rows, flagged int, duration time.Duration) {
	observationsTotal.WithLabelValues(stream).Add(float64(rows))
	anomaliesTotal.WithLabelValues(stream).Add(float64(flagged))
	detectionDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

// RecordAlert records a raised alert.
func RecordAlert(stream, severity string) {
	alertsTotal.WithLabelValues(stream, severity).Inc()
}

// RecordSuppression records a suppressed anomaly.
func RecordSuppression(stream string) {
	suppressedTotal.WithLabelValues(stream).Inc()
}

// RecordEscalation records an alert escalation to the given severity.
func RecordEscalation(stream, severity string) {
	escalationsTotal.WithLabelValues(stream, severity).Inc()
}

// RecordHandlerFailure records a failed alert handler dispatch.
func RecordHandlerFailure(handler string) {
	handlerFailuresTotal.WithLabelValues(handler).Inc()
}

// SetUnhandledAlerts sets the gauge of unhandled alerts for a severity.
func SetUnhandledAlerts(severity string, count float64) {
	unhandledAlerts.WithLabelValues(severity).Set(count)
}
