// Package metrics exposes Prometheus instrumentation for the switch service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deadman",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadman",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deadman",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadman",
			Subsystem: "switch",
			Name:      "heartbeats_total",
			Help:      "Total number of accepted heartbeats.",
		},
	)

	timeoutsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadman",
			Subsystem: "switch",
			Name:      "timeouts_detected_total",
			Help:      "Total number of timeouts first observed by the scheduler.",
		},
	)

	cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadman",
			Subsystem: "switch",
			Name:      "cancellations_total",
			Help:      "Total number of cancelled pending timeouts.",
		},
		[]string{"by"},
	)

	disbursements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deadman",
			Subsystem: "switch",
			Name:      "disbursements_total",
			Help:      "Total number of disbursement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	disbursedValue = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deadman",
			Subsystem: "switch",
			Name:      "disbursed_value_total",
			Help:      "Total token value transferred to beneficiaries.",
		},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deadman",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduler ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	registeredAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deadman",
			Subsystem: "switch",
			Name:      "registered_accounts",
			Help:      "Number of currently registered accounts.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		heartbeats,
		timeoutsDetected,
		cancellations,
		disbursements,
		disbursedValue,
		tickDuration,
		registeredAccounts,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordHeartbeat counts an accepted heartbeat.
func RecordHeartbeat() { heartbeats.Inc() }

// RecordTimeoutDetected counts a newly observed timeout.
func RecordTimeoutDetected() { timeoutsDetected.Inc() }

// RecordCancellation counts a cancelled pending timeout; by is "owner" or
// "trusted_party".
func RecordCancellation(by string) { cancellations.WithLabelValues(by).Inc() }

// RecordDisbursement counts one disbursement attempt and the value moved.
func RecordDisbursement(outcome string, value uint64) {
	disbursements.WithLabelValues(outcome).Inc()
	if value > 0 {
		disbursedValue.Add(float64(value))
	}
}

// RecordTick observes a scheduler tick duration.
func RecordTick(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	tickDuration.Observe(d.Seconds())
}

// SetRegisteredAccounts updates the registered-account gauge.
func SetRegisteredAccounts(n int) { registeredAccounts.Set(float64(n)) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses variable path segments so the label set stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := range parts {
		if i > 0 && parts[i-1] == "trusted-parties" {
			parts[i] = ":party"
		}
	}
	return "/" + strings.Join(parts, "/")
}
