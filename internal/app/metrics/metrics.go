// Package metrics exposes the gateway's Prometheus instrumentation.
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
			Namespace: "vault_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vault_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	offersInitiated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "buyout",
			Name:      "offers_initiated_total",
			Help:      "Total number of buyout initiation attempts.",
		},
		[]string{"result"},
	)

	chainSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "chain",
			Name:      "submissions_total",
			Help:      "Total number of instruction submissions to the ledger.",
		},
		[]string{"instruction", "result"},
	)

	fundingTopUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "wallet",
			Name:      "funding_topups_total",
			Help:      "Total number of authority funding top-up attempts.",
		},
		[]string{"result"},
	)

	degradedPersists = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "buyout",
			Name:      "degraded_persists_total",
			Help:      "Chain-confirmed operations whose ledger write failed.",
		},
	)

	expiredSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vault_layer",
			Subsystem: "buyout",
			Name:      "offers_expired_swept_total",
			Help:      "Pending offers transitioned to expired by the sweep job.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		offersInitiated,
		chainSubmissions,
		fundingTopUps,
		degradedPersists,
		expiredSwept,
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

// RecordOfferInitiation records one buyout initiation attempt.
func RecordOfferInitiation(result string) {
	if result == "" {
		result = "unknown"
	}
	offersInitiated.WithLabelValues(result).Inc()
}

// RecordChainSubmission records one instruction submission outcome.
func RecordChainSubmission(instruction string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	chainSubmissions.WithLabelValues(instruction, result).Inc()
}

// RecordFundingTopUp records one authority top-up attempt.
func RecordFundingTopUp(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	fundingTopUps.WithLabelValues(result).Inc()
}

// RecordDegradedPersist records a chain success whose ledger write failed.
func RecordDegradedPersist() {
	degradedPersists.Inc()
}

// RecordExpiredSwept records offers transitioned to expired by the sweep job.
func RecordExpiredSwept(count int) {
	if count > 0 {
		expiredSwept.Add(float64(count))
	}
}

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

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "buyout":
		if len(parts) == 1 {
			return "/buyout"
		}
		switch parts[1] {
		case "offers":
			return "/buyout/offers/:vault"
		case "vault":
			return "/buyout/vault/:vault/offers"
		case "buyer":
			return "/buyout/buyer/:buyer/offers"
		default:
			return "/buyout/" + parts[1]
		}
	case "vault":
		if len(parts) == 1 {
			return "/vault"
		}
		switch parts[1] {
		case "initialize", "fractionalize", "fractionalizations", "authority-wallet":
			return "/vault/" + strings.Join(parts[1:], "/")
		default:
			if len(parts) >= 3 {
				return "/vault/:vault/" + parts[2]
			}
			return "/vault/:vault"
		}
	default:
		return "/" + parts[0]
	}
}
