package observability

import (
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Operation results used as the "result" label.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds all Prometheus metrics for the auth engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operations     *prometheus.CounterVec
	operationTime  *prometheus.HistogramVec
	fallbacks      *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	degradedSyncs  prometheus.Counter
	providerEvents *prometheus.CounterVec
	externalErrors *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_auth_operations_total",
				Help: "Auth operations by operation and result.",
			},
			[]string{"operation", "result"},
		),
		operationTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_auth_operation_duration_seconds",
				Help:    "Duration of auth operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_auth_legacy_fallbacks_total",
				Help: "Provider failures recovered through the legacy credential service.",
			},
			[]string{"operation"},
		),
		syncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "storefront_auth_backend_sync_duration_seconds",
				Help:    "Duration of backend synchronizations after provider sign-in.",
				Buckets: prometheus.DefBuckets,
			},
		),
		degradedSyncs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "storefront_auth_degraded_syncs_total",
				Help: "Backend synchronizations that failed and degraded to the provider profile.",
			},
		),
		providerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_auth_provider_events_total",
				Help: "Identity provider auth-change events by outcome.",
			},
			[]string{"outcome"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_api_requests_total",
				Help: "Total local API requests processed.",
			},
			[]string{"status"},
		),
	}
}

// RecordOperation records the outcome and duration of an auth operation.
func (m *Metrics) RecordOperation(operation string, err error, d time.Duration) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationTime.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrFallback counts a provider failure recovered via legacy credentials.
func (m *Metrics) IncrFallback(operation string) {
	m.fallbacks.WithLabelValues(operation).Inc()
}

// RecordSync records a backend synchronization; degraded marks a failed sync
// that fell back to the provider profile.
func (m *Metrics) RecordSync(d time.Duration, degraded bool) {
	m.syncDuration.Observe(d.Seconds())
	if degraded {
		m.degradedSyncs.Inc()
	}
}

// IncrProviderEvent counts a provider event as "applied" or "discarded".
func (m *Metrics) IncrProviderEvent(outcome string) {
	m.providerEvents.WithLabelValues(outcome).Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrRequest increments the request counter with a status label.
func (m *Metrics) IncrRequest(status string) {
	m.requestsTotal.WithLabelValues(status).Inc()
}

// GetAuthSnapshot returns a snapshot of auth metrics suitable for the
// GET /v1/metrics/auth endpoint.
func (m *Metrics) GetAuthSnapshot() *domain.AuthMetrics {
	var total, failed, fallbacks float64
	for _, op := range []string{"login", "login_google", "register", "legacy_login", "legacy_register"} {
		ok := getCounterValue(m.operations, op, ResultSuccess)
		bad := getCounterValue(m.operations, op, ResultError)
		total += ok + bad
		failed += bad
		fallbacks += getCounterValue(m.fallbacks, op)
	}

	syncCount, syncSum := getHistogramValue(m.syncDuration)
	degraded := getCounterValue(m.degradedSyncs)

	errorRate, fallbackRate, avgSyncMs := float64(0), float64(0), float64(0)
	if total > 0 {
		errorRate = failed / total
		fallbackRate = fallbacks / total
	}
	if syncCount > 0 {
		avgSyncMs = syncSum / float64(syncCount) * 1000
	}

	return &domain.AuthMetrics{
		TotalOperations:  int64(total),
		FailedOperations: int64(failed),
		ErrorRate:        errorRate,
		LegacyFallbacks:  int64(fallbacks),
		FallbackRate:     fallbackRate,
		BackendSyncs:     int64(syncCount),
		DegradedSyncs:    int64(degraded),
		AvgSyncLatencyMs: avgSyncMs,
		EventsApplied:    int64(getCounterValue(m.providerEvents, "applied")),
		EventsDiscarded:  int64(getCounterValue(m.providerEvents, "discarded")),
		Period:           "all_time",
	}
}

// getCounterValue extracts the current float64 value from a counter, or from
// a CounterVec for the given labels.
func getCounterValue(c prometheus.Collector, labels ...string) float64 {
	var metric prometheus.Metric
	switch v := c.(type) {
	case *prometheus.CounterVec:
		metric = v.WithLabelValues(labels...)
	case prometheus.Counter:
		metric = v
	default:
		return 0
	}
	m := &dto.Metric{}
	if err := metric.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// getHistogramValue returns the sample count and sum of a histogram.
func getHistogramValue(h prometheus.Histogram) (uint64, float64) {
	m := &dto.Metric{}
	if err := h.Write(m); err != nil || m.Histogram == nil {
		return 0, 0
	}
	return m.Histogram.GetSampleCount(), m.Histogram.GetSampleSum()
}
