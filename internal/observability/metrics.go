package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "repsentinel"

// Metrics holds Prometheus metrics for RepSentinel
type Metrics struct {
	// Ingestion metrics
	ItemsFetched  *prometheus.CounterVec
	FetchFailures *prometheus.CounterVec
	ItemsMatched  *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec

	// Persistence metrics
	ThreatsPersisted  *prometheus.CounterVec
	DuplicatesSkipped *prometheus.CounterVec
	PersistFailures   *prometheus.CounterVec

	// Classifier metrics
	ClassifierCalls     *prometheus.CounterVec
	ClassifierCacheHits *prometheus.CounterVec

	// Prediction metrics
	PredictionsEmitted *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// Health metrics
	HealthStatus    *prometheus.GaugeVec
	LastHealthCheck prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// DefaultMetrics returns the process-wide metrics, registering them with
// the default Prometheus registry on first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

func initMetrics() *Metrics {
	return &Metrics{
		ItemsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_fetched_total",
				Help:      "Raw items fetched by platform",
			},
			[]string{"platform"},
		),
		FetchFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_failures_total",
				Help:      "Failed adapter fetches by platform",
			},
			[]string{"platform"},
		),
		ItemsMatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_matched_total",
				Help:      "Items accepted by the entity matcher by tier",
			},
			[]string{"tier"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"status"},
		),
		ThreatsPersisted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threats_persisted_total",
				Help:      "Matched threats written by platform and severity",
			},
			[]string{"platform", "severity"},
		),
		DuplicatesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_skipped_total",
				Help:      "Items skipped as duplicates",
			},
			[]string{"platform", "reason"},
		),
		PersistFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Failed datastore writes by table",
			},
			[]string{"table"},
		),
		ClassifierCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_calls_total",
				Help:      "Classifier invocations by strategy and status",
			},
			[]string{"strategy", "status"},
		),
		ClassifierCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_cache_hits_total",
				Help:      "External classifier cache hits",
			},
			[]string{"strategy"},
		),
		PredictionsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_emitted_total",
				Help:      "Threat predictions emitted by type",
			},
			[]string{"type"},
		),
		GoroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		HealthStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Health check status (1=ok, 0=failing)",
			},
			[]string{"check"},
		),
		LastHealthCheck: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_health_check_timestamp",
				Help:      "Timestamp of last health check",
			},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// RecordFetch counts fetched items, or a failure when err is non-nil.
func (m *Metrics) RecordFetch(platform string, items int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FetchFailures.WithLabelValues(platform).Inc()
		return
	}
	m.ItemsFetched.WithLabelValues(platform).Add(float64(items))
}

// RecordMatch counts an accepted match.
func (m *Metrics) RecordMatch(tier string) {
	if m == nil {
		return
	}
	m.ItemsMatched.WithLabelValues(tier).Inc()
}

// RecordPersisted counts a written threat.
func (m *Metrics) RecordPersisted(platform, severity string) {
	if m == nil {
		return
	}
	m.ThreatsPersisted.WithLabelValues(platform, severity).Inc()
}

// RecordDuplicate counts a skipped duplicate.
func (m *Metrics) RecordDuplicate(platform, reason string) {
	if m == nil {
		return
	}
	m.DuplicatesSkipped.WithLabelValues(platform, reason).Inc()
}

// RecordPersistFailure counts a failed write.
func (m *Metrics) RecordPersistFailure(table string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(table).Inc()
}

// RecordClassifierCall counts a classifier invocation.
func (m *Metrics) RecordClassifierCall(strategy, status string) {
	if m == nil {
		return
	}
	m.ClassifierCalls.WithLabelValues(strategy, status).Inc()
}

// RecordClassifierCacheHit counts a cached classifier result.
func (m *Metrics) RecordClassifierCacheHit(strategy string) {
	if m == nil {
		return
	}
	m.ClassifierCacheHits.WithLabelValues(strategy).Inc()
}

// ObserveRun records a pipeline run duration.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordPrediction counts an emitted prediction.
func (m *Metrics) RecordPrediction(predictionType string) {
	if m == nil {
		return
	}
	m.PredictionsEmitted.WithLabelValues(predictionType).Inc()
}

// SetHealth records the latest result of a health check.
func (m *Metrics) SetHealth(check string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.HealthStatus.WithLabelValues(check).Set(v)
	m.LastHealthCheck.SetToCurrentTime()
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
