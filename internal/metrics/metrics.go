package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	// EnableBucketLabel controls whether the archive bucket name is used
	// as a metric label verbatim, or collapsed to "*" to bound cardinality
	// on deployments with many per-election buckets.
	EnableBucketLabel bool
}

// Metrics holds every Prometheus series the orchestrator emits: the admin
// HTTP surface, the archive (S3) export path, guardian credential
// decryption, and the C2-C9 work-orchestration components.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	archiveOperationsTotal   *prometheus.CounterVec
	archiveOperationDuration *prometheus.HistogramVec
	archiveOperationErrors   *prometheus.CounterVec

	credentialDecryptOps      *prometheus.CounterVec
	credentialDecryptDuration *prometheus.HistogramVec
	credentialDecryptErrors   *prometheus.CounterVec
	rotatedKeyReads           *prometheus.CounterVec
	hardwareAccelerationEnabled *prometheus.GaugeVec

	credentialCacheHits    *prometheus.CounterVec
	credentialCacheMisses  *prometheus.CounterVec
	credentialCacheEntries prometheus.Gauge

	lockAcquireAttempts  *prometheus.CounterVec
	lockAcquireContended *prometheus.CounterVec

	queueDepth    *prometheus.GaugeVec
	queueRequeues *prometheus.CounterVec

	engineCallDuration *prometheus.HistogramVec
	engineCallRetries  *prometheus.CounterVec
	engineCallErrors   *prometheus.CounterVec

	chunksQueuedTotal    *prometheus.CounterVec
	chunksCompletedTotal *prometheus.CounterVec
	chunksFailedTotal    *prometheus.CounterVec
	activeTaskInstances  *prometheus.GaugeVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableBucketLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableBucketLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in admin API requests",
			},
			[]string{"method", "path"},
		),
		archiveOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_operations_total",
				Help: "Total number of result-archive S3 operations",
			},
			[]string{"operation", "bucket"},
		),
		archiveOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_operation_duration_seconds",
				Help:    "Result-archive S3 operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "bucket"},
		),
		archiveOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_operation_errors_total",
				Help: "Total number of result-archive S3 operation errors",
			},
			[]string{"operation", "bucket", "error_type"},
		),
		credentialDecryptOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_decrypt_operations_total",
				Help: "Total number of guardian credential blob decrypt operations",
			},
			[]string{"blob"},
		),
		credentialDecryptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credential_decrypt_duration_seconds",
				Help:    "Guardian credential blob decrypt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"blob"},
		),
		credentialDecryptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_decrypt_errors_total",
				Help: "Total number of guardian credential blob decrypt errors",
			},
			[]string{"blob", "error_type"},
		),
		rotatedKeyReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_rotated_reads_total",
				Help: "Total number of credential decryptions using rotated (non-active) KMIP key versions",
			},
			[]string{"key_version", "active_version"},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware AES acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
		credentialCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_cache_hits_total",
				Help: "Total number of credential cache gets that found an entry",
			},
			[]string{"field"},
		),
		credentialCacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_cache_misses_total",
				Help: "Total number of credential cache gets that found nothing (absent or expired)",
			},
			[]string{"field"},
		),
		credentialCacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "credential_cache_entries",
				Help: "Current number of (election, guardian) credential entries resident in the cache",
			},
		),
		lockAcquireAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_attempts_total",
				Help: "Total number of distributed lock acquire attempts",
			},
			[]string{"operation", "acquired"},
		),
		lockAcquireContended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_contended_total",
				Help: "Total number of lock acquire attempts that lost to an already-held key",
			},
			[]string{"operation"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current number of messages resident in a task-type queue",
			},
			[]string{"task_type"},
		),
		queueRequeues: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_requeues_total",
				Help: "Total number of messages requeued after a consumer failure",
			},
			[]string{"task_type"},
		),
		engineCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_call_duration_seconds",
				Help:    "Cryptographic engine RPC call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call", "outcome"},
		),
		engineCallRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_call_retries_total",
				Help: "Total number of cryptographic engine RPC retries",
			},
			[]string{"call"},
		),
		engineCallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_call_errors_total",
				Help: "Total number of cryptographic engine RPC calls that exhausted retries or hard-failed",
			},
			[]string{"call", "error_type"},
		),
		chunksQueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_chunks_queued_total",
				Help: "Total number of chunks the scheduler moved from PENDING to QUEUED",
			},
			[]string{"task_type"},
		),
		chunksCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_chunks_completed_total",
				Help: "Total number of chunks reported COMPLETED",
			},
			[]string{"task_type"},
		),
		chunksFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_chunks_failed_total",
				Help: "Total number of chunks reported FAILED (terminal and retryable combined; see the terminal label)",
			},
			[]string{"task_type", "terminal"},
		),
		activeTaskInstances: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_active_task_instances",
				Help: "Current number of task instances with at least one non-terminal chunk",
			},
			[]string{"task_type"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// GetRotatedReadsMetric returns the rotated reads metric (for testing).
func (m *Metrics) GetRotatedReadsMetric() *prometheus.CounterVec {
	return m.rotatedKeyReads
}

// RecordHTTPRequest records an admin API request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}

		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
// Examples:
// "/metrics" => "/metrics"
// "/elections/E-2026-01/progress" => "/elections/*"
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

func (m *Metrics) bucketLabel(bucket string) string {
	if !m.config.EnableBucketLabel {
		return "*"
	}
	return bucket
}

// RecordArchiveOperation records a result-archive S3 operation metric.
func (m *Metrics) RecordArchiveOperation(ctx context.Context, operation, bucket string, duration time.Duration) {
	bucketLabel := m.bucketLabel(bucket)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.archiveOperationsTotal.WithLabelValues(operation, bucketLabel).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.archiveOperationsTotal.WithLabelValues(operation, bucketLabel).Inc()
		}

		if observer, ok := m.archiveOperationDuration.WithLabelValues(operation, bucketLabel).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.archiveOperationDuration.WithLabelValues(operation, bucketLabel).Observe(duration.Seconds())
		}
	} else {
		m.archiveOperationsTotal.WithLabelValues(operation, bucketLabel).Inc()
		m.archiveOperationDuration.WithLabelValues(operation, bucketLabel).Observe(duration.Seconds())
	}
}

// RecordArchiveError records a result-archive S3 operation error.
func (m *Metrics) RecordArchiveError(ctx context.Context, operation, bucket, errorType string) {
	bucketLabel := m.bucketLabel(bucket)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.archiveOperationErrors.WithLabelValues(operation, bucketLabel, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.archiveOperationErrors.WithLabelValues(operation, bucketLabel, errorType).Inc()
		}
	} else {
		m.archiveOperationErrors.WithLabelValues(operation, bucketLabel, errorType).Inc()
	}
}

// RecordCredentialDecrypt records a guardian credential blob decrypt.
func (m *Metrics) RecordCredentialDecrypt(ctx context.Context, blob string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.credentialDecryptOps.WithLabelValues(blob).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.credentialDecryptOps.WithLabelValues(blob).Inc()
		}
		if observer, ok := m.credentialDecryptDuration.WithLabelValues(blob).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.credentialDecryptDuration.WithLabelValues(blob).Observe(duration.Seconds())
		}
	} else {
		m.credentialDecryptOps.WithLabelValues(blob).Inc()
		m.credentialDecryptDuration.WithLabelValues(blob).Observe(duration.Seconds())
	}
}

// RecordCredentialDecryptError records a guardian credential blob decrypt failure.
func (m *Metrics) RecordCredentialDecryptError(blob, errorType string) {
	m.credentialDecryptErrors.WithLabelValues(blob, errorType).Inc()
}

// RecordRotatedRead records a decryption operation using a rotated (non-active) key version.
func (m *Metrics) RecordRotatedRead(keyVersion, activeVersion string) {
	m.rotatedKeyReads.WithLabelValues(keyVersion, activeVersion).Inc()
}

// RecordCredentialCacheHit records a credential cache get that found an entry.
func (m *Metrics) RecordCredentialCacheHit(field string) {
	m.credentialCacheHits.WithLabelValues(field).Inc()
}

// RecordCredentialCacheMiss records a credential cache get that found nothing.
func (m *Metrics) RecordCredentialCacheMiss(field string) {
	m.credentialCacheMisses.WithLabelValues(field).Inc()
}

// SetCredentialCacheEntries sets the current resident credential entry count.
func (m *Metrics) SetCredentialCacheEntries(n int) {
	m.credentialCacheEntries.Set(float64(n))
}

// RecordLockAcquire records a distributed lock acquire attempt.
func (m *Metrics) RecordLockAcquire(operation string, acquired bool) {
	m.lockAcquireAttempts.WithLabelValues(operation, boolLabel(acquired)).Inc()
	if !acquired {
		m.lockAcquireContended.WithLabelValues(operation).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// SetQueueDepth sets a task-type queue's current depth.
func (m *Metrics) SetQueueDepth(taskType string, depth int) {
	m.queueDepth.WithLabelValues(taskType).Set(float64(depth))
}

// RecordQueueRequeue records a message requeued after a consumer failure.
func (m *Metrics) RecordQueueRequeue(taskType string) {
	m.queueRequeues.WithLabelValues(taskType).Inc()
}

// RecordEngineCall records one cryptographic engine RPC call's outcome and latency.
func (m *Metrics) RecordEngineCall(call, outcome string, duration time.Duration) {
	m.engineCallDuration.WithLabelValues(call, outcome).Observe(duration.Seconds())
}

// RecordEngineRetry records one retry attempt of a cryptographic engine RPC call.
func (m *Metrics) RecordEngineRetry(call string) {
	m.engineCallRetries.WithLabelValues(call).Inc()
}

// RecordEngineError records a cryptographic engine RPC call that exhausted
// retries or hard-failed (a null required field, per spec §4.5).
func (m *Metrics) RecordEngineError(call, errorType string) {
	m.engineCallErrors.WithLabelValues(call, errorType).Inc()
}

// RecordChunkQueued records the scheduler moving one chunk PENDING -> QUEUED.
func (m *Metrics) RecordChunkQueued(taskType string) {
	m.chunksQueuedTotal.WithLabelValues(taskType).Inc()
}

// RecordChunkCompleted records a chunk reaching the terminal COMPLETED state.
func (m *Metrics) RecordChunkCompleted(taskType string) {
	m.chunksCompletedTotal.WithLabelValues(taskType).Inc()
}

// RecordChunkFailed records a chunk reporting FAILED, terminal or not.
func (m *Metrics) RecordChunkFailed(taskType string, terminal bool) {
	m.chunksFailedTotal.WithLabelValues(taskType, boolLabel(terminal)).Inc()
}

// SetActiveTaskInstances sets the current count of active task instances for a task type.
func (m *Metrics) SetActiveTaskInstances(taskType string, n int) {
	m.activeTaskInstances.WithLabelValues(taskType).Set(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
