// Package metrics provides Prometheus metrics for the posepulse agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the agent.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Metrics engine
	analysesComputed *prometheus.CounterVec
	computeLatency   *prometheus.HistogramVec
	framesRejected   *prometheus.CounterVec
	streamPreviews   prometheus.Counter
	overallScore     prometheus.Histogram

	// Submission queue
	enqueues       *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	recordsSwept   prometheus.Counter
	recordsRecover prometheus.Counter

	// Upload scheduler
	uploadAttempts   *prometheus.CounterVec
	uploadLatency    prometheus.Histogram
	schedulerRuns    *prometheus.CounterVec
	backoffDeferrals prometheus.Counter

	// Streaming sessions
	sessionsActive  prometheus.Gauge
	framesQueued    prometheus.Counter
	framesDropped   prometheus.Counter
	sessionQueueLen *prometheus.GaugeVec

	// Local HTTP API
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "posepulse",
		subsystem:        "agent",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.analysesComputed = auto.NewCounterVec(m.counterOpts("analyses_computed_total",
		"Metrics results computed, by mode (batch, stream)"), []string{"mode"})
	m.computeLatency = auto.NewHistogramVec(m.histogramOpts("compute_latency_milliseconds",
		"Metrics computation latency in milliseconds", m.histogramBuckets), []string{"mode"})
	m.framesRejected = auto.NewCounterVec(m.counterOpts("frames_rejected_total",
		"Keypoint frames rejected at the ingestion boundary, by reason"), []string{"reason"})
	m.streamPreviews = auto.NewCounter(m.counterOpts("stream_previews_total",
		"Debounced streaming previews emitted"))
	m.overallScore = auto.NewHistogram(m.histogramOpts("overall_score",
		"Distribution of final overall scores", []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}))

	m.enqueues = auto.NewCounterVec(m.counterOpts("enqueues_total",
		"Submission enqueue attempts, by result (accepted, duplicate, error)"), []string{"result"})
	m.queueDepth = auto.NewGaugeVec(m.gaugeOpts("queue_records",
		"Submission records in the durable queue, by status"), []string{"status"})
	m.recordsSwept = auto.NewCounter(m.counterOpts("records_swept_total",
		"Completed records deleted by the retention sweep"))
	m.recordsRecover = auto.NewCounter(m.counterOpts("records_recovered_total",
		"In-flight records returned to retryable on startup"))

	m.uploadAttempts = auto.NewCounterVec(m.counterOpts("upload_attempts_total",
		"Upload attempts, by outcome (delivered, auth, rejected, throttled, transient)"), []string{"outcome"})
	m.uploadLatency = auto.NewHistogram(m.histogramOpts("upload_latency_milliseconds",
		"Upload round-trip latency in milliseconds", m.histogramBuckets))
	m.schedulerRuns = auto.NewCounterVec(m.counterOpts("scheduler_runs_total",
		"Scheduler runs, by result (ran, skipped, auth_paused, error)"), []string{"result"})
	m.backoffDeferrals = auto.NewCounter(m.counterOpts("backoff_deferrals_total",
		"Eligible records deferred because their backoff had not elapsed"))

	m.sessionsActive = auto.NewGauge(m.gaugeOpts("sessions_active",
		"Streaming sessions currently open"))
	m.framesQueued = auto.NewCounter(m.counterOpts("frames_queued_total",
		"Frames accepted into session queues"))
	m.framesDropped = auto.NewCounter(m.counterOpts("frames_dropped_total",
		"Frames refused by a full or closed session queue"))
	m.sessionQueueLen = auto.NewGaugeVec(m.gaugeOpts("session_queue_length",
		"Frames waiting in a session queue"), []string{"session"})

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"Total number of HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", m.histogramBuckets), []string{"endpoint", "method", "status_code"})
}

// RecordAnalysis counts a computed result and its latency.
func RecordAnalysis(mode string, latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.analysesComputed.WithLabelValues(mode).Inc()
	globalManager.computeLatency.WithLabelValues(mode).Observe(latencyMs)
}

// RecordOverallScore observes a final overall score.
func RecordOverallScore(score float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.overallScore.Observe(score)
}

// RecordFrameRejected counts a frame refused at ingestion.
func RecordFrameRejected(reason string) {
	if !globalManager.enabled {
		return
	}
	globalManager.framesRejected.WithLabelValues(reason).Inc()
}

// RecordStreamPreview counts a debounced preview.
func RecordStreamPreview() {
	if !globalManager.enabled {
		return
	}
	globalManager.streamPreviews.Inc()
}

// RecordEnqueue counts an enqueue attempt by result.
func RecordEnqueue(result string) {
	if !globalManager.enabled {
		return
	}
	globalManager.enqueues.WithLabelValues(result).Inc()
}

// UpdateQueueDepth sets the number of records in a given status.
func UpdateQueueDepth(status string, count int64) {
	if !globalManager.enabled {
		return
	}
	globalManager.queueDepth.WithLabelValues(status).Set(float64(count))
}

// RecordRecordsSwept counts records removed by retention.
func RecordRecordsSwept(n int64) {
	if !globalManager.enabled {
		return
	}
	globalManager.recordsSwept.Add(float64(n))
}

// RecordRecordsRecovered counts in-flight records recovered at startup.
func RecordRecordsRecovered(n int64) {
	if !globalManager.enabled {
		return
	}
	globalManager.recordsRecover.Add(float64(n))
}

// RecordUploadAttempt counts an upload attempt and its latency.
func RecordUploadAttempt(outcome string, latencyMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.uploadAttempts.WithLabelValues(outcome).Inc()
	globalManager.uploadLatency.Observe(latencyMs)
}

// RecordSchedulerRun counts a scheduler run by result.
func RecordSchedulerRun(result string) {
	if !globalManager.enabled {
		return
	}
	globalManager.schedulerRuns.WithLabelValues(result).Inc()
}

// RecordBackoffDeferral counts a record skipped for backoff.
func RecordBackoffDeferral() {
	if !globalManager.enabled {
		return
	}
	globalManager.backoffDeferrals.Inc()
}

// UpdateSessionsActive sets the open session gauge.
func UpdateSessionsActive(n int) {
	if !globalManager.enabled {
		return
	}
	globalManager.sessionsActive.Set(float64(n))
}

// RecordFrameQueued counts a frame accepted by a session queue.
func RecordFrameQueued() {
	if !globalManager.enabled {
		return
	}
	globalManager.framesQueued.Inc()
}

// RecordFrameDropped counts a frame refused by a session queue.
func RecordFrameDropped() {
	if !globalManager.enabled {
		return
	}
	globalManager.framesDropped.Inc()
}

// UpdateSessionQueueLength sets the backlog gauge for one session.
func UpdateSessionQueueLength(session string, n int) {
	if !globalManager.enabled {
		return
	}
	globalManager.sessionQueueLen.WithLabelValues(session).Set(float64(n))
}

// DeleteSessionQueueLength drops the backlog series of a closed session.
func DeleteSessionQueueLength(session string) {
	globalManager.sessionQueueLen.DeleteLabelValues(session)
}

// RecordHTTPRequest increments the HTTP requests counter.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// GetRegistry returns the custom registry served at /metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
