package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture agent
type Metrics struct {
	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsRemoved prometheus.Counter
	SessionErrors   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge

	// Recording metrics
	ChunksEmitted prometheus.Counter
	AutoStops     prometheus.Counter

	// Take metrics
	TakesEncoded   prometheus.Counter
	TakesEmpty     prometheus.Counter
	TakeDuration   prometheus.Histogram
	TakeSize       prometheus.Histogram
	TakePeak       prometheus.Histogram
	EncodeDuration prometheus.Histogram

	// Device metrics
	DeviceErrors *prometheus.CounterVec

	// Upload metrics
	UploadRequests  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  prometheus.Counter
	UploadDuration  prometheus.Histogram

	// Playback metrics
	PlaybackStarted  prometheus.Counter
	PlaybackFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_created_total",
			Help: "Total number of recording sessions created",
		}),
		SessionsRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_removed_total",
			Help: "Total number of recording sessions removed",
		}),
		SessionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_session_errors_total",
			Help: "Total number of failed sessions by pipeline stage",
		}, []string{"stage"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_sessions",
			Help: "Current number of sessions acquiring, recording or stopping",
		}),

		// Recording metrics
		ChunksEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunks_emitted_total",
			Help: "Total number of audio chunks emitted by sample processors",
		}),
		AutoStops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_auto_stops_total",
			Help: "Total number of takes stopped automatically at the window target",
		}),

		// Take metrics
		TakesEncoded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_takes_encoded_total",
			Help: "Total number of takes encoded to WAV",
		}),
		TakesEmpty: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_takes_empty_total",
			Help: "Total number of takes that ended without any samples",
		}),
		TakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_take_duration_seconds",
			Help:    "Duration of encoded takes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		TakeSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_take_size_bytes",
			Help:    "Size of encoded WAV takes in bytes",
			Buckets: prometheus.ExponentialBuckets(65536, 2, 8), // 64KB to ~8MB
		}),
		TakePeak: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_take_peak_dbfs",
			Help:    "Peak level of encoded takes in dBFS",
			Buckets: prometheus.LinearBuckets(-96, 8, 13), // -96 dBFS to 0 dBFS
		}),
		EncodeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_encode_duration_seconds",
			Help:    "Time spent encoding assembled buffers to WAV",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
		}),

		// Device metrics
		DeviceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_device_errors_total",
			Help: "Total number of device acquisition failures by reason",
		}, []string{"reason"}),

		// Upload metrics
		UploadRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_upload_requests_total",
			Help: "Total number of take upload requests sent",
		}),
		UploadSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_upload_successes_total",
			Help: "Total number of successful take uploads",
		}),
		UploadFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_upload_failures_total",
			Help: "Total number of failed take uploads",
		}),
		UploadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_upload_duration_seconds",
			Help:    "Duration of take upload requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Playback metrics
		PlaybackStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_playback_started_total",
			Help: "Total number of synchronized review playbacks started",
		}),
		PlaybackFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "capture_playback_failures_total",
			Help: "Total number of review playbacks that failed to start",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionRemoved increments the sessions removed counter
func (m *Metrics) RecordSessionRemoved() {
	m.SessionsRemoved.Inc()
}

// RecordSessionError records a failed session by pipeline stage
func (m *Metrics) RecordSessionError(stage string) {
	m.SessionErrors.WithLabelValues(stage).Inc()
}

// RecordChunkEmitted increments the emitted chunks counter
func (m *Metrics) RecordChunkEmitted() {
	m.ChunksEmitted.Inc()
}

// RecordAutoStop increments the automatic stops counter
func (m *Metrics) RecordAutoStop() {
	m.AutoStops.Inc()
}

// SetActiveSessions sets the current number of in-flight sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordTakeEncoded records an encoded take with its duration, size and peak
func (m *Metrics) RecordTakeEncoded(durationSeconds float64, sizeBytes int, peakDBFS float64) {
	m.TakesEncoded.Inc()
	m.TakeDuration.Observe(durationSeconds)
	m.TakeSize.Observe(float64(sizeBytes))
	m.TakePeak.Observe(peakDBFS)
}

// RecordTakeEmpty increments the empty takes counter
func (m *Metrics) RecordTakeEmpty() {
	m.TakesEmpty.Inc()
}

// RecordEncodeDuration records the time taken to encode one take to WAV
func (m *Metrics) RecordEncodeDuration(durationSeconds float64) {
	m.EncodeDuration.Observe(durationSeconds)
}

// RecordDeviceError records a device acquisition failure by reason
func (m *Metrics) RecordDeviceError(reason string) {
	m.DeviceErrors.WithLabelValues(reason).Inc()
}

// RecordUploadRequest increments the upload requests counter
func (m *Metrics) RecordUploadRequest() {
	m.UploadRequests.Inc()
}

// RecordUploadSuccess records a successful upload
func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	m.UploadSuccesses.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadFailure records a failed upload
func (m *Metrics) RecordUploadFailure(durationSeconds float64) {
	m.UploadFailures.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordPlaybackStarted increments the playbacks started counter
func (m *Metrics) RecordPlaybackStarted() {
	m.PlaybackStarted.Inc()
}

// RecordPlaybackFailure increments the playback failures counter
func (m *Metrics) RecordPlaybackFailure() {
	m.PlaybackFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
