package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the ASR gateway
type Metrics struct {
	// Connection metrics
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	MessagesReceived  *prometheus.CounterVec

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsErrored prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio pipeline metrics
	ChunksDecoded    prometheus.Counter
	DecodeErrors     prometheus.Counter
	SamplesIngested  prometheus.Counter
	WindowsSubmitted prometheus.Counter

	// Inference metrics
	InferenceDuration       prometheus.Histogram
	InferenceErrors         prometheus.Counter
	BackpressureRejections  prometheus.Counter
	InferenceQueueDepth     prometheus.Gauge

	// Model lifecycle metrics
	ModelLoads   *prometheus.CounterVec
	ModelUnloads *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Connection metrics
		ConnectionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_connections_opened_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		ConnectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_connections_closed_total",
			Help: "Total number of WebSocket connections closed",
		}),
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_messages_received_total",
			Help: "Total number of inbound control messages by type",
		}, []string{"type"}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "asr_active_sessions",
			Help: "Current number of active recognition sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_created_total",
			Help: "Total number of recognition sessions created",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_closed_total",
			Help: "Total number of recognition sessions closed",
		}),
		SessionsErrored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_errored_total",
			Help: "Total number of sessions terminated by an engine error",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_session_duration_seconds",
			Help:    "Duration of recognition sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Audio pipeline metrics
		ChunksDecoded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_audio_chunks_decoded_total",
			Help: "Total number of audio chunks decoded successfully",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_audio_decode_errors_total",
			Help: "Total number of malformed audio payloads",
		}),
		SamplesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_samples_ingested_total",
			Help: "Total number of normalized samples appended to session buffers",
		}),
		WindowsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_windows_submitted_total",
			Help: "Total number of fixed-size windows submitted for inference",
		}),

		// Inference metrics
		InferenceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_inference_duration_seconds",
			Help:    "Duration of individual inference calls",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		InferenceErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_inference_errors_total",
			Help: "Total number of failed inference calls",
		}),
		BackpressureRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_backpressure_rejections_total",
			Help: "Total number of audio chunks rejected due to queue saturation",
		}),
		InferenceQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "asr_inference_queue_depth",
			Help: "Current number of tasks queued for the worker pool",
		}),

		// Model lifecycle metrics
		ModelLoads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_model_loads_total",
			Help: "Total number of model load operations by type and result",
		}, []string{"model_type", "result"}),
		ModelUnloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_model_unloads_total",
			Help: "Total number of model unload operations by type and result",
		}, []string{"model_type", "result"}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened increments the connections opened counter
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Inc()
}

// RecordConnectionClosed increments the connections closed counter
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsClosed.Inc()
}

// RecordMessage increments the received message counter for a message type
func (m *Metrics) RecordMessage(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionClosed increments the sessions closed counter and records duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionErrored increments the errored sessions counter
func (m *Metrics) RecordSessionErrored() {
	m.SessionsErrored.Inc()
}

// RecordChunkDecoded records a successfully decoded audio chunk
func (m *Metrics) RecordChunkDecoded(samples int) {
	m.ChunksDecoded.Inc()
	m.SamplesIngested.Add(float64(samples))
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordWindowSubmitted increments the submitted windows counter
func (m *Metrics) RecordWindowSubmitted() {
	m.WindowsSubmitted.Inc()
}

// RecordInference records one completed inference call
func (m *Metrics) RecordInference(durationSeconds float64, err bool) {
	m.InferenceDuration.Observe(durationSeconds)
	if err {
		m.InferenceErrors.Inc()
	}
}

// RecordBackpressure increments the backpressure rejections counter
func (m *Metrics) RecordBackpressure() {
	m.BackpressureRejections.Inc()
}

// SetInferenceQueueDepth sets the current worker pool queue depth
func (m *Metrics) SetInferenceQueueDepth(depth int) {
	m.InferenceQueueDepth.Set(float64(depth))
}

// RecordModelLoad records a model load attempt
func (m *Metrics) RecordModelLoad(modelType string, success bool) {
	m.ModelLoads.WithLabelValues(modelType, resultLabel(success)).Inc()
}

// RecordModelUnload records a model unload attempt
func (m *Metrics) RecordModelUnload(modelType string, success bool) {
	m.ModelUnloads.WithLabelValues(modelType, resultLabel(success)).Inc()
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

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
