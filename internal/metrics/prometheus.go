package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-agent-service/internal/pool"
)

const namespace = "voice_agent"

// Stage labels used for stage duration and failure metrics
const (
	StageTransport     = "transport"
	StageSegmentation  = "segmentation"
	StageTranscription = "transcription"
	StageReply         = "reply"
	StageSynthesis     = "synthesis"
	StageSend          = "send"
)

// Metrics contains all Prometheus metrics for the voice agent service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Inbound frame metrics
	FramesReceived     *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	AudioBytesReceived prometheus.Counter

	// Segmentation metrics
	UtterancesSegmented prometheus.Counter
	UtterancesTruncated prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Pipeline stage metrics
	StageDuration  *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec
	TurnsCompleted prometheus.Counter
	TurnsSkipped   *prometheus.CounterVec
	AudioSent      prometheus.Counter
	AudioBytesSent prometheus.Counter

	// Worker pool metrics
	PoolQueueDepth   prometheus.Gauge
	PoolWait         *prometheus.HistogramVec
	PoolTaskDuration *prometheus.HistogramVec
	PoolRejected     *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of open voice sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of connections rejected at capacity",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of voice sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Inbound frame metrics
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of inbound messages, by kind",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames dropped, by reason",
		}, []string{"reason"}),
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_received_bytes_total",
			Help:      "Total bytes of inbound audio",
		}),

		// Segmentation metrics
		UtterancesSegmented: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total number of utterances segmented",
		}),
		UtterancesTruncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_truncated_total",
			Help:      "Total number of utterances closed by the duration cap",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of segmented utterances",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),

		// Pipeline stage metrics
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of non-fatal pipeline stage failures",
		}, []string{"stage"}),
		TurnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of user turns answered",
		}),
		TurnsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_skipped_total",
			Help:      "Total number of utterances that produced no turn, by reason",
		}, []string{"reason"}),
		AudioSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_messages_sent_total",
			Help:      "Total number of synthesized audio messages sent",
		}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_sent_bytes_total",
			Help:      "Total bytes of synthesized audio sent",
		}),

		// Worker pool metrics
		PoolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Current number of tasks waiting for a worker",
		}),
		PoolWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_wait_seconds",
			Help:      "Time tasks spent queued before a worker picked them up",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"kind"}),
		PoolTaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_task_duration_seconds",
			Help:      "Runtime of worker pool tasks",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind", "outcome"}),
		PoolRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejected_total",
			Help:      "Total number of submissions refused by the worker pool",
		}, []string{"kind", "reason"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated counts a new session and sets the active gauge
func (m *Metrics) RecordSessionCreated(active int) {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionRejected counts a connection refused at capacity
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordSessionClosed counts a closed session and records its duration
func (m *Metrics) RecordSessionClosed(reason string, duration time.Duration, active int) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
	m.ActiveSessions.Set(float64(active))
}

// RecordFrame counts an inbound message of the given kind
func (m *Metrics) RecordFrame(kind string, size int) {
	m.FramesReceived.WithLabelValues(kind).Inc()
	if kind == "audio" {
		m.AudioBytesReceived.Add(float64(size))
	}
}

// RecordFrameDropped counts a frame discarded before segmentation
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordUtterance records a segmented utterance
func (m *Metrics) RecordUtterance(duration time.Duration, truncated bool) {
	m.UtterancesSegmented.Inc()
	m.UtteranceDuration.Observe(duration.Seconds())
	if truncated {
		m.UtterancesTruncated.Inc()
	}
}

// RecordStage records the duration of a finished pipeline stage
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageFailure counts a non-fatal stage failure
func (m *Metrics) RecordStageFailure(stage string) {
	m.StageFailures.WithLabelValues(stage).Inc()
}

// RecordTurnCompleted counts an answered user turn
func (m *Metrics) RecordTurnCompleted() {
	m.TurnsCompleted.Inc()
}

// RecordTurnSkipped counts an utterance that produced no turn
func (m *Metrics) RecordTurnSkipped(reason string) {
	m.TurnsSkipped.WithLabelValues(reason).Inc()
}

// RecordAudioSent records one outbound audio message
func (m *Metrics) RecordAudioSent(size int) {
	m.AudioSent.Inc()
	m.AudioBytesSent.Add(float64(size))
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

// ObservePoolQueue implements pool.Observer
func (m *Metrics) ObservePoolQueue(depth int) {
	m.PoolQueueDepth.Set(float64(depth))
}

// ObservePoolTaskStarted implements pool.Observer
func (m *Metrics) ObservePoolTaskStarted(kind pool.Kind, wait time.Duration) {
	m.PoolWait.WithLabelValues(string(kind)).Observe(wait.Seconds())
}

// ObservePoolTaskFinished implements pool.Observer
func (m *Metrics) ObservePoolTaskFinished(kind pool.Kind, runtime time.Duration, outcome string) {
	m.PoolTaskDuration.WithLabelValues(string(kind), outcome).Observe(runtime.Seconds())
}

// ObservePoolRejected implements pool.Observer
func (m *Metrics) ObservePoolRejected(kind pool.Kind, reason string) {
	m.PoolRejected.WithLabelValues(string(kind), reason).Inc()
}

var _ pool.Observer = (*Metrics)(nil)
