package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the listener. Record methods
// are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram

	// Frame and VAD metrics
	FramesProcessed prometheus.Counter
	SpeechFrames    prometheus.Counter
	FramesRejected  prometheus.Counter
	AudioUnderruns  prometheus.Counter

	// Segment metrics
	SegmentsAssembled *prometheus.CounterVec
	SegmentDuration   prometheus.Histogram

	// Transcription metrics
	TranscriptionQueueDepth prometheus.Gauge
	TranscriptionAttempts   *prometheus.CounterVec
	TranscriptionDuration   *prometheus.HistogramVec
	BackendTripped          *prometheus.GaugeVec
	BackendsExhausted       prometheus.Counter
	ResultsEmitted          *prometheus.CounterVec

	// Worker pool metrics
	WorkersReady         prometheus.Gauge
	WorkerRestarts       prometheus.Counter
	WorkerKills          *prometheus.CounterVec
	WorkerStaleResponses prometheus.Counter

	// Downstream metrics
	WebsocketClients prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// selects the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_packet_queue_size",
			Help: "Current number of packets in processing queues",
		}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_active_streams",
			Help: "Current number of active audio streams",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_streams_created_total",
			Help: "Total number of streams created",
		}),
		StreamsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_streams_destroyed_total",
			Help: "Total number of streams destroyed",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_stream_duration_seconds",
			Help:    "Duration of audio streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_frames_processed_total",
			Help: "Total number of audio frames run through the detector",
		}),
		SpeechFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_speech_frames_total",
			Help: "Total number of frames classified as speech",
		}),
		FramesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_frames_rejected_total",
			Help: "Total number of out-of-order or malformed frames dropped",
		}),
		AudioUnderruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_audio_underruns_total",
			Help: "Total number of detected gaps in the frame feed",
		}),

		SegmentsAssembled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_segments_assembled_total",
			Help: "Total number of speech segments by end reason",
		}, []string{"reason"}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_segment_duration_seconds",
			Help:    "Duration of assembled speech segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),

		TranscriptionQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_transcription_queue_depth",
			Help: "Segments submitted but not yet emitted",
		}),
		TranscriptionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_transcription_attempts_total",
			Help: "Transcription attempts by backend and outcome",
		}, []string{"backend", "outcome"}),
		TranscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listener_transcription_duration_seconds",
			Help:    "Duration of transcription attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"backend"}),
		BackendTripped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "listener_backend_tripped",
			Help: "1 while a backend is skipped after repeated failures",
		}, []string{"backend"}),
		BackendsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_backends_exhausted_total",
			Help: "Segments for which every backend failed or was skipped",
		}),
		ResultsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_results_emitted_total",
			Help: "Results emitted downstream by producing backend",
		}, []string{"backend"}),

		WorkersReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_workers_ready",
			Help: "Worker processes currently ready or busy",
		}),
		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_worker_restarts_total",
			Help: "Total number of worker process replacements",
		}),
		WorkerKills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_worker_kills_total",
			Help: "Worker processes killed by the supervisor, by reason",
		}, []string{"reason"}),
		WorkerStaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_worker_stale_responses_total",
			Help: "Worker responses dropped for unknown or expired request ids",
		}),

		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_websocket_clients",
			Help: "Connected transcript websocket subscribers",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listener_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	if m == nil {
		return
	}
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.StreamsDestroyed.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordFrame counts a frame run through the detector
func (m *Metrics) RecordFrame(speech bool) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	if speech {
		m.SpeechFrames.Inc()
	}
}

// RecordFrameRejected counts a dropped frame
func (m *Metrics) RecordFrameRejected() {
	if m == nil {
		return
	}
	m.FramesRejected.Inc()
}

// RecordUnderrun counts a gap in the frame feed
func (m *Metrics) RecordUnderrun() {
	if m == nil {
		return
	}
	m.AudioUnderruns.Inc()
}

// RecordSegment records an assembled segment
func (m *Metrics) RecordSegment(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SegmentsAssembled.WithLabelValues(reason).Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// SetTranscriptionQueueDepth sets the number of segments awaiting emission
func (m *Metrics) SetTranscriptionQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.TranscriptionQueueDepth.Set(float64(depth))
}

// RecordTranscriptionAttempt records one backend attempt
func (m *Metrics) RecordTranscriptionAttempt(backend, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionAttempts.WithLabelValues(backend, outcome).Inc()
	m.TranscriptionDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// SetBackendTripped flags a backend as skipped or healthy
func (m *Metrics) SetBackendTripped(backend string, tripped bool) {
	if m == nil {
		return
	}
	v := 0.0
	if tripped {
		v = 1
	}
	m.BackendTripped.WithLabelValues(backend).Set(v)
}

// RecordBackendsExhausted counts a segment no backend could serve
func (m *Metrics) RecordBackendsExhausted() {
	if m == nil {
		return
	}
	m.BackendsExhausted.Inc()
}

// RecordResultEmitted counts a result handed downstream
func (m *Metrics) RecordResultEmitted(backend string) {
	if m == nil {
		return
	}
	m.ResultsEmitted.WithLabelValues(backend).Inc()
}

// SetWorkersReady sets the number of live workers
func (m *Metrics) SetWorkersReady(count int) {
	if m == nil {
		return
	}
	m.WorkersReady.Set(float64(count))
}

// RecordWorkerRestart counts a worker replacement
func (m *Metrics) RecordWorkerRestart() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

// RecordWorkerKill counts a supervisor-initiated kill
func (m *Metrics) RecordWorkerKill(reason string) {
	if m == nil {
		return
	}
	m.WorkerKills.WithLabelValues(reason).Inc()
}

// RecordStaleResponse counts a dropped worker response
func (m *Metrics) RecordStaleResponse() {
	if m == nil {
		return
	}
	m.WorkerStaleResponses.Inc()
}

// SetWebsocketClients sets the number of transcript subscribers
func (m *Metrics) SetWebsocketClients(count int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
