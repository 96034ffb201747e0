package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the radio ingestion service.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Receiver metrics
	FramesReceived *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	ReceiveErrors  *prometheus.CounterVec
	QueueSize      prometheus.Gauge

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram

	// VAD metrics
	VADFramesProcessed prometheus.Counter
	VADFramesActive    prometheus.Counter

	// Segmentation metrics
	SegmentsEmitted *prometheus.CounterVec
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram

	// Conversation metrics
	ConversationsOpened prometheus.Counter
	ConversationsClosed *prometheus.CounterVec
	TranscriptsParked   prometheus.Counter
	TranscriptsApplied  prometheus.Counter

	// Signal metrics
	SignalsEvaluated *prometheus.CounterVec
	SignalConfidence prometheus.Histogram

	// Incident metrics
	IncidentsCreated    prometheus.Counter
	IncidentsLinked     *prometheus.CounterVec
	IncidentTransitions *prometheus.CounterVec
	DistanceLookups     *prometheus.CounterVec

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// Output metrics
	EventsPublished *prometheus.CounterVec
	WSClients       prometheus.Gauge

	// Scheduler metrics
	SchedulerSweeps        prometheus.Counter
	SchedulerSweepDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_frames_received_total",
			Help: "Total number of audio frames received",
		}, []string{"channel"}),
		BytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_bytes_received_total",
			Help: "Total number of raw audio bytes received",
		}, []string{"channel"}),
		ReceiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_receive_errors_total",
			Help: "Total number of receiver errors",
		}, []string{"channel", "error_type"}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "ems_frame_queue_size",
			Help: "Frames waiting in channel worker queues",
		}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "ems_active_streams",
			Help: "Current number of active channel workers",
		}),
		StreamsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_streams_created_total",
			Help: "Total number of channel workers created",
		}),
		StreamsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_streams_destroyed_total",
			Help: "Total number of channel workers destroyed",
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_stream_duration_seconds",
			Help:    "Lifetime of channel workers in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2 hours
		}),

		VADFramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_vad_frames_processed_total",
			Help: "Total number of frames evaluated by the energy detector",
		}),
		VADFramesActive: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_vad_frames_active_total",
			Help: "Total number of frames classified as active",
		}),

		SegmentsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_segments_emitted_total",
			Help: "Total number of segments emitted",
		}, []string{"reason"}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_segment_duration_seconds",
			Help:    "Duration of emitted segments",
			Buckets: prometheus.LinearBuckets(2.5, 2.5, 12), // 2.5s to 30s
		}),
		SegmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_segment_size_bytes",
			Help:    "Size of emitted WAV payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12),
		}),

		ConversationsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_conversations_opened_total",
			Help: "Total number of conversations opened",
		}),
		ConversationsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_conversations_closed_total",
			Help: "Total number of conversations closed, by final status",
		}, []string{"status"}),
		TranscriptsParked: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_transcripts_parked_total",
			Help: "Transcripts that arrived before their segment",
		}),
		TranscriptsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_transcripts_applied_total",
			Help: "Transcripts attached to a conversation segment",
		}),

		SignalsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_signals_evaluated_total",
			Help: "Signal evaluations, by outcome",
		}, []string{"outcome"}),
		SignalConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_signal_confidence",
			Help:    "Confidence of signal evaluations",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		IncidentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_incidents_created_total",
			Help: "Total number of incidents created from dispatch events",
		}),
		IncidentsLinked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_incidents_linked_total",
			Help: "Incidents linked to a conversation, by ETA source",
		}, []string{"eta_source"}),
		IncidentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_incident_transitions_total",
			Help: "Incident status transitions, by target status",
		}, []string{"status"}),
		DistanceLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_distance_lookups_total",
			Help: "Distance lookups, by result",
		}, []string{"result"}),

		TranscriptionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_events_published_total",
			Help: "Events published to the bus, by topic and result",
		}, []string{"topic", "result"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "ems_websocket_clients",
			Help: "Connected live event feed clients",
		}),

		SchedulerSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "ems_scheduler_sweeps_total",
			Help: "Total number of lifecycle sweeps",
		}),
		SchedulerSweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_scheduler_sweep_duration_seconds",
			Help:    "Duration of lifecycle sweeps",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ems_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameReceived counts a received frame and its bytes
func (m *Metrics) RecordFrameReceived(channel string, size int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(channel).Inc()
	m.BytesReceived.WithLabelValues(channel).Add(float64(size))
}

// RecordReceiveError counts a receiver failure
func (m *Metrics) RecordReceiveError(channel, errorType string) {
	if m == nil {
		return
	}
	m.ReceiveErrors.WithLabelValues(channel, errorType).Inc()
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

// RecordVADFrame counts an evaluated frame
func (m *Metrics) RecordVADFrame(active bool) {
	if m == nil {
		return
	}
	m.VADFramesProcessed.Inc()
	if active {
		m.VADFramesActive.Inc()
	}
}

// RecordSegmentEmitted records a finalized segment. reason is silence, max_duration or flush.
func (m *Metrics) RecordSegmentEmitted(reason string, durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.WithLabelValues(reason).Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
}

func (m *Metrics) RecordConversationOpened() {
	if m == nil {
		return
	}
	m.ConversationsOpened.Inc()
}

func (m *Metrics) RecordConversationClosed(status string) {
	if m == nil {
		return
	}
	m.ConversationsClosed.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordTranscriptParked() {
	if m == nil {
		return
	}
	m.TranscriptsParked.Inc()
}

func (m *Metrics) RecordTranscriptApplied() {
	if m == nil {
		return
	}
	m.TranscriptsApplied.Inc()
}

// RecordSignal records a detector outcome: none, requested, ambiguous or physician_only
func (m *Metrics) RecordSignal(outcome string, confidence float64) {
	if m == nil {
		return
	}
	m.SignalsEvaluated.WithLabelValues(outcome).Inc()
	m.SignalConfidence.Observe(confidence)
}

func (m *Metrics) RecordIncidentCreated() {
	if m == nil {
		return
	}
	m.IncidentsCreated.Inc()
}

func (m *Metrics) RecordIncidentLinked(etaSource string) {
	if m == nil {
		return
	}
	m.IncidentsLinked.WithLabelValues(etaSource).Inc()
}

func (m *Metrics) RecordIncidentTransition(status string) {
	if m == nil {
		return
	}
	m.IncidentTransitions.WithLabelValues(status).Inc()
}

// RecordDistanceLookup records a lookup result: success, failure, cache_hit
func (m *Metrics) RecordDistanceLookup(result string) {
	if m == nil {
		return
	}
	m.DistanceLookups.WithLabelValues(result).Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

func (m *Metrics) RecordEventPublished(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) SetWSClients(count int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(count))
}

func (m *Metrics) RecordSweep(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SchedulerSweeps.Inc()
	m.SchedulerSweepDuration.Observe(durationSeconds)
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
