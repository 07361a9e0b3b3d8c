// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_pipeline"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamDuration prometheus.Histogram

	// Coordinator metrics
	StateTransitions *prometheus.CounterVec
	TurnsCreated     prometheus.Counter
	TurnsCompleted   prometheus.Counter
	TurnsDropped     *prometheus.CounterVec

	// Capture and monitor metrics
	AcquisitionFailures *prometheus.CounterVec
	SilenceDetections   prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioBytesReceived  prometheus.Counter

	// Recognition metrics
	ListeningRuns      *prometheus.CounterVec
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	RecognitionErrors  *prometheus.CounterVec
	FinalLatency       prometheus.Histogram

	// Playback metrics
	UtterancesSpoken    prometheus.Counter
	UtterancesCancelled prometheus.Counter
	UtterancesRejected  prometheus.Counter
	PlaybackQueueDepth  prometheus.Gauge

	// Kafka metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
	KafkaConsumeTotal   *prometheus.CounterVec
	KafkaConsumeErrors  *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions opened",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected voice sessions",
		}),
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of client streams started (websocket connections and gRPC streams)",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open client streams",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of client streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Coordinator metrics
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of voice state transitions",
		}, []string{"from", "to"}),
		TurnsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_created_total",
			Help:      "Total number of conversational turns started",
		}),
		TurnsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of turns completed with a final transcript",
		}),
		TurnsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_dropped_total",
			Help:      "Total number of turns dropped without a final transcript",
		}, []string{"reason"}),

		// Capture and monitor metrics
		AcquisitionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_acquisition_failures_total",
			Help:      "Total number of failed microphone acquisitions",
		}, []string{"reason"}),
		SilenceDetections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_detections_total",
			Help:      "Total number of sustained silences detected",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from clients",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from clients",
		}),

		// Recognition metrics
		ListeningRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listening_runs_total",
			Help:      "Total number of recognition sessions started",
		}, []string{"provider"}),
		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of interim transcripts reported",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts reported",
		}),
		RecognitionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Total number of recognition errors by kind",
		}, []string{"provider", "kind"}),
		FinalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "final_transcript_latency_seconds",
			Help:      "Time from listening start to final transcript",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		// Playback metrics
		UtterancesSpoken: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_spoken_total",
			Help:      "Total number of utterances handed to the synthesizer",
		}),
		UtterancesCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_cancelled_total",
			Help:      "Total number of utterances cancelled or cleared from the queue",
		}),
		UtterancesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_rejected_total",
			Help:      "Total number of utterances rejected because the queue was full",
		}),
		PlaybackQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Number of utterances waiting behind the active one",
		}),

		// Kafka metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
		KafkaConsumeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_consume_total",
			Help:      "Total number of Kafka messages consumed",
		}, []string{"topic"}),
		KafkaConsumeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_consume_errors_total",
			Help:      "Total number of Kafka messages that could not be handled",
		}, []string{"topic", "reason"}),
	}
}

// RecordSessionOpened records a new voice session.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a voice session ending.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordStreamStart records a new gRPC stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a gRPC stream ending.
func (m *Metrics) RecordStreamEnd(durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordStateTransition records a coordinator state change.
func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordTurnCreated records a new turn.
func (m *Metrics) RecordTurnCreated() {
	m.TurnsCreated.Inc()
}

// RecordTurnCompleted records a turn that produced a final transcript.
func (m *Metrics) RecordTurnCompleted() {
	m.TurnsCompleted.Inc()
}

// RecordTurnDropped records a turn abandoned without a final transcript.
func (m *Metrics) RecordTurnDropped(reason string) {
	m.TurnsDropped.WithLabelValues(reason).Inc()
}

// RecordAcquisitionFailure records a failed microphone acquisition.
func (m *Metrics) RecordAcquisitionFailure(reason string) {
	m.AcquisitionFailures.WithLabelValues(reason).Inc()
}

// RecordSilence records a sustained silence detection.
func (m *Metrics) RecordSilence() {
	m.SilenceDetections.Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordListeningStart records a recognition session starting.
func (m *Metrics) RecordListeningStart(provider string) {
	m.ListeningRuns.WithLabelValues(provider).Inc()
}

// RecordPartialTranscript records an interim transcript.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript and its latency from listening start.
func (m *Metrics) RecordFinalTranscript(latencySeconds float64) {
	m.TranscriptsFinal.Inc()
	m.FinalLatency.Observe(latencySeconds)
}

// RecordRecognitionError records a recognition error.
func (m *Metrics) RecordRecognitionError(provider, kind string) {
	m.RecognitionErrors.WithLabelValues(provider, kind).Inc()
}

// RecordUtteranceSpoken records an utterance handed to the synthesizer.
func (m *Metrics) RecordUtteranceSpoken() {
	m.UtterancesSpoken.Inc()
}

// RecordUtterancesCancelled records utterances cut or cleared.
func (m *Metrics) RecordUtterancesCancelled(n int) {
	m.UtterancesCancelled.Add(float64(n))
}

// RecordUtteranceRejected records an utterance refused by a full queue.
func (m *Metrics) RecordUtteranceRejected() {
	m.UtterancesRejected.Inc()
}

// SetQueueDepth sets the playback queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	m.PlaybackQueueDepth.Set(float64(n))
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordKafkaConsume records a consumed Kafka message.
func (m *Metrics) RecordKafkaConsume(topic string) {
	m.KafkaConsumeTotal.WithLabelValues(topic).Inc()
}

// RecordKafkaConsumeError records a consumed message that could not be handled.
func (m *Metrics) RecordKafkaConsumeError(topic, reason string) {
	m.KafkaConsumeErrors.WithLabelValues(topic, reason).Inc()
}
