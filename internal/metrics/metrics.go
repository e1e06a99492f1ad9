// Package metrics holds the listener's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the listener pipeline.
type Metrics struct {
	// Capture and scheduling
	BlocksCaptured    prometheus.Counter
	SnapshotsEnqueued prometheus.Counter
	QueueDepth        prometheus.Gauge
	WindowsCooldown   prometheus.Counter

	// Classification
	PreprocessFailures prometheus.Counter
	InferenceFailures  prometheus.Counter
	InferenceDuration  prometheus.Histogram
	Classifications    *prometheus.CounterVec
	Confidence         prometheus.Histogram
	BreakerState       prometheus.Gauge

	// Voting and emission
	ObservationsInWindow prometheus.Gauge
	MajorityChecks       *prometheus.CounterVec
	VerdictsEmitted      *prometheus.CounterVec
	VerdictsSuppressed   *prometheus.CounterVec
	SendFailures         prometheus.Counter

	// Bridge
	BridgeMessages *prometheus.CounterVec
	BridgeClients  prometheus.Gauge
}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BlocksCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "listener_blocks_captured_total",
			Help: "Audio blocks delivered by the capture device",
		}),
		SnapshotsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "listener_snapshots_enqueued_total",
			Help: "Buffer snapshots handed to the classification queue",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "listener_queue_depth",
			Help: "Snapshots waiting for classification",
		}),
		WindowsCooldown: f.NewCounter(prometheus.CounterOpts{
			Name: "listener_windows_dropped_cooldown_total",
			Help: "Snapshots dropped because the detection cooldown was active",
		}),
		PreprocessFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "listener_preprocess_failures_total",
			Help: "Snapshots rejected by the preprocessor",
		}),
		InferenceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "listener_inference_failures_total",
			Help: "Classifier calls that returned an error",
		}),
		InferenceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_inference_duration_seconds",
			Help:    "Time spent in the classifier per window",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_classifications_total",
			Help: "Classification results by label",
		}, []string{"label"}),
		Confidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_classification_confidence",
			Help:    "Top-class confidence per window",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "listener_inference_breaker_state",
			Help: "Inference circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
		ObservationsInWindow: f.NewGauge(prometheus.GaugeOpts{
			Name: "listener_observations_in_window",
			Help: "Positive observations currently in the voting window",
		}),
		MajorityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_majority_checks_total",
			Help: "Periodic majority checks by outcome",
		}, []string{"outcome"}),
		VerdictsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_verdicts_emitted_total",
			Help: "Verdicts sent to the downstream consumer",
		}, []string{"label"}),
		VerdictsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_verdicts_suppressed_total",
			Help: "Majority verdicts not sent, by reason",
		}, []string{"reason"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "listener_send_failures_total",
			Help: "Verdict datagrams that failed to send",
		}),
		BridgeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_bridge_messages_total",
			Help: "Bridge messages handled, by transport and type",
		}, []string{"transport", "type"}),
		BridgeClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "listener_bridge_ws_clients",
			Help: "Connected WebSocket bridge clients",
		}),
	}
}

// Check outcomes for MajorityChecks.
const (
	OutcomeEmpty      = "empty"
	OutcomeNoMajority = "no_majority"
	OutcomeMajority   = "majority"
)
