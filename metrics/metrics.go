package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Discard reasons used as label values of FramesDiscarded.
const (
	ReasonBadMagic       = "bad_magic"
	ReasonInvalidOptions = "invalid_options"
	ReasonEmptyPayload   = "empty_payload"
	ReasonOther          = "other"
)

// Metrics contains all Prometheus metrics of the scanner backend.
type Metrics struct {
	// UDP ingest
	DatagramsReceived prometheus.Counter
	DatagramsDropped  prometheus.Counter
	BytesReceived     prometheus.Counter

	// Sessions
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionTimeouts prometheus.Counter

	// Frames
	FramesDecoded   prometheus.Counter
	FramesDiscarded *prometheus.CounterVec

	// Aggregation
	EventQueueLength prometheus.Gauge
	AggregateResets  prometheus.Counter
	AggregateFolds   prometheus.Counter
	LivenessLost     prometheus.Counter
	ResultsFiltered  prometheus.Counter
	StoreLatency     prometheus.Histogram

	// Outbound configuration
	ConfigFramesSent   prometheus.Counter
	ConfigFramesFailed prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		DatagramsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_datagrams_dropped_total",
			Help: "Datagrams dropped because the session queue was full",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_bytes_received_total",
			Help: "Total number of UDP payload bytes received",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "whitespace_active_sessions",
			Help: "Current number of live sender sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_sessions_created_total",
			Help: "Total number of sender sessions created",
		}),
		SessionTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_session_timeouts_total",
			Help: "Sessions retired because their sender went silent",
		}),
		FramesDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_frames_decoded_total",
			Help: "Frames decoded into scan results",
		}),
		FramesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "whitespace_frames_discarded_total",
			Help: "Frames discarded by the protocol state machine",
		}, []string{"reason"}),
		EventQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "whitespace_event_queue_length",
			Help: "Scan results waiting for the aggregation engine",
		}),
		AggregateResets: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_aggregate_resets_total",
			Help: "Aggregates restarted from a single report",
		}),
		AggregateFolds: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_aggregate_folds_total",
			Help: "Reports folded into an existing aggregate",
		}),
		LivenessLost: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_liveness_lost_total",
			Help: "Senders marked as not alive",
		}),
		ResultsFiltered: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_results_filtered_total",
			Help: "Scan results ignored by the configured filters",
		}),
		StoreLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "whitespace_store_write_duration_seconds",
			Help:    "Time spent persisting one aggregate update",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}),
		ConfigFramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_config_frames_sent_total",
			Help: "Configuration frames sent to boards",
		}),
		ConfigFramesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "whitespace_config_frames_failed_total",
			Help: "Configuration frames that could not be sent",
		}),
	}
}

// NewUnregistered returns metrics backed by a throwaway registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
