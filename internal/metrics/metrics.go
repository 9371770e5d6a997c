package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the upsert engine
type Metrics struct {
	// Coordinator input side
	MessagesConsumed   prometheus.Counter
	ConsumerPollErrors prometheus.Counter
	QueueDepth         prometheus.Gauge

	// Coordinator processing
	BatchesProcessed prometheus.Counter
	BatchFailures    prometheus.Counter
	BatchSize        prometheus.Histogram
	BatchDuration    prometheus.Histogram
	DuplicateInputs  prometheus.Counter
	InvalidInputs    prometheus.Counter
	OutputEvents     *prometheus.CounterVec
	OffsetCommits    prometheus.Counter

	// Key-context store
	KVGetDuration prometheus.Histogram
	KVPutDuration prometheus.Histogram

	// Segment side
	WatermarkOffset       *prometheus.GaugeVec
	UpdateLogAppends      prometheus.Counter
	SegmentUpdatesApplied prometheus.Counter
	SegmentUpdatesDropped prometheus.Counter
}

// New creates and registers all metrics against the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Total records pulled from the input log",
		}),
		ConsumerPollErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "consumer",
			Name:      "poll_errors_total",
			Help:      "Total input log poll failures",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "upsertd",
			Subsystem: "consumer",
			Name:      "queue_depth",
			Help:      "Records currently waiting in the hand-off queue",
		}),
		BatchesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "batches_total",
			Help:      "Total batches processed to completion",
		}),
		BatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "batch_failures_total",
			Help:      "Total batches abandoned before offset commit",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "batch_size",
			Help:      "Records per processed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of one batch cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		DuplicateInputs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "duplicate_inputs_total",
			Help:      "Input records skipped as duplicates or replays",
		}),
		InvalidInputs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "invalid_inputs_total",
			Help:      "Input records dropped by validation",
		}),
		OutputEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "output_events_total",
			Help:      "Events emitted to the output log by kind",
		}, []string{"kind"}),
		OffsetCommits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "coordinator",
			Name:      "offset_commits_total",
			Help:      "Successful input offset commits",
		}),
		KVGetDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "upsertd",
			Subsystem: "kvstore",
			Name:      "multiget_duration_seconds",
			Help:      "Latency of key-context multi-get calls",
			Buckets:   prometheus.DefBuckets,
		}),
		KVPutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "upsertd",
			Subsystem: "kvstore",
			Name:      "multiput_duration_seconds",
			Help:      "Latency of key-context multi-put calls",
			Buckets:   prometheus.DefBuckets,
		}),
		WatermarkOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "upsertd",
			Subsystem: "segment",
			Name:      "watermark_offset",
			Help:      "Highest applied source offset per table and segment",
		}, []string{"table", "segment"}),
		UpdateLogAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "updatelog",
			Name:      "appends_total",
			Help:      "Entries appended to durable update logs",
		}),
		SegmentUpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "segment",
			Name:      "updates_applied_total",
			Help:      "Update entries applied to segment virtual columns",
		}),
		SegmentUpdatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upsertd",
			Subsystem: "segment",
			Name:      "updates_dropped_total",
			Help:      "Segment apply tasks in which at least one entry addressed no row of the hosted segment",
		}),
	}
}
