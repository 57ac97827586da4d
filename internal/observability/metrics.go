package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendVault.
type Metrics struct {
	// --- Core ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreInstructions   *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Vault ---
	CounterOfferBookSize prometheus.Gauge
	CounterOfferEvicted  prometheus.Counter
	OutstandingDebt      prometheus.Gauge
	Liquidations         *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceRejected *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten       prometheus.Counter
	PersistInstructionsWritten prometheus.Counter
	PersistBatchSize           prometheus.Histogram
	PersistBatchDur            prometheus.Histogram
	PersistErrors              *prometheus.CounterVec
	PersistRetry               prometheus.Counter
	PersistLastSequence        prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur    prometheus.Histogram
	ProjectionLastSequence prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the daemon and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}
	ioBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_core_events_applied_total",
			Help: "Messages successfully applied by the core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_core_events_rejected_total",
			Help: "Messages rejected (duplicate, sequence, vault error)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lendvault_core_event_apply_duration_seconds",
			Help:    "Time to apply a single message in the core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreInstructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_core_instructions_total",
			Help: "Outgoing host instructions emitted",
		}, []string{"instruction_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_core_sequence",
			Help: "Next global sequence number",
		}),

		CounterOfferBookSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_counter_offer_book_size",
			Help: "Entries in the counter offer book",
		}),

		CounterOfferEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_counter_offer_evictions_total",
			Help: "Counter offers evicted by a more competitive offer",
		}),

		OutstandingDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_outstanding_debt_present",
			Help: "1 while the vault carries outstanding debt",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_liquidations_total",
			Help: "Liquidation calls by outcome",
		}, []string{"outcome"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lendvault_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lendvault_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_publish_drops_total",
			Help: "Instruction batches dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_idempotency_duplicates_total",
			Help: "Duplicate messages detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_dedup_tier2_errors_total",
			Help: "Failed postgres idempotency lookups",
		}),

		EventSequenceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_event_sequence_rejected_total",
			Help: "Messages rejected by account sequence validation",
		}, []string{"kind"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_ingest_messages_total",
			Help: "Execute messages received by surface and outcome",
		}, []string{"surface", "outcome"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_rate_limited_total",
			Help: "Execute submissions rejected by the per-sender rate limit",
		}, []string{"surface"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_persist_events_written_total",
			Help: "Messages written to the event log",
		}),

		PersistInstructionsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_persist_instructions_written_total",
			Help: "Instructions written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendvault_persist_batch_size",
			Help:    "Messages per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendvault_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_persist_retries_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_persist_last_sequence",
			Help: "Highest sequence committed to the event log",
		}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendvault_projection_update_duration_seconds",
			Help:    "Time to apply one output to the projections",
			Buckets: ioBuckets,
		}),

		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_projection_last_sequence",
			Help: "Highest sequence applied to the projections",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendvault_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_snapshot_size_bytes",
			Help: "Size of the latest snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lendvault_replay_events_total",
			Help: "Messages replayed from the event log on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lendvault_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lendvault_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: ioBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lendvault_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "error_type"}),
	}
}

// ObserveChannel records the fill level of a buffered channel.
func (m *Metrics) ObserveChannel(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
