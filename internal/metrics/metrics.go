package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source pool metrics
var (
	SourceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tidepool_source_state",
		Help: "Number of sources per health state",
	}, []string{"state"})

	SourceQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tidepool_source_query_duration_seconds",
		Help:    "Per-source query duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source"})
)

// Pipeline metrics
var (
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidepool_events_processed_total",
		Help: "Total number of records through the pipeline by outcome",
	}, []string{"outcome"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidepool_active_subscriptions",
		Help: "Number of distinct live subscriptions in the registry",
	})

	AttachedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidepool_attached_subscribers",
		Help: "Number of callers attached across all subscriptions",
	})
)

// Cache metrics
var (
	SnapshotCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidepool_snapshot_cache_total",
		Help: "Snapshot cache lookups by result",
	}, []string{"result"}) // hit, miss, expired

	CacheWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidepool_cache_write_failures_total",
		Help: "Total number of best-effort snapshot writes that failed",
	})
)

// Aggregate metrics
var (
	ReconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidepool_reconciliations_total",
		Help: "Total number of slow-path aggregate reconciliations",
	})

	OptimisticDeltas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidepool_optimistic_deltas",
		Help: "Number of unconfirmed optimistic deltas outstanding",
	})

	TrackedAggregates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tidepool_tracked_aggregates",
		Help: "Number of aggregate snapshots currently tracked",
	})
)

// Outbox metrics
var (
	OutboxResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidepool_outbox_resolutions_total",
		Help: "Outbox resolutions by outcome",
	}, []string{"outcome"}) // cached, fetched, fallback
)

// Pipeline outcome label values
const (
	OutcomeAccepted        = "accepted"
	OutcomeDuplicate       = "duplicate"
	OutcomeMuted           = "muted"
	OutcomeFanout          = "fanout_excluded"
	OutcomeReplyFiltered   = "reply_filtered"
	OutcomeContextFiltered = "context_filtered"
	OutcomeRepostDropped   = "repost_dropped"
)
