package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LimiterConcurrency tracks current and target concurrency of the rate limiter
	LimiterConcurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roundwatcher_limiter_concurrency",
			Help: "Concurrency limit of the adaptive rate limiter",
		},
		[]string{"kind"},
	)

	// LimiterEvents counts task outcomes seen by the rate limiter
	LimiterEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundwatcher_limiter_events_total",
			Help: "Total number of tasks settled by the rate limiter",
		},
		[]string{"outcome"},
	)

	// LimiterBackoff tracks the current backoff pause
	LimiterBackoff = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_limiter_backoff_seconds",
			Help: "Current rate limit backoff in seconds",
		},
	)

	// LimiterQueued tracks tasks waiting for admission
	LimiterQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_limiter_queued",
			Help: "Tasks waiting for a concurrency slot",
		},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roundwatcher_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// BatchFlushSize tracks the number of requests per flushed batch
	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roundwatcher_batch_flush_size",
			Help:    "Number of requests per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	// BatchErrors tracks failed flushes and unmatched responses
	BatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundwatcher_batch_errors_total",
			Help: "Total number of batch failures",
		},
		[]string{"type"},
	)

	// ResolverProbes counts block probes made by the timestamp resolver
	ResolverProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundwatcher_resolver_probes_total",
			Help: "Total number of block probes by source",
		},
		[]string{"source"},
	)

	// RoundsIndexed tracks settled rounds by outcome
	RoundsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundwatcher_rounds_indexed_total",
			Help: "Total number of rounds settled by the indexer",
		},
		[]string{"outcome"},
	)

	// RoundIndexDuration tracks how long one round takes to index
	RoundIndexDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roundwatcher_round_index_duration_seconds",
			Help:    "Time spent indexing a single round",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// BoostedTransactions counts boosted transactions found
	BoostedTransactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roundwatcher_boosted_transactions_total",
			Help: "Total number of boosted transactions indexed",
		},
	)

	// QueueDepth tracks queue sizes of the indexer and orchestrator
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roundwatcher_queue_depth",
			Help: "Number of rounds waiting in a queue",
		},
		[]string{"queue"},
	)

	// OngoingRounds tracks rounds followed by the ongoing tracker
	OngoingRounds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_ongoing_rounds",
			Help: "Number of rounds still open and being tracked",
		},
	)

	// LatestRound tracks the newest round seen from the source
	LatestRound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_latest_round",
			Help: "Newest round reported by the round source",
		},
	)

	// LastIndexedRound tracks the newest round indexed
	LastIndexedRound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_last_indexed_round",
			Help: "Newest round completed by the indexer",
		},
	)

	// GapsDetected tracks gap rounds found by the last scan
	GapsDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_gap_rounds",
			Help: "Unindexed rounds found by the last gap scan",
		},
	)

	// DBConnectionPoolUsage tracks database connection pool utilization
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundwatcher_db_connection_pool_usage_percent",
			Help: "Percentage of database connections in use",
		},
	)
)
