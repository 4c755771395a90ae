package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement counters and histograms. Outcome labels use failure kinds.

var (
	// Payments
	PaymentsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "payment",
		Name:      "submitted_total",
		Help:      "Total payment requests recorded as awaiting confirmation",
	}, []string{"kind"})

	PaymentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "payment",
		Name:      "finalized_total",
		Help:      "Total payments reaching a terminal status",
	}, []string{"kind", "status"})

	PaymentRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "payment",
		Name:      "rejections_total",
		Help:      "Total payment operations rejected, by failure kind",
	}, []string{"operation", "reason"})

	// Transfers
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "transfer",
		Name:      "executed_total",
		Help:      "Total ledger transfers attempted, by asset kind and outcome",
	}, []string{"asset_kind", "outcome"})

	TransferLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "transfer",
		Name:      "duration_seconds",
		Help:      "Time from build to confirmation of a ledger transfer",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"asset_kind"})

	// Escrow
	EscrowsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "created_total",
		Help:      "Total escrows funded and recorded open",
	})

	EscrowsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "resolved_total",
		Help:      "Total escrows reaching a terminal status",
	}, []string{"status"})

	EscrowSweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "sweep_runs_total",
		Help:      "Total expiry sweep passes",
	})

	EscrowSweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "sweep_duration_seconds",
		Help:      "Expiry sweep pass duration",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	EscrowAuditFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "audit_findings_total",
		Help:      "Total vault audit mismatches, by finding",
	}, []string{"finding"})

	// Idempotency
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "idempotency",
		Name:      "outcomes_total",
		Help:      "Idempotent execution outcomes: executed, cached, failed_cached, waited, timeout",
	}, []string{"outcome"})

	IdempotencyRecordsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "idempotency",
		Name:      "records_purged_total",
		Help:      "Total idempotency records removed by garbage collection",
	})

	// Rate limiting
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by profile and result",
	}, []string{"profile", "result"})

	RateLimitBucketsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "ratelimit",
		Name:      "buckets_evicted_total",
		Help:      "Total inactive rate buckets evicted",
	})

	// Token registry cache
	TokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "token",
		Name:      "cache_hits_total",
		Help:      "Total token resolution cache hits",
	})

	TokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "token",
		Name:      "cache_misses_total",
		Help:      "Total token resolution cache misses",
	})

	// Ledger RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total ledger RPC calls by method and status",
	}, []string{"method", "status"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Ledger RPC call duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times ledger RPC calls waited for the client-side limiter",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Ledger RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"endpoint"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	// Alerts
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total operator alerts dispatched, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the per-subject cooldown",
	}, []string{"channel", "type"})
)
