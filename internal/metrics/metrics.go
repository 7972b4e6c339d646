package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "admission_gateway"

var (
	// RequestsTotal counts evaluated requests per endpoint and verdict.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests evaluated by admission control.",
	}, []string{"endpoint", "verdict"})

	// RequestsBlocked counts denials per reason.
	RequestsBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_blocked_total",
		Help:      "Requests denied per deny reason.",
	}, []string{"reason"})

	// APIKeyUsage counts admitted requests per API key id.
	APIKeyUsage = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_key_usage_total",
		Help:      "Admitted requests per API key id.",
	}, []string{"key_id"})

	// RateLimitDenied counts rate-limit denials per limiter.
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_denied_total",
		Help:      "Rate-limit denials per limiter id.",
	}, []string{"limiter"})

	// RateLimitIdentities tracks live counters across all limiters.
	RateLimitIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_identities",
		Help:      "Client identities with a live rate-limit counter.",
	})

	// AlertsFired counts alert rule firings.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_fired_total",
		Help:      "Alert rule firings per rule and action.",
	}, []string{"rule", "action"})

	// EvaluateDuration records admission latency.
	EvaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluate_duration_seconds",
		Help:      "Admission evaluation latency in seconds.",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	// BlacklistSize tracks blacklist entries.
	BlacklistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blacklist_size",
		Help:      "Current blacklist entries (addresses and ranges).",
	})

	// ActiveCredentials tracks stored credentials per kind.
	ActiveCredentials = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_credentials",
		Help:      "Stored credentials per kind.",
	}, []string{"kind"})

	// SweepRemoved counts entries removed by maintenance sweeps.
	SweepRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_removed_total",
		Help:      "Entries removed by maintenance sweeps per kind.",
	}, []string{"kind"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// JobsEnqueued counts persistence jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Persistence jobs placed into worker channel.",
	}, []string{"kind"})

	// JobsDropped counts persistence jobs discarded.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Persistence jobs discarded without a store write.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Persistence worker job completions.",
	}, []string{"kind", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// StoreBreakerState is 0 closed, 1 half-open, 2 open.
	StoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_breaker_state",
		Help:      "Store circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	// CrowdSecDecisions counts LAPI stream decisions applied to the blacklist.
	CrowdSecDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crowdsec_decisions_total",
		Help:      "CrowdSec decisions applied to the blacklist.",
	}, []string{"action", "origin"})

	// CrowdSecFiltered counts LAPI decisions rejected per filter stage.
	CrowdSecFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crowdsec_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage"})

	// AdminRequests counts admin API calls.
	AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_requests_total",
		Help:      "Admin API calls per route and status.",
	}, []string{"route", "status"})
)
