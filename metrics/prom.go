package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_paste_deleted_total",
		Help: "no. of pastes deleted by callers",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_cache_misses_total",
		Help: "no. of reads that reached the store",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastevault_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_rate_limit_hits_total",
			Help: "no. of rate limit denials",
		},
		[]string{"kind"},
	)
	SweepCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_sweep_cycles_total",
			Help: "no. of retention sweeps by outcome",
		},
		[]string{"outcome"},
	)
	PastesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_pastes_purged_total",
		Help: "no. of expired pastes removed by the sweeper",
	})
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_auth_failures_total",
			Help: "no. of failed authentication attempts",
		},
		[]string{"reason"},
	)
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_token_pairs_issued_total",
		Help: "no. of access/refresh pairs minted",
	})
	DenylistRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_denylist_rejected_total",
		Help: "revocations refused because the in-memory denylist was full",
	})
	LimiterClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastevault_rate_limiter_clients",
		Help: "clients currently tracked by the local rate limiter",
	})
)
