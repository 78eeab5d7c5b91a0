package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_paste_viewed_total",
		Help: "no. of successful paste views",
	})
	PasteExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burnbin_paste_expired_total",
			Help: "no. of pastes transitioned to EXPIRED",
		},
		[]string{"cause"},
	)
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_sweep_cycles_total",
		Help: "no. of expiry sweeper cycles",
	})
	SweepTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_sweep_transitions_total",
		Help: "no. of pastes expired by the sweeper",
	})
	TerminalCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_terminal_cache_hits_total",
		Help: "no. of unavailable pastes rejected from the terminal cache",
	})
	TerminalCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_terminal_cache_misses_total",
		Help: "no. of terminal cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burnbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burnbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "burnbin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
