package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upgrade outcomes
	ComponentUpgradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upctl_component_upgrades_total",
			Help: "Component upgrade attempts by outcome",
		},
		[]string{"component", "outcome"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upctl_rollbacks_total",
			Help: "Automatic and manual rollbacks by outcome",
		},
		[]string{"component", "outcome"},
	)

	UpgradeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upctl_component_upgrade_duration_seconds",
			Help:    "Wall-clock duration of component upgrades",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"component"},
	)

	// Health gate
	HealthCheckAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upctl_health_check_attempts_total",
			Help: "Health check polls by result",
		},
		[]string{"component", "result"},
	)

	// Version resolver
	ResolverCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upctl_resolver_cache_hits_total",
			Help: "Version resolutions served from cache",
		},
	)

	ResolverCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upctl_resolver_cache_misses_total",
			Help: "Version resolutions requiring a remote call",
		},
	)

	// State store
	LockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upctl_lock_wait_seconds",
			Help:    "Time spent waiting for the exclusive state lock",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		ComponentUpgradesTotal,
		RollbacksTotal,
		UpgradeDuration,
		HealthCheckAttempts,
		ResolverCacheHits,
		ResolverCacheMisses,
		LockWaitSeconds,
	)
}

// Handler returns the HTTP handler exposing all registered metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics endpoint on addr. Blocks; callers run it in a
// goroutine for the duration of an apply.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
