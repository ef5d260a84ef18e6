package pool

import "github.com/go-i2p/poolbench/lib/metrics"

// Pool metrics, labeled by pool name.
var (
	// PoolConnectionsTotal is the maximum pool size.
	PoolConnectionsTotal = metrics.NewGaugeVec(
		"poolbench_pool_connections_max",
		"Maximum number of connections in the pool",
		"pool",
	)
	// PoolConnectionsOpen is the current number of open connections.
	PoolConnectionsOpen = metrics.NewGaugeVec(
		"poolbench_pool_connections_open",
		"Current number of open connections",
		"pool",
	)
	// PoolConnectionsIdle is the current number of idle connections.
	PoolConnectionsIdle = metrics.NewGaugeVec(
		"poolbench_pool_connections_idle",
		"Current number of idle connections in the pool",
		"pool",
	)
	// PoolConnectionsInUse is the number of connections currently in use.
	PoolConnectionsInUse = metrics.NewGaugeVec(
		"poolbench_pool_connections_in_use",
		"Number of connections currently in use",
		"pool",
	)
	// PoolWaiters is the number of callers blocked in Acquire.
	PoolWaiters = metrics.NewGaugeVec(
		"poolbench_pool_waiters",
		"Number of callers waiting for a connection",
		"pool",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounterVec(
		"poolbench_pool_acquire_total",
		"Total number of connection acquire attempts",
		"pool",
	)
	// PoolAcquireFailedTotal is the number of failed acquires.
	PoolAcquireFailedTotal = metrics.NewCounterVec(
		"poolbench_pool_acquire_failed_total",
		"Total number of failed connection acquires",
		"pool",
	)
	// PoolAcquireTimeoutTotal is the number of acquires that timed out.
	PoolAcquireTimeoutTotal = metrics.NewCounterVec(
		"poolbench_pool_acquire_timeout_total",
		"Total number of connection acquires that timed out",
		"pool",
	)
	// PoolReleaseTotal is the number of releases.
	PoolReleaseTotal = metrics.NewCounterVec(
		"poolbench_pool_release_total",
		"Total number of connection releases",
		"pool",
	)
	// PoolCreateFailedTotal is the number of failed connection creations.
	PoolCreateFailedTotal = metrics.NewCounterVec(
		"poolbench_pool_create_failed_total",
		"Total number of failed connection creations",
		"pool",
	)
	// PoolValidationFailedTotal is the number of validation failures.
	PoolValidationFailedTotal = metrics.NewCounterVec(
		"poolbench_pool_validation_failed_total",
		"Total number of connections that failed validation",
		"pool",
	)
	// PoolEvictedTotal is the number of idle connections evicted.
	PoolEvictedTotal = metrics.NewCounterVec(
		"poolbench_pool_evicted_total",
		"Total number of idle connections evicted",
		"pool",
	)
	// PoolAcquireLatency tracks time spent acquiring connections across
	// all pools.
	PoolAcquireLatency = metrics.NewHistogram(
		"poolbench_pool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the gauges of the pool named in stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsTotal.With(stats.Name).Set(int64(stats.MaxSize))
	PoolConnectionsOpen.With(stats.Name).Set(int64(stats.NumOpen))
	PoolConnectionsIdle.With(stats.Name).Set(int64(stats.NumIdle))
	PoolConnectionsInUse.With(stats.Name).Set(int64(stats.NumInUse))
	PoolWaiters.With(stats.Name).Set(int64(stats.NumWaiting))
}
