// Package pool provides a generic, bounded connection pool for physical
// connections to a backing resource such as a database.
//
// The pool supports:
//   - A hard cap on open connections (idle + in use)
//   - A warm idle set of at least MinIdle connections
//   - Validation on borrow and on return
//   - Periodic eviction of connections idle longer than IdleTimeout
//   - FIFO hand-off to blocked acquirers
//   - Strict or degraded startup when the backing resource is unreachable
//   - Graceful shutdown with a grace period for in-use connections
//
// # Basic Usage
//
//	factory := pool.NewFactory(
//	    func(ctx context.Context) (pool.Connection, error) {
//	        return dialer.DialContext(ctx, "tcp", "db:3306")
//	    },
//	    nil, // no validation
//	)
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxSize = 20
//	cfg.MinIdle = 20
//
//	p, err := pool.New(factory, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	conn, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(conn)
//
// # Lifecycle
//
// A pool moves through Starting, Running, Closing and Closed. New returns
// in Running unless StrictInit is set and MinIdle connections could not be
// created within InitTimeout, in which case it fails with ErrInitialization.
// Without StrictInit the pool starts degraded and fills lazily.
//
// # Errors
//
// Acquire surfaces ErrTimeout, ErrConnectionCreation and ErrPoolClosed.
// Validation failures are handled inside the pool: the bad connection is
// destroyed and another one is borrowed or created in its place within the
// same acquire deadline.
//
// # Metrics
//
// Pool metrics are registered with the metrics package, labeled by pool name:
//   - poolbench_pool_connections_max: Maximum pool size
//   - poolbench_pool_connections_open: Current open connections
//   - poolbench_pool_connections_idle: Current idle connections
//   - poolbench_pool_connections_in_use: Connections currently in use
//   - poolbench_pool_waiters: Callers blocked in Acquire
//   - poolbench_pool_acquire_total: Total acquire attempts
//   - poolbench_pool_acquire_failed_total: Failed acquires
//   - poolbench_pool_acquire_timeout_total: Acquires that hit their deadline
//   - poolbench_pool_create_failed_total: Failed connection creations
//   - poolbench_pool_validation_failed_total: Validation failures
//   - poolbench_pool_evicted_total: Idle connections evicted
package pool
