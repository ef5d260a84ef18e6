// Package dbdown watches how each data source behaves while its database
// goes away and comes back. Every data source gets a periodic task that
// borrows a connection, runs a query on it and returns it, logging what
// happened so a human can pull the plug on the database mid-run and read
// the recovery off the log.
package dbdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/datasource"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
	"github.com/go-i2p/poolbench/lib/metrics"
	"github.com/go-i2p/poolbench/lib/resilience"
)

var log = logger.GetGoI2PLogger()

var errConfig = apperrors.ErrConfiguration

// Defaults
const (
	DefaultInitialDelay  = 5 * time.Second
	DefaultPeriod        = 2 * time.Second
	DefaultDuration      = 300 * time.Second
	DefaultQueryTimeout  = time.Second
	DefaultProbeInterval = 2 * time.Second
	DefaultQuery         = "SELECT uid FROM tb_access"
)

// Config configures a run.
type Config struct {
	// Pools lists the data source kinds under test.
	Pools []string
	// InitialDelay is the wait before each task's first run.
	InitialDelay time.Duration
	// Period is the interval between runs of one task.
	Period time.Duration
	// Duration is how long the whole test runs.
	Duration time.Duration
	// QueryTimeout bounds each query.
	QueryTimeout time.Duration
	// Query is run on every borrowed connection.
	Query string
	// ProbeInterval is how often backend reachability is checked. Zero
	// disables the reachability monitor.
	ProbeInterval time.Duration
	// Settings is the base data source configuration. Name is set per pool.
	Settings datasource.Settings
	// Backend selects the database.
	Backend backend.Params
}

// DefaultConfig returns a five minute run over every data source kind,
// each holding five warm connections that are never evicted.
func DefaultConfig() Config {
	s := datasource.DefaultSettings()
	s.MaxSize = 5
	s.MinIdle = 5
	s.AcquireTimeout = 5 * time.Second
	s.ValidationTimeout = 3 * time.Second
	s.IdleTimeout = time.Second
	s.TestOnBorrow = true
	return Config{
		Pools:         datasource.Kinds(),
		InitialDelay:  DefaultInitialDelay,
		Period:        DefaultPeriod,
		Duration:      DefaultDuration,
		QueryTimeout:  DefaultQueryTimeout,
		Query:         DefaultQuery,
		ProbeInterval: DefaultProbeInterval,
		Settings:      s,
		Backend:       backend.DefaultParams(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("%w: no pools to test", errConfig)
	}
	if c.Period <= 0 || c.Duration <= 0 {
		return fmt.Errorf("%w: period and duration must be positive", errConfig)
	}
	if c.InitialDelay < 0 || c.QueryTimeout < 0 || c.ProbeInterval < 0 {
		return fmt.Errorf("%w: delays and timeouts must not be negative", errConfig)
	}
	if c.Query == "" {
		return fmt.Errorf("%w: empty query", errConfig)
	}
	return nil
}

// OpenFunc opens the backend shared by every data source.
type OpenFunc func(backend.Params) (backend.Factory, error)

// Counts tallies the runs of one task.
type Counts struct {
	Runs          uint64 `json:"runs"`
	Succeeded     uint64 `json:"succeeded"`
	AcquireFailed uint64 `json:"acquireFailed"`
	QueryFailed   uint64 `json:"queryFailed"`
	// EmptyResults counts successful runs whose query returned no rows.
	EmptyResults uint64 `json:"emptyResults"`
}

// Summary is the outcome for one data source.
type Summary struct {
	Pool   string
	Counts Counts
	// LastOK reports whether the final run succeeded.
	LastOK bool
	// LastError is the error code name of the most recent failure, if any.
	LastError string
	Stats     datasource.Stats
}

// Test runs one task per data source against a shared backend.
type Test struct {
	cfg  Config
	open OpenFunc

	monitor *resilience.HealthyCircuit
}

// New creates a test. A nil open uses backend.Open.
func New(cfg Config, open OpenFunc) *Test {
	if open == nil {
		open = backend.Open
	}
	return &Test{cfg: cfg, open: open}
}

// Monitor returns the reachability monitor of a running test, or nil.
func (t *Test) Monitor() *resilience.HealthyCircuit {
	return t.monitor
}

// Run opens every data source, runs the tasks until Duration elapses or
// ctx is canceled, and closes the data sources again. Cancellation is not
// an error.
func (t *Test) Run(ctx context.Context) ([]Summary, error) {
	if err := t.cfg.Validate(); err != nil {
		return nil, err
	}

	factory, err := t.open(t.cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("opening backend: %w", err)
	}

	tasks := make([]*task, 0, len(t.cfg.Pools))
	defer func() {
		for _, tk := range tasks {
			if err := tk.ds.Close(); err != nil {
				log.WithField("pool", tk.ds.Name()).WithError(err).Warn("closing data source")
			}
		}
	}()
	for _, kind := range t.cfg.Pools {
		s := t.cfg.Settings
		s.Name = kind
		ds, err := datasource.Open(kind, s, factory)
		if err != nil {
			return nil, fmt.Errorf("opening %s data source: %w", kind, err)
		}
		tasks = append(tasks, &task{ds: ds, cfg: &t.cfg})
	}

	if probe := probeFor(factory, t.cfg.Backend); probe != nil && t.cfg.ProbeInterval > 0 {
		hc := resilience.NewHealthyCircuit(factory.Name(), probe, resilience.HealthyCircuitConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{FailureThreshold: 1},
			CheckInterval:  t.cfg.ProbeInterval,
			ProbeTimeout:   t.cfg.QueryTimeout,
		})
		if b, ok := factory.(*backend.Breaker); ok {
			// Dials follow the probe: fail fast while the backend is down.
			hc.SetCallbacks(b.Circuit().ForceOpen, b.Circuit().ForceClose)
		}
		hc.Start(ctx)
		defer hc.Stop()
		t.monitor = hc
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Duration)
	defer cancel()

	log.WithField("pools", t.cfg.Pools).
		WithField("period", t.cfg.Period).
		WithField("duration", t.cfg.Duration).
		Info("dbdown test started")

	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk.loop(runCtx)
		}()
	}
	wg.Wait()

	summaries := make([]Summary, 0, len(tasks))
	for _, tk := range tasks {
		sum := tk.summary()
		summaries = append(summaries, sum)
		log.WithField("pool", sum.Pool).
			WithField("runs", sum.Counts.Runs).
			WithField("succeeded", sum.Counts.Succeeded).
			WithField("acquireFailed", sum.Counts.AcquireFailed).
			WithField("queryFailed", sum.Counts.QueryFailed).
			Info("dbdown task finished")
	}
	if t.monitor != nil {
		entry := log.WithField("backend", factory.Name()).WithField("reachable", t.monitor.IsHealthy())
		if b, ok := factory.(*backend.Breaker); ok {
			entry = entry.WithField("dialCircuit", b.Circuit().State().String()).WithField("dialCircuitOpened", b.Opened())
		}
		entry.Info("backend state at end of test")
	}
	return summaries, nil
}

// probeFor picks a reachability probe for the backend: the stub's own
// switch, or a TCP dial of the configured address for MySQL.
func probeFor(f backend.Factory, p backend.Params) resilience.Probe {
	var stub *backend.StubFactory
	if b, ok := f.(*backend.Breaker); ok {
		f = b.Factory
	}
	if s, ok := f.(*backend.StubFactory); ok {
		stub = s
	}
	switch {
	case stub != nil:
		return func(context.Context) error {
			if !stub.Reachable() {
				return backend.ErrUnreachable
			}
			return nil
		}
	case p.Driver == backend.DriverMySQL && p.Address != "":
		return resilience.TCPProbe(p.Address)
	default:
		return nil
	}
}

// task is the periodic job of one data source.
type task struct {
	ds  datasource.DataSource
	cfg *Config

	runs          atomic.Uint64
	succeeded     atomic.Uint64
	acquireFailed atomic.Uint64
	queryFailed   atomic.Uint64
	lastOK        atomic.Bool
	lastErr       atomic.Int64
	emptyResults  atomic.Uint64
}

// loop runs the task at a fixed rate. Ticks missed while a run is still
// in progress are dropped.
func (tk *task) loop(ctx context.Context) {
	delay := time.NewTimer(tk.cfg.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(tk.cfg.Period)
	defer ticker.Stop()
	for {
		tk.run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// run borrows a connection, queries it and returns it.
func (tk *task) run(ctx context.Context) {
	name := tk.ds.Name()

	conn, err := tk.ds.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		tk.record(&tk.acquireFailed, err)
		metrics.ProbeAcquireFailed.Inc()
		log.WithField("pool", name).WithError(err).Warn("exception getting connection")
		return
	}
	log.WithField("pool", name).Debug("got a connection")

	qctx, cancel := context.WithTimeout(ctx, tk.cfg.QueryTimeout)
	rows, err := backend.Query(qctx, conn, tk.cfg.Query)
	cancel()
	switch {
	case err == nil:
		tk.record(&tk.succeeded, nil)
		if rows == 0 {
			tk.emptyResults.Add(1)
			log.WithField("pool", name).Warn("query executed, got no results")
		}
	case ctx.Err() != nil:
	default:
		tk.record(&tk.queryFailed, err)
		metrics.ProbeQueryFailed.Inc()
		log.WithField("pool", name).WithError(err).Warn("bad connection from the pool")
	}

	if err := tk.ds.Release(conn); err != nil && !errors.Is(err, datasource.ErrClosed) {
		log.WithField("pool", name).WithError(err).Debug("release failed")
	}
}

// record counts a finished run. Runs cut short by the end of the test are
// not recorded.
func (tk *task) record(outcome *atomic.Uint64, err error) {
	tk.runs.Add(1)
	outcome.Add(1)
	tk.lastOK.Store(err == nil)
	if err != nil {
		tk.lastErr.Store(int64(apperrors.Code(err)))
	}
	metrics.ProbeRunsTotal.Inc()
}

func (tk *task) summary() Summary {
	sum := Summary{
		Pool: tk.ds.Name(),
		Counts: Counts{
			Runs:          tk.runs.Load(),
			Succeeded:     tk.succeeded.Load(),
			AcquireFailed: tk.acquireFailed.Load(),
			QueryFailed:   tk.queryFailed.Load(),
			EmptyResults:  tk.emptyResults.Load(),
		},
		LastOK: tk.lastOK.Load(),
		Stats:  tk.ds.Stats(),
	}
	if code := int(tk.lastErr.Load()); code != apperrors.CodeOK {
		sum.LastError = apperrors.CodeName(code)
	}
	return sum
}
