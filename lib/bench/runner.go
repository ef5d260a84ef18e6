package bench

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/datasource"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
	"github.com/go-i2p/poolbench/lib/metrics"
	"github.com/go-i2p/poolbench/lib/ratelimit"
	"github.com/go-i2p/poolbench/version"
)

// Result is the outcome of one trial. ErrorCodes counts failed operations
// by error code name.
type Result struct {
	Pool        string            `json:"pool"`
	Driver      string            `json:"driver"`
	Workload    string            `json:"workload"`
	Threads     int               `json:"threads"`
	MaxPoolSize int               `json:"maxPoolSize"`
	Ops         uint64            `json:"ops"`
	Errors      uint64            `json:"errors"`
	ErrorCodes  map[string]uint64 `json:"errorCodes,omitempty"`
	Duration    time.Duration     `json:"durationNs"`
	OpsPerSec   float64           `json:"opsPerSec"`
	Mean        time.Duration     `json:"meanNs"`
	P50         time.Duration     `json:"p50Ns"`
	P99         time.Duration     `json:"p99Ns"`
	Max         time.Duration     `json:"maxNs"`
	CPUPercent  float64           `json:"cpuPercent"`
	Stats       datasource.Stats  `json:"stats"`
	Version     string            `json:"version"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Runner runs every contestant in Params.Pools one after another.
type Runner struct {
	Params Params
	// OpenFactory opens the backend for each trial. Nil uses backend.Open.
	OpenFactory FactoryFunc
	// OnResult, if set, is called after each trial.
	OnResult func(Result)
}

// NewRunner creates a runner for p.
func NewRunner(p Params) *Runner {
	return &Runner{Params: p}
}

// Run runs one trial per contestant and returns the results collected so
// far when a trial fails or ctx is canceled.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	if err := r.Params.Validate(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(r.Params.Pools))
	for _, kind := range r.Params.Pools {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Trial(ctx, kind)
		if err != nil {
			return results, apperrors.Wrap(apperrors.Code(err), kind+" trial", err)
		}
		results = append(results, res)
		if r.OnResult != nil {
			r.OnResult(res)
		}
	}
	return results, nil
}

// Trial sets up the contestant kind, warms it up, measures it for
// Params.Duration and tears it down again.
func (r *Runner) Trial(ctx context.Context, kind string) (Result, error) {
	fx := NewFixture(kind, r.Params, r.OpenFactory)
	if err := fx.Setup(); err != nil {
		return Result{}, err
	}
	defer func() {
		if err := fx.Teardown(); err != nil {
			log.WithField("pool", kind).WithError(err).Warn("teardown failed")
		}
	}()
	ds := fx.DataSource()
	metrics.BenchTrialsTotal.Inc()

	if r.Params.Warmup > 0 {
		log.WithField("pool", kind).WithField("warmup", r.Params.Warmup).Debug("warming up")
		if _, err := r.drive(ctx, ds, r.Params.Warmup); err != nil {
			return Result{}, err
		}
	}

	// Primes gopsutil so the second call covers the measured interval.
	_, _ = cpu.PercentWithContext(ctx, 0, false)

	log.WithField("pool", kind).
		WithField("threads", r.Params.Threads).
		WithField("duration", r.Params.Duration).
		Info("running trial")
	start := time.Now()
	t, err := r.drive(ctx, ds, r.Params.Duration)
	elapsed := time.Since(start)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Pool:        kind,
		Driver:      r.Params.Backend.Driver,
		Workload:    r.Params.Workload,
		Threads:     r.Params.Threads,
		MaxPoolSize: ds.Stats().MaxSize,
		Ops:         t.ops,
		Errors:      t.errors,
		ErrorCodes:  t.codeNames(),
		Duration:    elapsed,
		Mean:        t.lat.Mean(),
		P50:         t.lat.Percentile(0.50),
		P99:         t.lat.Percentile(0.99),
		Max:         t.lat.Max(),
		Stats:       ds.Stats(),
		Version:     version.Full(),
		Timestamp:   start.UTC(),
	}
	if elapsed > 0 {
		res.OpsPerSec = float64(t.ops) / elapsed.Seconds()
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		res.CPUPercent = pct[0]
	}

	log.WithField("pool", kind).
		WithField("ops", res.Ops).
		WithField("errors", res.Errors).
		WithField("opsPerSec", int64(res.OpsPerSec)).
		Info("trial finished")
	return res, nil
}

// tally is one worker's share of a run.
type tally struct {
	ops    uint64
	errors uint64
	codes  map[int]uint64
	lat    Latency
}

func (t *tally) fail(err error) {
	if t.codes == nil {
		t.codes = make(map[int]uint64)
	}
	t.errors++
	t.codes[apperrors.Code(err)]++
}

func (t *tally) merge(o *tally) {
	t.ops += o.ops
	t.errors += o.errors
	for code, n := range o.codes {
		if t.codes == nil {
			t.codes = make(map[int]uint64)
		}
		t.codes[code] += n
	}
	t.lat.Merge(&o.lat)
}

func (t *tally) codeNames() map[string]uint64 {
	if len(t.codes) == 0 {
		return nil
	}
	names := make(map[string]uint64, len(t.codes))
	for code, n := range t.codes {
		names[apperrors.CodeName(code)] += n
	}
	return names
}

// drive runs Threads workers against ds for d. Operations cut short by
// the end of the run are not counted.
func (r *Runner) drive(ctx context.Context, ds datasource.DataSource, d time.Duration) (*tally, error) {
	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	limiter := ratelimit.New(r.Params.Rate, r.Params.Threads)
	log.WithField("workers", r.Params.Threads).
		WithField("rate", limiter.Rate()).
		Debug("starting workers")
	tallies := make([]*tally, r.Params.Threads)
	g, gctx := errgroup.WithContext(runCtx)
	for i := range tallies {
		t := &tally{}
		tallies[i] = t
		g.Go(func() error {
			metrics.BenchActiveWorker.Inc()
			defer metrics.BenchActiveWorker.Dec()

			for gctx.Err() == nil {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				start := time.Now()
				err := r.op(gctx, ds)
				if err != nil && gctx.Err() != nil {
					return nil
				}
				if apperrors.IsClosed(err) {
					return err
				}
				if err != nil {
					t.fail(err)
					metrics.BenchErrorsTotal.Inc()
					continue
				}
				t.lat.Record(time.Since(start))
				t.ops++
				metrics.BenchOpsTotal.Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := &tally{}
	for _, t := range tallies {
		total.merge(t)
	}
	return total, nil
}

// op is one benchmark operation.
func (r *Runner) op(ctx context.Context, ds datasource.DataSource) error {
	conn, err := ds.Acquire(ctx)
	if err != nil {
		return err
	}
	if r.Params.Workload == WorkloadStatement {
		if _, err := backend.Query(ctx, conn, r.Params.Query); err != nil {
			_ = ds.Release(conn)
			return err
		}
	}
	return ds.Release(conn)
}
