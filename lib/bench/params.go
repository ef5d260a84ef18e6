// Package bench runs the connection-pool benchmarks: each contestant data
// source is set up fresh for a trial, driven by concurrent workers for a
// fixed duration, measured, and torn down again.
package bench

import (
	"fmt"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/datasource"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
)

var log = logger.GetGoI2PLogger()

// Workloads
const (
	// WorkloadConnection borrows and returns a connection.
	WorkloadConnection = "connection"
	// WorkloadStatement borrows a connection, runs Query on it and returns it.
	WorkloadStatement = "statement"
)

// Defaults
const (
	DefaultMaxPoolSize    = 20
	DefaultMinIdle        = 20
	DefaultThreads        = 8
	DefaultDuration       = 10 * time.Second
	DefaultWarmup         = 2 * time.Second
	DefaultAcquireTimeout = 8 * time.Second
	DefaultQuery          = "SELECT 1"
)

// Params configures a benchmark run.
type Params struct {
	// Pools lists the contestants by data source kind, run in order.
	Pools []string
	// MaxPoolSize caps each contestant. The statement workload overrides
	// it with Threads.
	MaxPoolSize int
	// MinIdle is the warm idle count, clamped to the pool size.
	MinIdle int
	// Threads is the number of concurrent workers.
	Threads int
	// Duration is the measured part of each trial.
	Duration time.Duration
	// Warmup runs the workload unmeasured before Duration starts.
	Warmup time.Duration
	// Workload is "connection" or "statement".
	Workload string
	// Query is run by the statement workload.
	Query string
	// Rate caps total operations per second. Zero is unlimited.
	Rate float64
	// AcquireTimeout bounds each acquire.
	AcquireTimeout time.Duration
	// Base is the data source configuration each trial starts from.
	// Name, MaxSize, MinIdle and AcquireTimeout are set per trial.
	Base datasource.Settings
	// Backend selects the database.
	Backend backend.Params
}

// DefaultParams returns the parameters of the reference benchmark:
// every contestant, 20 connections, 20 warm.
func DefaultParams() Params {
	return Params{
		Pools:          []string{datasource.KindNative, datasource.KindSQLDB, datasource.KindChannel, datasource.KindSemaphore},
		MaxPoolSize:    DefaultMaxPoolSize,
		MinIdle:        DefaultMinIdle,
		Threads:        DefaultThreads,
		Duration:       DefaultDuration,
		Warmup:         DefaultWarmup,
		Workload:       WorkloadConnection,
		Query:          DefaultQuery,
		AcquireTimeout: DefaultAcquireTimeout,
		Base:           datasource.DefaultSettings(),
		Backend:        backend.DefaultParams(),
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if len(p.Pools) == 0 {
		return fmt.Errorf("%w: no pools to benchmark", apperrors.ErrConfiguration)
	}
	known := make(map[string]bool)
	for _, k := range datasource.Kinds() {
		known[k] = true
	}
	for _, k := range p.Pools {
		if !known[k] {
			return fmt.Errorf("%w: %q", datasource.ErrUnknownKind, k)
		}
	}
	if p.MaxPoolSize < 1 {
		return fmt.Errorf("%w: max pool size must be at least 1", apperrors.ErrConfiguration)
	}
	if p.MinIdle < 0 {
		return fmt.Errorf("%w: min idle must not be negative", apperrors.ErrConfiguration)
	}
	if p.Threads < 1 {
		return fmt.Errorf("%w: threads must be at least 1", apperrors.ErrConfiguration)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", apperrors.ErrConfiguration)
	}
	if p.Warmup < 0 || p.Rate < 0 || p.AcquireTimeout < 0 {
		return fmt.Errorf("%w: warmup, rate and acquire timeout must not be negative", apperrors.ErrConfiguration)
	}
	switch p.Workload {
	case WorkloadConnection:
	case WorkloadStatement:
		if p.Query == "" {
			return fmt.Errorf("%w: statement workload needs a query", apperrors.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown workload %q", apperrors.ErrConfiguration, p.Workload)
	}
	return nil
}

// Settings returns the data source settings for one trial.
func (p Params) Settings(kind string) datasource.Settings {
	size := p.MaxPoolSize
	if p.Workload == WorkloadStatement {
		size = p.Threads
	}
	minIdle := p.MinIdle
	if minIdle > size {
		minIdle = size
	}

	s := p.Base
	if s.MaxSize == 0 {
		s = datasource.DefaultSettings()
	}
	s.Name = kind
	s.MaxSize = size
	s.MinIdle = minIdle
	s.AcquireTimeout = p.AcquireTimeout
	return s
}
