package pool

import (
	"fmt"
	"time"
)

// Config configures the connection pool. It is copied by New and cannot be
// changed afterwards.
type Config struct {
	// Name identifies the pool in logs and stats.
	Name string
	// MaxSize is the maximum number of open connections (idle + in use).
	// Default: 10
	MaxSize int
	// MinIdle is the number of idle connections the pool keeps warm.
	// Must be between 0 and MaxSize.
	// Default: 0
	MinIdle int
	// AcquireTimeout bounds how long Acquire waits. Zero waits forever,
	// subject to the caller's context.
	// Default: 30 seconds
	AcquireTimeout time.Duration
	// ValidationTimeout bounds a single Validate call. Zero means no extra bound.
	// Default: 5 seconds
	ValidationTimeout time.Duration
	// IdleTimeout is how long a connection may sit idle before eviction.
	// Zero disables idle eviction.
	// Default: 10 minutes
	IdleTimeout time.Duration
	// EvictionInterval is how often the background evictor runs.
	// Set to 0 to disable the evictor.
	// Default: 30 seconds
	EvictionInterval time.Duration
	// TestOnBorrow validates idle connections before handing them out.
	// Default: true
	TestOnBorrow bool
	// TestOnReturn validates connections when they are released.
	// Default: false
	TestOnReturn bool
	// TestWhileIdle validates idle connections on each evictor run.
	// Default: false
	TestWhileIdle bool
	// StrictInit fails New when MinIdle connections cannot be created
	// within InitTimeout. Otherwise the pool starts degraded.
	// Default: false
	StrictInit bool
	// InitTimeout bounds the initial fill in New.
	// Default: 10 seconds
	InitTimeout time.Duration
	// ShutdownGrace bounds how long Close waits for in-use connections to
	// be released. Zero waits forever.
	// Default: 10 seconds
	ShutdownGrace time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "pool",
		MaxSize:           10,
		MinIdle:           0,
		AcquireTimeout:    30 * time.Second,
		ValidationTimeout: 5 * time.Second,
		IdleTimeout:       10 * time.Minute,
		EvictionInterval:  30 * time.Second,
		TestOnBorrow:      true,
		InitTimeout:       10 * time.Second,
		ShutdownGrace:     10 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return fmt.Errorf("%w: min idle must be between 0 and %d, got %d", ErrInvalidConfig, c.MaxSize, c.MinIdle)
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"acquire timeout", c.AcquireTimeout},
		{"validation timeout", c.ValidationTimeout},
		{"idle timeout", c.IdleTimeout},
		{"eviction interval", c.EvictionInterval},
		{"init timeout", c.InitTimeout},
		{"shutdown grace", c.ShutdownGrace},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, d.name)
		}
	}
	return nil
}

// State is the lifecycle state of a pool.
type State int

const (
	// StateStarting is the state while New performs the initial fill.
	StateStarting State = iota
	// StateRunning admits acquires.
	StateRunning
	// StateClosing rejects acquires and destroys connections as they come back.
	StateClosing
	// StateClosed is final.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
