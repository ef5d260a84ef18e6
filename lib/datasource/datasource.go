// Package datasource puts the pool implementations under comparison
// behind one interface. A benchmark or smoke test picks a variant by name
// and only ever sees Acquire, Release and Close.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/poolbench/lib/backend"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
	"github.com/go-i2p/poolbench/lib/pool"
)

var log = logger.GetGoI2PLogger()

// Kinds of data source.
const (
	KindNative    = "native"
	KindSQLDB     = "sqldb"
	KindChannel   = "channel"
	KindSemaphore = "semaphore"
)

// Errors
var (
	ErrUnknownKind       = apperrors.ErrUnknownKind
	ErrClosed            = apperrors.ErrPoolClosed
	ErrTimeout           = apperrors.ErrPoolTimeout
	ErrUnknownConnection = apperrors.ErrUnknownConnection
	ErrInitialization    = apperrors.ErrInitialization
	// ErrConnectionCreation wraps factory failures.
	ErrConnectionCreation = apperrors.ErrConnectionCreation
)

// Conn is a borrowed connection.
type Conn = pool.Connection

// DataSource is a pool of connections.
type DataSource interface {
	// Name identifies the data source in logs and reports.
	Name() string
	// Kind returns the variant name passed to Open.
	Kind() string
	// Acquire borrows a connection, waiting at most Settings.AcquireTimeout.
	Acquire(ctx context.Context) (Conn, error)
	// Release returns a borrowed connection.
	Release(conn Conn) error
	// Close destroys every connection. Later acquires fail with ErrClosed.
	Close() error
	// Stats returns a snapshot of the data source's counters.
	Stats() Stats
}

// Settings is the configuration surface common to every variant.
// IdleTimeout, EvictionInterval and TestWhileIdle drive the native
// engine's evictor; sqldb maps IdleTimeout onto SetConnMaxIdleTime.
type Settings struct {
	Name              string
	MaxSize           int
	MinIdle           int
	AcquireTimeout    time.Duration
	ValidationTimeout time.Duration
	IdleTimeout       time.Duration
	EvictionInterval  time.Duration
	TestOnBorrow      bool
	TestOnReturn      bool
	TestWhileIdle     bool
	StrictInit        bool
	InitTimeout       time.Duration
	ShutdownGrace     time.Duration
}

// DefaultSettings mirrors pool.DefaultConfig. The name is left empty so
// Open names the source after its kind.
func DefaultSettings() Settings {
	cfg := pool.DefaultConfig()
	return Settings{
		MaxSize:           cfg.MaxSize,
		MinIdle:           cfg.MinIdle,
		AcquireTimeout:    cfg.AcquireTimeout,
		ValidationTimeout: cfg.ValidationTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		EvictionInterval:  cfg.EvictionInterval,
		TestOnBorrow:      cfg.TestOnBorrow,
		TestOnReturn:      cfg.TestOnReturn,
		TestWhileIdle:     cfg.TestWhileIdle,
		StrictInit:        cfg.StrictInit,
		InitTimeout:       cfg.InitTimeout,
		ShutdownGrace:     cfg.ShutdownGrace,
	}
}

// PoolConfig converts the settings for the native pool engine.
func (s Settings) PoolConfig() pool.Config {
	return pool.Config{
		Name:              s.Name,
		MaxSize:           s.MaxSize,
		MinIdle:           s.MinIdle,
		AcquireTimeout:    s.AcquireTimeout,
		ValidationTimeout: s.ValidationTimeout,
		IdleTimeout:       s.IdleTimeout,
		EvictionInterval:  s.EvictionInterval,
		TestOnBorrow:      s.TestOnBorrow,
		TestOnReturn:      s.TestOnReturn,
		TestWhileIdle:     s.TestWhileIdle,
		StrictInit:        s.StrictInit,
		InitTimeout:       s.InitTimeout,
		ShutdownGrace:     s.ShutdownGrace,
	}
}

// Stats is a snapshot of a data source.
type Stats struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	MaxSize  int    `json:"maxSize"`
	Open     int    `json:"open"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"inUse"`
	Waiting  int    `json:"waiting"`
	Acquired uint64 `json:"acquired"`
	Failed   uint64 `json:"failed"`
	Timeouts uint64 `json:"timeouts"`
	Created  uint64 `json:"created"`
}

type opener func(s Settings, f backend.Factory) (DataSource, error)

var registry = map[string]opener{
	KindNative:    openNative,
	KindSQLDB:     openSQLDB,
	KindChannel:   openChannel,
	KindSemaphore: openSemaphore,
}

// Kinds returns the known variant names, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open builds the data source variant named kind over factory.
func Open(kind string, s Settings, f backend.Factory) (DataSource, error) {
	open, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownKind, kind, Kinds())
	}
	if f == nil {
		return nil, fmt.Errorf("%w: nil factory", apperrors.ErrConfiguration)
	}
	if s.Name == "" {
		s.Name = kind
	}
	if err := s.PoolConfig().Validate(); err != nil {
		return nil, err
	}

	ds, err := open(s, f)
	if err != nil {
		return nil, err
	}
	log.WithField("kind", kind).
		WithField("name", s.Name).
		WithField("maxSize", s.MaxSize).
		WithField("minIdle", s.MinIdle).
		Debug("data source opened")
	return ds, nil
}

// acquireContext applies the acquire timeout to ctx.
func acquireContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// mapCtxErr turns an expired deadline into ErrTimeout.
func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
