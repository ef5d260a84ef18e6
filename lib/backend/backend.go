// Package backend provides the connection factories the pools draw from:
// real SQL drivers (MySQL, SQLite) and an in-process stub database whose
// reachability can be switched at runtime.
//
// Every factory hands out database/sql/driver connections, so the same
// factory can feed both the native pool engine and database/sql.
package backend

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"time"

	"github.com/go-i2p/logger"

	apperrors "github.com/go-i2p/poolbench/lib/errors"
	"github.com/go-i2p/poolbench/lib/pool"
	"github.com/go-i2p/poolbench/lib/resilience"
)

var log = logger.GetGoI2PLogger()

// Driver names accepted by Open.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
	DriverStub   = "stub"
)

// Errors
var (
	ErrUnknownDriver = apperrors.ErrUnknownDriver
	ErrUnreachable   = apperrors.ErrBackendUnreachable
	ErrNotQuerier    = apperrors.ErrNotQuerier
)

// Factory creates, validates and destroys physical connections. Connector
// exposes the same source of connections to database/sql.
type Factory interface {
	pool.Factory
	// Name identifies the backend in logs and reports.
	Name() string
	// Connector returns a connector dialing through this factory.
	Connector() driver.Connector
}

// Params selects and configures a backend.
type Params struct {
	// Driver is one of "mysql", "sqlite3" or "stub".
	Driver string
	// DSN is a driver-specific data source name. For MySQL it takes
	// precedence over Address, User, Password and Database.
	DSN      string
	Address  string
	User     string
	Password string
	Database string
	// LoginTimeout bounds a single dial.
	LoginTimeout time.Duration
	// TestQuery is run by Validate. Empty uses the driver's ping.
	TestQuery string
	// Stub configures the stub backend.
	Stub StubConfig
	// BreakerThreshold puts a circuit breaker in front of Create after
	// this many consecutive failures. Zero disables it.
	BreakerThreshold int
	// BreakerTimeout is how long an open breaker rejects creations.
	BreakerTimeout time.Duration
}

// DefaultParams returns params for the stub backend.
func DefaultParams() Params {
	return Params{
		Driver:       DriverStub,
		Address:      "127.0.0.1:3306",
		LoginTimeout: 2 * time.Second,
		Stub:         DefaultStubConfig(),
	}
}

// Open builds the factory named by p.Driver, wrapped in a Breaker when
// BreakerThreshold is set.
func Open(p Params) (Factory, error) {
	var (
		f   Factory
		err error
	)
	switch p.Driver {
	case DriverMySQL:
		f, err = NewMySQLFactory(p)
	case DriverSQLite:
		f, err = NewSQLiteFactory(p)
	case DriverStub, "":
		f = NewStubFactory(p.Stub)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, p.Driver)
	}
	if err != nil {
		return nil, err
	}

	if p.BreakerThreshold > 0 {
		f = NewBreaker(f, resilience.CircuitBreakerConfig{
			FailureThreshold: p.BreakerThreshold,
			Timeout:          p.BreakerTimeout,
		})
	}

	log.WithField("driver", f.Name()).Debug("backend opened")
	return f, nil
}

// Querier is implemented by connections that run queries themselves
// rather than exposing a driver.Conn.
type Querier interface {
	Query(ctx context.Context, query string) (int, error)
}

// Query runs query on a pooled connection and drains the result,
// returning the number of rows read. The connection must be a Querier or
// a driver.Conn.
func Query(ctx context.Context, conn pool.Connection, query string) (int, error) {
	if q, ok := conn.(Querier); ok {
		return q.Query(ctx, query)
	}
	dc, ok := conn.(driver.Conn)
	if !ok {
		return 0, ErrNotQuerier
	}

	var (
		rows driver.Rows
		err  error
	)
	if q, ok := dc.(driver.QueryerContext); ok {
		rows, err = q.QueryContext(ctx, query, nil)
	}
	if rows == nil && (err == nil || err == driver.ErrSkip) {
		rows, err = prepareAndQuery(ctx, dc, query)
	}
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	dest := make([]driver.Value, len(rows.Columns()))
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := rows.Next(dest); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

func prepareAndQuery(ctx context.Context, dc driver.Conn, query string) (driver.Rows, error) {
	var (
		stmt driver.Stmt
		err  error
	)
	if p, ok := dc.(driver.ConnPrepareContext); ok {
		stmt, err = p.PrepareContext(ctx, query)
	} else {
		stmt, err = dc.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(nil)
	if err != nil {
		stmt.Close()
		return nil, err
	}
	return &stmtRows{Rows: rows, stmt: stmt}, nil
}

// stmtRows closes its statement with the rows.
type stmtRows struct {
	driver.Rows
	stmt driver.Stmt
}

func (r *stmtRows) Close() error {
	err := r.Rows.Close()
	if serr := r.stmt.Close(); err == nil {
		err = serr
	}
	return err
}
