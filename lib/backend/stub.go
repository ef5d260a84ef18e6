package backend

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-i2p/poolbench/lib/pool"
)

// StubConfig configures the in-process stub backend.
type StubConfig struct {
	// DialLatency is added to every successful Create.
	DialLatency time.Duration
	// QueryLatency is added to every query.
	QueryLatency time.Duration
	// Rows is the number of rows each query returns.
	Rows int
	// Blackhole makes dials to an unreachable stub hang until their
	// deadline instead of being refused.
	Blackhole bool
}

// DefaultStubConfig returns a zero-latency stub returning one row.
func DefaultStubConfig() StubConfig {
	return StubConfig{Rows: 1}
}

// StubFactory is a fake database for tests and offline benchmarks. Taking
// it down with SetReachable(false) refuses new dials and breaks every
// connection opened before the outage.
type StubFactory struct {
	cfg StubConfig

	reachable atomic.Bool
	epoch     atomic.Uint64 // bumped on every outage
	nextID    atomic.Uint64
	live      atomic.Int64
	dials     atomic.Uint64
	refused   atomic.Uint64
	queries   atomic.Uint64
}

// NewStubFactory creates a reachable stub backend.
func NewStubFactory(cfg StubConfig) *StubFactory {
	f := &StubFactory{cfg: cfg}
	f.reachable.Store(true)
	return f
}

// Name returns "stub".
func (f *StubFactory) Name() string {
	return DriverStub
}

// SetReachable takes the stub down or brings it back.
func (f *StubFactory) SetReachable(up bool) {
	if !up && f.reachable.Load() {
		f.epoch.Add(1)
	}
	f.reachable.Store(up)
	log.WithField("reachable", up).Debug("stub backend reachability changed")
}

// Reachable reports whether the stub accepts dials.
func (f *StubFactory) Reachable() bool {
	return f.reachable.Load()
}

// Live returns the number of stub connections not yet closed.
func (f *StubFactory) Live() int64 {
	return f.live.Load()
}

// Dials returns the number of dial attempts.
func (f *StubFactory) Dials() uint64 {
	return f.dials.Load()
}

// Queries returns the number of queries served.
func (f *StubFactory) Queries() uint64 {
	return f.queries.Load()
}

// Create dials the stub.
func (f *StubFactory) Create(ctx context.Context) (pool.Connection, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *StubFactory) dial(ctx context.Context) (*StubConn, error) {
	f.dials.Add(1)

	if !f.reachable.Load() {
		f.refused.Add(1)
		if f.cfg.Blackhole {
			<-ctx.Done()
			return nil, fmt.Errorf("%w: dial stub: %v", ErrUnreachable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: dial stub: connection refused", ErrUnreachable)
	}
	if err := sleepCtx(ctx, f.cfg.DialLatency); err != nil {
		return nil, err
	}

	f.live.Add(1)
	return &StubConn{
		id:    f.nextID.Add(1),
		epoch: f.epoch.Load(),
		f:     f,
	}, nil
}

// Validate reports whether conn survived every outage since it was opened.
func (f *StubFactory) Validate(ctx context.Context, conn pool.Connection) bool {
	c, ok := conn.(*StubConn)
	if !ok {
		return false
	}
	return ctx.Err() == nil && c.alive()
}

// Destroy closes the connection.
func (f *StubFactory) Destroy(conn pool.Connection) error {
	return conn.Close()
}

// Connector returns a connector dialing the stub.
func (f *StubFactory) Connector() driver.Connector {
	return stubConnector{f: f}
}

type stubConnector struct {
	f *StubFactory
}

func (c stubConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.f.dial(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver{f: c.f}
}

type stubDriver struct {
	f *StubFactory
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConnector{f: d.f}.Connect(context.Background())
}

// StubConn is a connection to the stub backend. It implements driver.Conn.
type StubConn struct {
	id     uint64
	epoch  uint64
	f      *StubFactory
	closed atomic.Bool
}

// ID returns the connection's serial number.
func (c *StubConn) ID() uint64 {
	return c.id
}

func (c *StubConn) alive() bool {
	return !c.closed.Load() && c.f.reachable.Load() && c.f.epoch.Load() == c.epoch
}

// Close closes the connection. Closing twice is a no-op.
func (c *StubConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.f.live.Add(-1)
	}
	return nil
}

// IsValid implements driver.Validator.
func (c *StubConn) IsValid() bool {
	return c.alive()
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(ctx context.Context) error {
	if !c.alive() {
		return driver.ErrBadConn
	}
	return ctx.Err()
}

// QueryContext implements driver.QueryerContext. Every query returns
// StubConfig.Rows rows of a single integer column.
func (c *StubConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if !c.alive() {
		return nil, driver.ErrBadConn
	}
	if err := sleepCtx(ctx, c.f.cfg.QueryLatency); err != nil {
		return nil, err
	}
	c.f.queries.Add(1)
	return &stubRows{n: c.f.cfg.Rows}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if !c.alive() {
		return nil, driver.ErrBadConn
	}
	if err := sleepCtx(ctx, c.f.cfg.QueryLatency); err != nil {
		return nil, err
	}
	c.f.queries.Add(1)
	return driver.RowsAffected(0), nil
}

// Prepare is not supported; database/sql uses QueryContext and ExecContext.
func (c *StubConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepared statements not supported")
}

// Begin returns a no-op transaction.
func (c *StubConn) Begin() (driver.Tx, error) {
	if !c.alive() {
		return nil, driver.ErrBadConn
	}
	return stubTx{}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	n, i int
}

func (r *stubRows) Columns() []string { return []string{"uid"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.i >= r.n {
		return io.EOF
	}
	r.i++
	dest[0] = int64(r.i)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
