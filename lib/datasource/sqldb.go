package datasource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/poolbench/lib/backend"
)

// sqlDB is database/sql's built-in pool.
type sqlDB struct {
	name     string
	settings Settings
	db       *sql.DB

	mu     sync.Mutex
	closed bool

	acquired atomic.Uint64
	failed   atomic.Uint64
	timeouts atomic.Uint64
}

func openSQLDB(s Settings, f backend.Factory) (DataSource, error) {
	db := sql.OpenDB(f.Connector())
	db.SetMaxOpenConns(s.MaxSize)
	db.SetMaxIdleConns(s.MaxSize)
	db.SetConnMaxIdleTime(s.IdleTimeout)

	d := &sqlDB{name: s.Name, settings: s, db: db}
	if err := d.prefill(); err != nil {
		if s.StrictInit {
			db.Close()
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		log.WithField("name", s.Name).WithError(err).Warn("data source starting degraded")
	}
	return d, nil
}

// prefill opens MinIdle connections and parks them idle.
func (d *sqlDB) prefill() error {
	if d.settings.MinIdle == 0 {
		return nil
	}
	ctx, cancel := acquireContext(context.Background(), d.settings.InitTimeout)
	defer cancel()

	conns := make([]*sql.Conn, 0, d.settings.MinIdle)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < d.settings.MinIdle; i++ {
		c, err := d.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("created %d of %d connections: %w", len(conns), d.settings.MinIdle, err)
		}
		conns = append(conns, c)
	}
	return nil
}

func (d *sqlDB) Name() string { return d.name }
func (d *sqlDB) Kind() string { return KindSQLDB }

// Acquire takes a dedicated connection. With TestOnBorrow it is pinged
// first; a failed ping discards it and another is taken.
func (d *sqlDB) Acquire(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, cancel := acquireContext(ctx, d.settings.AcquireTimeout)
	defer cancel()

	for {
		c, err := d.db.Conn(ctx)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if !d.settings.TestOnBorrow {
			d.acquired.Add(1)
			return &sqlConn{Conn: c}, nil
		}

		pingCtx, pingCancel := acquireContext(ctx, d.settings.ValidationTimeout)
		err = c.PingContext(pingCtx)
		pingCancel()
		if err == nil {
			d.acquired.Add(1)
			return &sqlConn{Conn: c}, nil
		}
		c.Close()
		if ctx.Err() != nil {
			return nil, d.fail(ctx, ctx.Err())
		}
		log.WithField("name", d.name).WithError(err).Debug("discarding connection that failed ping")
	}
}

func (d *sqlDB) fail(ctx context.Context, err error) error {
	d.failed.Add(1)
	switch {
	case errors.Is(err, sql.ErrConnDone), d.isClosed():
		return ErrClosed
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.timeouts.Add(1)
		}
		return mapCtxErr(ctx.Err())
	default:
		return fmt.Errorf("%w: %w", ErrConnectionCreation, err)
	}
}

func (d *sqlDB) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Release hands the connection back to database/sql. With TestOnReturn a
// connection failing its ping is reported bad so database/sql closes it.
func (d *sqlDB) Release(conn Conn) error {
	c, ok := conn.(*sqlConn)
	if !ok {
		return ErrUnknownConnection
	}
	if d.settings.TestOnReturn && !d.isClosed() {
		ctx, cancel := acquireContext(context.Background(), d.settings.ValidationTimeout)
		err := c.PingContext(ctx)
		cancel()
		if errors.Is(err, sql.ErrConnDone) {
			return ErrUnknownConnection
		}
		if err != nil {
			log.WithField("name", d.name).WithError(err).Debug("discarding connection that failed ping on return")
			// A bad-connection ping already closed c; otherwise mark it bad.
			_ = c.Raw(func(any) error { return driver.ErrBadConn })
			return nil
		}
	}
	if err := c.Conn.Close(); err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return ErrUnknownConnection
		}
		return err
	}
	return nil
}

func (d *sqlDB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()
	return d.db.Close()
}

func (d *sqlDB) Stats() Stats {
	st := d.db.Stats()
	return Stats{
		Kind:     KindSQLDB,
		Name:     d.name,
		MaxSize:  st.MaxOpenConnections,
		Open:     st.OpenConnections,
		Idle:     st.Idle,
		InUse:    st.InUse,
		Acquired: d.acquired.Load(),
		Failed:   d.failed.Load(),
		Timeouts: d.timeouts.Load(),
	}
}

// sqlConn is a dedicated database/sql connection.
type sqlConn struct {
	*sql.Conn
}

// Query implements backend.Querier.
func (c *sqlConn) Query(ctx context.Context, query string) (int, error) {
	rows, err := c.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
