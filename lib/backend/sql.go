package backend

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/go-i2p/poolbench/lib/pool"
)

// SQLFactory creates physical connections through a database/sql/driver
// Connector.
type SQLFactory struct {
	name      string
	connector driver.Connector
	params    Params
}

// NewSQLFactory wraps an arbitrary connector.
func NewSQLFactory(name string, connector driver.Connector, p Params) *SQLFactory {
	return &SQLFactory{name: name, connector: connector, params: p}
}

// NewMySQLFactory builds a factory for a MySQL server. The DSN, when set,
// is parsed and the remaining params override it.
func NewMySQLFactory(p Params) (*SQLFactory, error) {
	cfg := mysql.NewConfig()
	if p.DSN != "" {
		parsed, err := mysql.ParseDSN(p.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: mysql dsn: %v", ErrUnknownDriver, err)
		}
		cfg = parsed
	} else {
		cfg.Net = "tcp"
		cfg.Addr = p.Address
		cfg.User = p.User
		cfg.Passwd = p.Password
		cfg.DBName = p.Database
	}
	if p.LoginTimeout > 0 {
		cfg.Timeout = p.LoginTimeout
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mysql connector: %w", err)
	}
	return NewSQLFactory(DriverMySQL, connector, p), nil
}

// NewSQLiteFactory builds a factory for a SQLite database file. DSN is
// the file name or URI.
func NewSQLiteFactory(p Params) (*SQLFactory, error) {
	dsn := p.DSN
	if dsn == "" {
		dsn = p.Database
	}
	if dsn == "" {
		return nil, fmt.Errorf("%w: sqlite3 needs a dsn or database", ErrUnknownDriver)
	}
	return NewSQLFactory(DriverSQLite, dsnConnector{dsn: dsn, drv: &sqlite3.SQLiteDriver{}}, p), nil
}

// Name returns the driver name.
func (f *SQLFactory) Name() string {
	return f.name
}

// Connector returns the underlying connector.
func (f *SQLFactory) Connector() driver.Connector {
	return f.connector
}

// Create dials a new connection, bounded by LoginTimeout.
func (f *SQLFactory) Create(ctx context.Context) (pool.Connection, error) {
	if f.params.LoginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.params.LoginTimeout)
		defer cancel()
	}

	conn, err := f.connector.Connect(ctx)
	if err != nil {
		log.WithField("driver", f.name).WithError(err).Debug("dial failed")
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return conn, nil
}

// Validate runs TestQuery if one is configured, otherwise pings the
// connection. Connections reporting themselves invalid fail immediately.
func (f *SQLFactory) Validate(ctx context.Context, conn pool.Connection) bool {
	if v, ok := conn.(driver.Validator); ok && !v.IsValid() {
		return false
	}

	if f.params.TestQuery != "" {
		_, err := Query(ctx, conn, f.params.TestQuery)
		return err == nil
	}
	if p, ok := conn.(driver.Pinger); ok {
		return p.Ping(ctx) == nil
	}
	return true
}

// Destroy closes the connection.
func (f *SQLFactory) Destroy(conn pool.Connection) error {
	return conn.Close()
}

// dsnConnector adapts a driver without a Connector to one.
type dsnConnector struct {
	dsn string
	drv driver.Driver
}

func (c dsnConnector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.drv.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.drv
}
