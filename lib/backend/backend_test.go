package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/poolbench/lib/errors"
	"github.com/go-i2p/poolbench/lib/pool"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		want    string
		wantErr error
	}{
		{"stub", Params{Driver: DriverStub}, DriverStub, nil},
		{"empty defaults to stub", Params{}, DriverStub, nil},
		{"sqlite", Params{Driver: DriverSQLite, Database: filepath.Join(t.TempDir(), "bench.db")}, DriverSQLite, nil},
		{"mysql", Params{Driver: DriverMySQL, Address: "127.0.0.1:1", User: "pm", Database: "ids"}, DriverMySQL, nil},
		{"sqlite without dsn", Params{Driver: DriverSQLite}, "", ErrUnknownDriver},
		{"bad mysql dsn", Params{Driver: DriverMySQL, DSN: "not a dsn"}, "", ErrUnknownDriver},
		{"unknown", Params{Driver: "oracle"}, "", ErrUnknownDriver},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Open(tc.params)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.True(t, apperrors.IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Name())
		})
	}
}

func TestOpenWithBreaker(t *testing.T) {
	f, err := Open(Params{Driver: DriverStub, BreakerThreshold: 2, BreakerTimeout: time.Hour})
	require.NoError(t, err)

	b, ok := f.(*Breaker)
	require.True(t, ok, "expected a Breaker, got %T", f)

	stub := b.Factory.(*StubFactory)
	stub.SetReachable(false)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := b.Create(ctx)
		require.ErrorIs(t, err, ErrUnreachable)
	}
	dials := stub.Dials()

	// Open circuit: fails without dialing.
	_, err = b.Create(ctx)
	require.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, dials, stub.Dials())

	_, err = b.Connector().Connect(ctx)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
}

func TestStubOutageBreaksConnections(t *testing.T) {
	f := NewStubFactory(DefaultStubConfig())
	ctx := context.Background()

	conn, err := f.Create(ctx)
	require.NoError(t, err)
	assert.True(t, f.Validate(ctx, conn))
	assert.EqualValues(t, 1, f.Live())

	f.SetReachable(false)
	assert.False(t, f.Validate(ctx, conn))
	_, err = Query(ctx, conn, "SELECT uid FROM tb_access")
	assert.Error(t, err)

	failed, err := f.Create(ctx)
	require.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	// A failed dial must not hide a typed nil behind the interface.
	assert.True(t, failed == nil, "Create returned %#v", failed)
	dc, err := stubConnector{f: f}.Connect(ctx)
	require.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, dc == nil, "Connect returned %#v", dc)

	// Connections from before the outage stay broken after recovery.
	f.SetReachable(true)
	assert.False(t, f.Validate(ctx, conn))

	fresh, err := f.Create(ctx)
	require.NoError(t, err)
	assert.True(t, f.Validate(ctx, fresh))

	require.NoError(t, f.Destroy(conn))
	require.NoError(t, f.Destroy(fresh))
	require.NoError(t, conn.Close())
	assert.EqualValues(t, 0, f.Live())
}

func TestStubBlackhole(t *testing.T) {
	f := NewStubFactory(StubConfig{Blackhole: true})
	f.SetReachable(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Create(ctx)
	require.ErrorIs(t, err, ErrUnreachable)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestQuery(t *testing.T) {
	f := NewStubFactory(StubConfig{Rows: 3})
	ctx := context.Background()

	conn, err := f.Create(ctx)
	require.NoError(t, err)
	defer conn.Close()

	n, err := Query(ctx, conn, "SELECT uid FROM tb_access")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 1, f.Queries())

	_, err = Query(ctx, plainConn{}, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotQuerier)
}

func TestQueryTimeout(t *testing.T) {
	f := NewStubFactory(StubConfig{Rows: 1, QueryLatency: time.Second})
	conn, err := f.Create(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = Query(ctx, conn, "SELECT uid FROM tb_access")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSQLiteFactory(t *testing.T) {
	f, err := NewSQLiteFactory(Params{
		DSN:       filepath.Join(t.TempDir(), "bench.db"),
		TestQuery: "SELECT 1",
	})
	require.NoError(t, err)

	ctx := context.Background()
	conn, err := f.Create(ctx)
	require.NoError(t, err)
	assert.True(t, f.Validate(ctx, conn))

	n, err := Query(ctx, conn, "SELECT 1 UNION ALL SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.Destroy(conn))
	assert.NotNil(t, f.Connector().Driver())
}

func TestSQLiteFactoryFeedsPool(t *testing.T) {
	f, err := NewSQLiteFactory(Params{DSN: filepath.Join(t.TempDir(), "bench.db")})
	require.NoError(t, err)

	cfg := pool.DefaultConfig()
	cfg.MaxSize = 2
	cfg.MinIdle = 2
	cfg.EvictionInterval = 0
	p, err := pool.New(f, cfg)
	require.NoError(t, err)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = Query(context.Background(), conn, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
	assert.Equal(t, 2, p.Stats().NumIdle)
}

func TestMySQLUnreachable(t *testing.T) {
	// Port 1 on loopback refuses connections.
	f, err := NewMySQLFactory(Params{Address: "127.0.0.1:1", User: "pm", LoginTimeout: 500 * time.Millisecond})
	require.NoError(t, err)

	_, err = f.Create(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

type plainConn struct{}

func (plainConn) Close() error { return nil }
