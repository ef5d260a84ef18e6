package dbdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/datasource"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
	"github.com/go-i2p/poolbench/lib/resilience"
)

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.Period = 10 * time.Millisecond
	cfg.Duration = 500 * time.Millisecond
	cfg.QueryTimeout = 100 * time.Millisecond
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.Settings.MaxSize = 2
	cfg.Settings.MinIdle = 2
	cfg.Settings.AcquireTimeout = 50 * time.Millisecond
	cfg.Settings.EvictionInterval = 0
	cfg.Settings.ShutdownGrace = time.Second
	return cfg
}

func openStub(stub *backend.StubFactory) OpenFunc {
	return func(backend.Params) (backend.Factory, error) {
		return stub, nil
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no pools", func(c *Config) { c.Pools = nil }},
		{"zero period", func(c *Config) { c.Period = 0 }},
		{"zero duration", func(c *Config) { c.Duration = 0 }},
		{"negative delay", func(c *Config) { c.InitialDelay = -time.Second }},
		{"empty query", func(c *Config) { c.Query = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), apperrors.ErrConfiguration)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.Period)
	assert.Equal(t, 300*time.Second, cfg.Duration)
	assert.Equal(t, "SELECT uid FROM tb_access", cfg.Query)
	assert.Equal(t, datasource.Kinds(), cfg.Pools)
}

func TestOutageAndRecovery(t *testing.T) {
	stub := backend.NewStubFactory(backend.DefaultStubConfig())
	test := New(quickConfig(), openStub(stub))

	go func() {
		time.Sleep(120 * time.Millisecond)
		stub.SetReachable(false)
		time.Sleep(150 * time.Millisecond)
		stub.SetReachable(true)
	}()

	summaries, err := test.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, len(datasource.Kinds()))

	for _, s := range summaries {
		c := s.Counts
		assert.Positive(t, c.Runs, s.Pool)
		assert.Equal(t, c.Runs, c.Succeeded+c.AcquireFailed+c.QueryFailed, s.Pool)
		assert.Positive(t, c.AcquireFailed+c.QueryFailed, "%s never saw the outage", s.Pool)
		assert.Positive(t, c.Succeeded, s.Pool)
		assert.True(t, s.LastOK, "%s did not recover", s.Pool)
		assert.NotEmpty(t, s.LastError, s.Pool)
	}

	hc := test.Monitor()
	require.NotNil(t, hc)
	st := hc.Stats()
	assert.Positive(t, st.Checks)
	assert.Positive(t, st.Failures)
	assert.True(t, st.IsHealthy)

	// Every data source was closed.
	assert.Zero(t, stub.Live())
}

func TestQueryTimeoutCountsBadConnection(t *testing.T) {
	stubCfg := backend.DefaultStubConfig()
	stubCfg.QueryLatency = 50 * time.Millisecond
	stub := backend.NewStubFactory(stubCfg)

	cfg := quickConfig()
	cfg.Pools = []string{datasource.KindChannel}
	cfg.QueryTimeout = 5 * time.Millisecond
	cfg.Duration = 150 * time.Millisecond

	summaries, err := New(cfg, openStub(stub)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Positive(t, summaries[0].Counts.QueryFailed)
	assert.Zero(t, summaries[0].Counts.AcquireFailed)
	assert.Zero(t, summaries[0].Counts.Succeeded)
	assert.False(t, summaries[0].LastOK)
	assert.Equal(t, "timeout", summaries[0].LastError)
}

func TestEmptyResultCounted(t *testing.T) {
	stubCfg := backend.DefaultStubConfig()
	stubCfg.Rows = 0
	stub := backend.NewStubFactory(stubCfg)

	cfg := quickConfig()
	cfg.Pools = []string{datasource.KindNative}
	cfg.Duration = 100 * time.Millisecond

	summaries, err := New(cfg, openStub(stub)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	c := summaries[0].Counts
	assert.Positive(t, c.Succeeded)
	assert.Equal(t, c.Succeeded, c.EmptyResults)
	assert.True(t, summaries[0].LastOK)
}

func TestOutageDrivesDialCircuit(t *testing.T) {
	stub := backend.NewStubFactory(backend.DefaultStubConfig())
	breaker := backend.NewBreaker(stub, resilience.CircuitBreakerConfig{
		FailureThreshold: 1000,
		Timeout:          time.Minute,
	})

	cfg := quickConfig()
	cfg.Pools = []string{datasource.KindNative}
	test := New(cfg, func(backend.Params) (backend.Factory, error) {
		return breaker, nil
	})

	go func() {
		time.Sleep(120 * time.Millisecond)
		stub.SetReachable(false)
		time.Sleep(150 * time.Millisecond)
		stub.SetReachable(true)
	}()

	summaries, err := test.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].LastOK, "did not recover")

	assert.Eventually(t, func() bool { return breaker.Opened() >= 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return breaker.Circuit().State() == resilience.CircuitClosed
	}, time.Second, 10*time.Millisecond)
}

func TestRunCanceled(t *testing.T) {
	stub := backend.NewStubFactory(backend.DefaultStubConfig())
	cfg := quickConfig()
	cfg.Duration = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	summaries, err := New(cfg, openStub(stub)).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, len(cfg.Pools))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(quickConfig(), func(backend.Params) (backend.Factory, error) {
		return nil, boom
	}).Run(context.Background())
	assert.ErrorIs(t, err, boom)

	cfg := quickConfig()
	cfg.Pools = []string{"hikari"}
	stub := backend.NewStubFactory(backend.DefaultStubConfig())
	_, err = New(cfg, openStub(stub)).Run(context.Background())
	assert.ErrorIs(t, err, datasource.ErrUnknownKind)

	cfg = quickConfig()
	cfg.Period = 0
	_, err = New(cfg, openStub(stub)).Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestProbeFor(t *testing.T) {
	ctx := context.Background()
	stub := backend.NewStubFactory(backend.DefaultStubConfig())

	probe := probeFor(stub, backend.DefaultParams())
	require.NotNil(t, probe)
	assert.NoError(t, probe(ctx))
	stub.SetReachable(false)
	assert.ErrorIs(t, probe(ctx), backend.ErrUnreachable)

	wrapped := backend.NewBreaker(stub, resilience.DefaultCircuitBreakerConfig())
	assert.NotNil(t, probeFor(wrapped, backend.DefaultParams()))

	mysql := backend.DefaultParams()
	mysql.Driver = backend.DriverMySQL
	f, err := backend.NewMySQLFactory(mysql)
	require.NoError(t, err)
	assert.NotNil(t, probeFor(f, mysql))

	sqlite := backend.Params{Driver: backend.DriverSQLite, DSN: "file::memory:"}
	sf, err := backend.NewSQLiteFactory(sqlite)
	require.NoError(t, err)
	assert.Nil(t, probeFor(sf, sqlite))
}
