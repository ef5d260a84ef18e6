// Package config loads poolbench configuration from TOML or YAML files
// with POOLBENCH_* environment overrides, and converts it into the
// parameters of the bench and dbdown runners.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/bench"
	"github.com/go-i2p/poolbench/lib/datasource"
	"github.com/go-i2p/poolbench/lib/dbdown"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
)

// Default configuration values
const (
	DefaultResultsFile   = "poolbench-results.jsonl"
	DefaultMetricsListen = "127.0.0.1:9464"
	EnvPrefix            = "POOLBENCH_"
)

// Duration is a time.Duration written as a string such as "8s" in
// configuration files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all poolbench configuration.
type Config struct {
	Bench   BenchConfig   `toml:"bench" yaml:"bench"`
	Pool    PoolConfig    `toml:"pool" yaml:"pool"`
	Backend BackendConfig `toml:"backend" yaml:"backend"`
	DBDown  DBDownConfig  `toml:"dbdown" yaml:"dbdown"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// BenchConfig contains benchmark settings.
type BenchConfig struct {
	// Pools lists the data source kinds to compare
	Pools []string `toml:"pools" yaml:"pools"`
	// Threads is the number of concurrent workers
	Threads int `toml:"threads" yaml:"threads"`
	// Duration is the measured length of each trial
	Duration Duration `toml:"duration" yaml:"duration"`
	// Warmup runs before each measured trial
	Warmup Duration `toml:"warmup" yaml:"warmup"`
	// Workload is "connection" or "statement"
	Workload string `toml:"workload" yaml:"workload"`
	// Query is run by the statement workload
	Query string `toml:"query" yaml:"query"`
	// Rate caps operations per second across all workers (0 = unlimited)
	Rate float64 `toml:"rate" yaml:"rate"`
	// ResultsFile collects JSON-lines results across runs
	ResultsFile string `toml:"results_file" yaml:"results_file"`
}

// PoolConfig contains settings shared by every data source.
type PoolConfig struct {
	MaxSize           int      `toml:"max_size" yaml:"max_size"`
	MinIdle           int      `toml:"min_idle" yaml:"min_idle"`
	AcquireTimeout    Duration `toml:"acquire_timeout" yaml:"acquire_timeout"`
	ValidationTimeout Duration `toml:"validation_timeout" yaml:"validation_timeout"`
	IdleTimeout       Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	EvictionInterval  Duration `toml:"eviction_interval" yaml:"eviction_interval"`
	TestOnBorrow      bool     `toml:"test_on_borrow" yaml:"test_on_borrow"`
	TestOnReturn      bool     `toml:"test_on_return" yaml:"test_on_return"`
	// TestWhileIdle validates idle connections on each eviction run
	TestWhileIdle bool `toml:"test_while_idle" yaml:"test_while_idle"`
	// StrictInit fails startup when min_idle connections cannot be created
	StrictInit    bool     `toml:"strict_init" yaml:"strict_init"`
	InitTimeout   Duration `toml:"init_timeout" yaml:"init_timeout"`
	ShutdownGrace Duration `toml:"shutdown_grace" yaml:"shutdown_grace"`
}

// BackendConfig selects the database.
type BackendConfig struct {
	// Driver is "mysql", "sqlite3" or "stub"
	Driver       string   `toml:"driver" yaml:"driver"`
	DSN          string   `toml:"dsn,omitempty" yaml:"dsn,omitempty"`
	Address      string   `toml:"address" yaml:"address"`
	User         string   `toml:"user,omitempty" yaml:"user,omitempty"`
	Password     string   `toml:"password,omitempty" yaml:"password,omitempty"`
	Database     string   `toml:"database,omitempty" yaml:"database,omitempty"`
	LoginTimeout Duration `toml:"login_timeout" yaml:"login_timeout"`
	// TestQuery validates connections; empty uses the driver's ping
	TestQuery string `toml:"test_query,omitempty" yaml:"test_query,omitempty"`
	// BreakerThreshold guards connection creation with a circuit breaker
	BreakerThreshold int      `toml:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerTimeout   Duration `toml:"breaker_timeout" yaml:"breaker_timeout"`
	// Stub backend simulation
	StubDialLatency  Duration `toml:"stub_dial_latency" yaml:"stub_dial_latency"`
	StubQueryLatency Duration `toml:"stub_query_latency" yaml:"stub_query_latency"`
	StubRows         int      `toml:"stub_rows" yaml:"stub_rows"`
}

// DBDownConfig contains settings for the database-outage test.
type DBDownConfig struct {
	Pools []string `toml:"pools" yaml:"pools"`
	// Pool sizing for the outage test, overriding the [pool] section
	MaxSize           int      `toml:"max_size" yaml:"max_size"`
	MinIdle           int      `toml:"min_idle" yaml:"min_idle"`
	AcquireTimeout    Duration `toml:"acquire_timeout" yaml:"acquire_timeout"`
	ValidationTimeout Duration `toml:"validation_timeout" yaml:"validation_timeout"`
	IdleTimeout       Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	InitialDelay      Duration `toml:"initial_delay" yaml:"initial_delay"`
	Period            Duration `toml:"period" yaml:"period"`
	Duration          Duration `toml:"duration" yaml:"duration"`
	QueryTimeout      Duration `toml:"query_timeout" yaml:"query_timeout"`
	Query             string   `toml:"query" yaml:"query"`
	ProbeInterval     Duration `toml:"probe_interval" yaml:"probe_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is started
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen" yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	bp := bench.DefaultParams()
	dp := dbdown.DefaultConfig()
	ds := datasource.DefaultSettings()
	be := backend.DefaultParams()

	return &Config{
		Bench: BenchConfig{
			Pools:       bp.Pools,
			Threads:     bp.Threads,
			Duration:    Duration(bp.Duration),
			Warmup:      Duration(bp.Warmup),
			Workload:    bp.Workload,
			Query:       bp.Query,
			ResultsFile: DefaultResultsFile,
		},
		Pool: PoolConfig{
			MaxSize:           bp.MaxPoolSize,
			MinIdle:           bp.MinIdle,
			AcquireTimeout:    Duration(bp.AcquireTimeout),
			ValidationTimeout: Duration(ds.ValidationTimeout),
			IdleTimeout:       Duration(ds.IdleTimeout),
			EvictionInterval:  Duration(ds.EvictionInterval),
			TestOnBorrow:      ds.TestOnBorrow,
			TestOnReturn:      ds.TestOnReturn,
			TestWhileIdle:     ds.TestWhileIdle,
			InitTimeout:       Duration(ds.InitTimeout),
			ShutdownGrace:     Duration(ds.ShutdownGrace),
		},
		Backend: BackendConfig{
			Driver:           be.Driver,
			Address:          be.Address,
			LoginTimeout:     Duration(be.LoginTimeout),
			BreakerTimeout:   Duration(5 * time.Second),
			StubDialLatency:  Duration(be.Stub.DialLatency),
			StubQueryLatency: Duration(be.Stub.QueryLatency),
			StubRows:         be.Stub.Rows,
		},
		DBDown: DBDownConfig{
			Pools:             dp.Pools,
			MaxSize:           dp.Settings.MaxSize,
			MinIdle:           dp.Settings.MinIdle,
			AcquireTimeout:    Duration(dp.Settings.AcquireTimeout),
			ValidationTimeout: Duration(dp.Settings.ValidationTimeout),
			IdleTimeout:       Duration(dp.Settings.IdleTimeout),
			InitialDelay:      Duration(dp.InitialDelay),
			Period:            Duration(dp.Period),
			Duration:          Duration(dp.Duration),
			QueryTimeout:      Duration(dp.QueryTimeout),
			Query:             dp.Query,
			ProbeInterval:     Duration(dp.ProbeInterval),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file, or YAML when the file
// ends in .yaml or .yml, then applies environment overrides.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration in the format implied by path.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ApplyEnv overrides fields from POOLBENCH_* variables, such as
// POOLBENCH_BENCH_THREADS or POOLBENCH_BACKEND_DSN. lookup is normally
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.envOverrides() {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", apperrors.ErrConfiguration, EnvPrefix, o.key, v, err)
		}
	}
	return nil
}

type envOverride struct {
	key string
	set func(string) error
}

func (c *Config) envOverrides() []envOverride {
	return []envOverride{
		{"BENCH_POOLS", setList(&c.Bench.Pools)},
		{"BENCH_THREADS", setInt(&c.Bench.Threads)},
		{"BENCH_DURATION", c.Bench.Duration.set},
		{"BENCH_WARMUP", c.Bench.Warmup.set},
		{"BENCH_WORKLOAD", setString(&c.Bench.Workload)},
		{"BENCH_QUERY", setString(&c.Bench.Query)},
		{"BENCH_RATE", setFloat(&c.Bench.Rate)},
		{"BENCH_RESULTS_FILE", setString(&c.Bench.ResultsFile)},
		{"POOL_MAX_SIZE", setInt(&c.Pool.MaxSize)},
		{"POOL_MIN_IDLE", setInt(&c.Pool.MinIdle)},
		{"POOL_ACQUIRE_TIMEOUT", c.Pool.AcquireTimeout.set},
		{"POOL_VALIDATION_TIMEOUT", c.Pool.ValidationTimeout.set},
		{"POOL_IDLE_TIMEOUT", c.Pool.IdleTimeout.set},
		{"POOL_EVICTION_INTERVAL", c.Pool.EvictionInterval.set},
		{"POOL_TEST_ON_BORROW", setBool(&c.Pool.TestOnBorrow)},
		{"POOL_TEST_ON_RETURN", setBool(&c.Pool.TestOnReturn)},
		{"POOL_TEST_WHILE_IDLE", setBool(&c.Pool.TestWhileIdle)},
		{"POOL_STRICT_INIT", setBool(&c.Pool.StrictInit)},
		{"POOL_INIT_TIMEOUT", c.Pool.InitTimeout.set},
		{"POOL_SHUTDOWN_GRACE", c.Pool.ShutdownGrace.set},
		{"BACKEND_DRIVER", setString(&c.Backend.Driver)},
		{"BACKEND_DSN", setString(&c.Backend.DSN)},
		{"BACKEND_ADDRESS", setString(&c.Backend.Address)},
		{"BACKEND_USER", setString(&c.Backend.User)},
		{"BACKEND_PASSWORD", setString(&c.Backend.Password)},
		{"BACKEND_DATABASE", setString(&c.Backend.Database)},
		{"DBDOWN_POOLS", setList(&c.DBDown.Pools)},
		{"DBDOWN_DURATION", c.DBDown.Duration.set},
		{"DBDOWN_PERIOD", c.DBDown.Period.set},
		{"METRICS_ENABLED", setBool(&c.Metrics.Enabled)},
		{"METRICS_LISTEN", setString(&c.Metrics.Listen)},
	}
}

func (d *Duration) set(s string) error { return d.UnmarshalText([]byte(s)) }

func setString(p *string) func(string) error {
	return func(s string) error { *p = s; return nil }
}

func setList(p *[]string) func(string) error {
	return func(s string) error {
		var out []string
		for _, f := range strings.Split(s, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
		*p = out
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err == nil {
			*p = v
		}
		return err
	}
}

func setFloat(p *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			*p = v
		}
		return err
	}
}

func setBool(p *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err == nil {
			*p = v
		}
		return err
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.BenchParams().Validate(); err != nil {
		return err
	}
	if err := c.Settings("validate").PoolConfig().Validate(); err != nil {
		return err
	}
	dc := c.DBDownConfig()
	if err := dc.Validate(); err != nil {
		return err
	}
	if err := dc.Settings.PoolConfig().Validate(); err != nil {
		return fmt.Errorf("dbdown: %w", err)
	}
	switch c.Backend.Driver {
	case backend.DriverMySQL, backend.DriverStub:
	case backend.DriverSQLite:
		if c.Backend.DSN == "" && c.Backend.Database == "" {
			return fmt.Errorf("%w: backend.dsn or backend.database is required for sqlite3", apperrors.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownDriver, c.Backend.Driver)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics are enabled", apperrors.ErrConfiguration)
	}
	return nil
}

// BackendParams converts the backend section.
func (c *Config) BackendParams() backend.Params {
	return backend.Params{
		Driver:       c.Backend.Driver,
		DSN:          c.Backend.DSN,
		Address:      c.Backend.Address,
		User:         c.Backend.User,
		Password:     c.Backend.Password,
		Database:     c.Backend.Database,
		LoginTimeout: c.Backend.LoginTimeout.Std(),
		TestQuery:    c.Backend.TestQuery,
		Stub: backend.StubConfig{
			DialLatency:  c.Backend.StubDialLatency.Std(),
			QueryLatency: c.Backend.StubQueryLatency.Std(),
			Rows:         c.Backend.StubRows,
		},
		BreakerThreshold: c.Backend.BreakerThreshold,
		BreakerTimeout:   c.Backend.BreakerTimeout.Std(),
	}
}

// Settings converts the pool section for the data source named name.
func (c *Config) Settings(name string) datasource.Settings {
	return datasource.Settings{
		Name:              name,
		MaxSize:           c.Pool.MaxSize,
		MinIdle:           c.Pool.MinIdle,
		AcquireTimeout:    c.Pool.AcquireTimeout.Std(),
		ValidationTimeout: c.Pool.ValidationTimeout.Std(),
		IdleTimeout:       c.Pool.IdleTimeout.Std(),
		EvictionInterval:  c.Pool.EvictionInterval.Std(),
		TestOnBorrow:      c.Pool.TestOnBorrow,
		TestOnReturn:      c.Pool.TestOnReturn,
		TestWhileIdle:     c.Pool.TestWhileIdle,
		StrictInit:        c.Pool.StrictInit,
		InitTimeout:       c.Pool.InitTimeout.Std(),
		ShutdownGrace:     c.Pool.ShutdownGrace.Std(),
	}
}

// BenchParams converts the bench, pool and backend sections.
func (c *Config) BenchParams() bench.Params {
	return bench.Params{
		Pools:          c.Bench.Pools,
		MaxPoolSize:    c.Pool.MaxSize,
		MinIdle:        c.Pool.MinIdle,
		Threads:        c.Bench.Threads,
		Duration:       c.Bench.Duration.Std(),
		Warmup:         c.Bench.Warmup.Std(),
		Workload:       c.Bench.Workload,
		Query:          c.Bench.Query,
		Rate:           c.Bench.Rate,
		AcquireTimeout: c.Pool.AcquireTimeout.Std(),
		Base:           c.Settings(""),
		Backend:        c.BackendParams(),
	}
}

// DBDownConfig converts the dbdown, pool and backend sections.
func (c *Config) DBDownConfig() dbdown.Config {
	s := c.Settings("")
	s.MaxSize = c.DBDown.MaxSize
	s.MinIdle = c.DBDown.MinIdle
	s.AcquireTimeout = c.DBDown.AcquireTimeout.Std()
	s.ValidationTimeout = c.DBDown.ValidationTimeout.Std()
	s.IdleTimeout = c.DBDown.IdleTimeout.Std()

	return dbdown.Config{
		Pools:         c.DBDown.Pools,
		InitialDelay:  c.DBDown.InitialDelay.Std(),
		Period:        c.DBDown.Period.Std(),
		Duration:      c.DBDown.Duration.Std(),
		QueryTimeout:  c.DBDown.QueryTimeout.Std(),
		Query:         c.DBDown.Query,
		ProbeInterval: c.DBDown.ProbeInterval.Std(),
		Settings:      s,
		Backend:       c.BackendParams(),
	}
}
