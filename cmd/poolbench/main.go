// poolbench compares connection pool implementations.
//
// It drives each data source with concurrent workers against a MySQL,
// SQLite or in-process stub database and reports throughput and latency,
// or watches how each data source survives the database going away.
//
// Usage:
//
//	poolbench [flags] bench             Run the benchmark
//	poolbench [flags] dbdown            Run the database-outage test
//	poolbench [flags] compare [file]    Summarize recorded results
//	poolbench [flags] init [file]       Write a default configuration file
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "poolbench.toml")
//	-pools string
//	    Comma-separated data sources (overrides config)
//	-threads int
//	    Worker count (overrides config)
//	-duration duration
//	    Measured trial length or dbdown run length (overrides config)
//	-workload string
//	    "connection" or "statement" (overrides config)
//	-driver string
//	    Backend driver: mysql, sqlite3 or stub (overrides config)
//	-dsn string
//	    Backend data source name (overrides config)
//	-results string
//	    JSON-lines results file (overrides config)
//	-metrics string
//	    Serve Prometheus metrics on this address
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-i2p/poolbench/lib/bench"
	"github.com/go-i2p/poolbench/lib/config"
	"github.com/go-i2p/poolbench/lib/dbdown"
	"github.com/go-i2p/poolbench/lib/metrics"
	"github.com/go-i2p/poolbench/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "poolbench.toml", "Path to configuration file")
	pools := flag.String("pools", "", "Comma-separated data sources (overrides config)")
	threads := flag.Int("threads", 0, "Worker count (overrides config)")
	duration := flag.Duration("duration", 0, "Measured trial length or dbdown run length (overrides config)")
	workload := flag.String("workload", "", "\"connection\" or \"statement\" (overrides config)")
	driver := flag.String("driver", "", "Backend driver: mysql, sqlite3 or stub (overrides config)")
	dsn := flag.String("dsn", "", "Backend data source name (overrides config)")
	results := flag.String("results", "", "JSON-lines results file (overrides config)")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "poolbench - Connection pool benchmark\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  poolbench [flags] bench             Run the benchmark\n")
		fmt.Fprintf(os.Stderr, "  poolbench [flags] dbdown            Run the database-outage test\n")
		fmt.Fprintf(os.Stderr, "  poolbench [flags] compare [file]    Summarize recorded results\n")
		fmt.Fprintf(os.Stderr, "  poolbench [flags] init [file]       Write a default configuration file\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	if args[0] == "init" {
		path := *configPath
		if len(args) > 1 {
			path = args[1]
		}
		return handleInit(logger, path)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	// Apply command-line overrides
	if *pools != "" {
		cfg.Bench.Pools = splitList(*pools)
		cfg.DBDown.Pools = cfg.Bench.Pools
	}
	if *threads > 0 {
		cfg.Bench.Threads = *threads
	}
	if *duration > 0 {
		cfg.Bench.Duration = config.Duration(*duration)
		cfg.DBDown.Duration = config.Duration(*duration)
	}
	if *workload != "" {
		cfg.Bench.Workload = *workload
	}
	if *driver != "" {
		cfg.Backend.Driver = *driver
	}
	if *dsn != "" {
		cfg.Backend.DSN = *dsn
	}
	if *results != "" {
		cfg.Bench.ResultsFile = *results
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	// Cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RecordStartTime()
	if cfg.Metrics.Enabled {
		srv := startMetrics(logger, cfg.Metrics.Listen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	switch args[0] {
	case "bench":
		return handleBench(ctx, logger, cfg)
	case "dbdown":
		return handleDBDown(ctx, logger, cfg)
	case "compare":
		path := cfg.Bench.ResultsFile
		if len(args) > 1 {
			path = args[1]
		}
		return handleCompare(logger, path)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		return 2
	}
}

// handleBench handles the "bench" subcommand.
func handleBench(ctx context.Context, logger *slog.Logger, cfg *config.Config) int {
	params := cfg.BenchParams()

	if err := bench.WriteHost(os.Stdout, bench.CollectHostInfo(ctx)); err != nil {
		logger.Warn("failed to write host info", "error", err)
	}
	logger.Info("benchmark starting",
		"pools", strings.Join(params.Pools, ","),
		"driver", params.Backend.Driver,
		"workload", params.Workload,
		"threads", params.Threads,
		"duration", params.Duration,
		"version", version.Full())

	runner := bench.NewRunner(params)
	runner.OnResult = func(r bench.Result) {
		logger.Info("trial finished", "pool", r.Pool, "ops", r.Ops, "opsPerSec", int64(r.OpsPerSec), "p99", r.P99)
	}
	results, err := runner.Run(ctx)

	if len(results) > 0 {
		if werr := bench.WriteTable(os.Stdout, results); werr != nil {
			logger.Error("failed to write results", "error", werr)
		}
		if cfg.Bench.ResultsFile != "" {
			if aerr := bench.AppendResults(cfg.Bench.ResultsFile, results); aerr != nil {
				logger.Error("failed to record results", "error", aerr)
				return 1
			}
			logger.Info("results recorded", "path", cfg.Bench.ResultsFile)
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("benchmark interrupted")
		return 130
	case err != nil:
		logger.Error("benchmark failed", "error", err)
		return 1
	}
	return 0
}

// handleDBDown handles the "dbdown" subcommand.
func handleDBDown(ctx context.Context, logger *slog.Logger, cfg *config.Config) int {
	dc := cfg.DBDownConfig()
	logger.Info("dbdown test starting",
		"pools", strings.Join(dc.Pools, ","),
		"driver", dc.Backend.Driver,
		"period", dc.Period,
		"duration", dc.Duration)

	summaries, err := dbdown.New(dc, nil).Run(ctx)
	if err != nil {
		logger.Error("dbdown test failed", "error", err)
		return 1
	}

	failed := false
	for _, s := range summaries {
		logger.Info("dbdown summary",
			"pool", s.Pool,
			"runs", s.Counts.Runs,
			"succeeded", s.Counts.Succeeded,
			"acquireFailed", s.Counts.AcquireFailed,
			"queryFailed", s.Counts.QueryFailed,
			"recovered", s.LastOK,
			"lastError", s.LastError)
		if s.Counts.Runs > 0 && !s.LastOK {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}

// handleCompare handles the "compare" subcommand.
func handleCompare(logger *slog.Logger, path string) int {
	results, err := bench.LoadResults(path)
	if err != nil {
		logger.Error("failed to load results", "error", err)
		return 1
	}
	if err := bench.WriteComparison(os.Stdout, bench.Compare(results)); err != nil {
		logger.Error("failed to compare results", "error", err)
		return 1
	}
	return 0
}

// handleInit handles the "init" subcommand.
func handleInit(logger *slog.Logger, path string) int {
	if _, err := os.Stat(path); err == nil {
		logger.Error("config file already exists", "path", path)
		return 1
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		logger.Error("failed to write config", "error", err)
		return 1
	}
	logger.Info("config written", "path", path)
	return 0
}

// startMetrics serves the metrics registry until the returned server is
// shut down.
func startMetrics(logger *slog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
