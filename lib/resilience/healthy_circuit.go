package resilience

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/poolbench/lib/metrics"
)

// Probe reports whether the backend answered within ctx.
type Probe func(ctx context.Context) error

// TCPProbe returns a Probe that dials addr over TCP.
func TCPProbe(addr string) Probe {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// HealthyCircuitConfig configures a HealthyCircuit.
type HealthyCircuitConfig struct {
	CircuitBreaker CircuitBreakerConfig

	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultHealthyCircuitConfig returns sensible defaults.
func DefaultHealthyCircuitConfig() HealthyCircuitConfig {
	return HealthyCircuitConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		CheckInterval:  2 * time.Second,
		ProbeTimeout:   time.Second,
	}
}

// HealthyCircuit probes a backend on a fixed interval, feeds the results
// into a circuit breaker and logs reachability transitions.
type HealthyCircuit struct {
	mu     sync.RWMutex
	config HealthyCircuitConfig
	name   string
	probe  Probe

	circuit *CircuitBreaker

	lastCheck   time.Time
	lastHealthy time.Time
	isHealthy   bool
	checks      uint64
	failures    uint64

	onUnhealthy func()
	onHealthy   func()

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHealthyCircuit creates a monitor that runs probe every CheckInterval.
func NewHealthyCircuit(name string, probe Probe, cfg HealthyCircuitConfig) *HealthyCircuit {
	def := DefaultHealthyCircuitConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	return &HealthyCircuit{
		config:    cfg,
		name:      name,
		probe:     probe,
		circuit:   NewCircuitBreaker(name+"-circuit", cfg.CircuitBreaker),
		isHealthy: true, // Optimistic start
	}
}

// SetCallbacks sets the callbacks for reachability transitions. Each runs
// on its own goroutine.
func (hc *HealthyCircuit) SetCallbacks(onUnhealthy, onHealthy func()) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onUnhealthy = onUnhealthy
	hc.onHealthy = onHealthy
}

// Start begins monitoring. It is a no-op if already running.
func (hc *HealthyCircuit) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	ctx, cancel := context.WithCancel(ctx)
	hc.cancel = cancel
	hc.mu.Unlock()

	log.WithField("name", hc.name).
		WithField("checkInterval", hc.config.CheckInterval).
		Debug("starting backend monitor")

	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		hc.monitorLoop(ctx)
	}()
}

// Stop halts monitoring and waits for the loop to exit.
func (hc *HealthyCircuit) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.cancel()
	hc.mu.Unlock()

	hc.wg.Wait()
	log.WithField("name", hc.name).Debug("backend monitor stopped")
}

func (hc *HealthyCircuit) monitorLoop(ctx context.Context) {
	hc.check(ctx)

	ticker := time.NewTicker(hc.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.check(ctx)
		}
	}
}

// check runs one probe and updates state.
func (hc *HealthyCircuit) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, hc.config.ProbeTimeout)
	err := hc.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	healthy := err == nil

	hc.mu.Lock()
	wasHealthy := hc.isHealthy
	hc.isHealthy = healthy
	hc.lastCheck = time.Now()
	hc.checks++
	if healthy {
		hc.lastHealthy = hc.lastCheck
	} else {
		hc.failures++
	}
	onUnhealthy := hc.onUnhealthy
	onHealthy := hc.onHealthy
	hc.mu.Unlock()

	if healthy {
		metrics.BackendReachable.Set(1)
		hc.circuit.RecordSuccess()
		if !wasHealthy {
			log.WithField("name", hc.name).Info("backend reachable again")
			if onHealthy != nil {
				go onHealthy()
			}
		}
		return
	}

	metrics.BackendReachable.Set(0)
	ProbeFailures.With(hc.name).Inc()
	hc.circuit.RecordFailure()
	if wasHealthy {
		log.WithField("name", hc.name).WithError(err).Warn("backend unreachable")
		if onUnhealthy != nil {
			go onUnhealthy()
		}
	} else {
		log.WithField("name", hc.name).WithError(err).Debug("backend probe failed")
	}
}

// IsHealthy reports whether the last probe succeeded.
func (hc *HealthyCircuit) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isHealthy
}

// HealthyCircuitStats holds combined statistics.
type HealthyCircuitStats struct {
	IsHealthy      bool
	Checks         uint64
	Failures       uint64
	LastCheck      time.Time
	LastHealthy    time.Time
	CircuitBreaker CircuitBreakerStats
}

// Stats returns combined probe and circuit breaker statistics.
func (hc *HealthyCircuit) Stats() HealthyCircuitStats {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return HealthyCircuitStats{
		IsHealthy:      hc.isHealthy,
		Checks:         hc.checks,
		Failures:       hc.failures,
		LastCheck:      hc.lastCheck,
		LastHealthy:    hc.lastHealthy,
		CircuitBreaker: hc.circuit.Stats(),
	}
}

