package resilience

import (
	"github.com/go-i2p/poolbench/lib/metrics"
)

// Circuit breaker metrics are labeled by breaker name, probe metrics by
// monitor name.
var (
	// CircuitBreakerState is each breaker's state: 0 = closed, 1 = open,
	// 2 = half-open.
	CircuitBreakerState = metrics.NewGaugeVec(
		"poolbench_circuit_breaker_state",
		"Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		"breaker",
	)
	// CircuitBreakerTrips counts the number of times circuits have opened.
	CircuitBreakerTrips = metrics.NewCounterVec(
		"poolbench_circuit_breaker_trips_total",
		"Total number of times circuit breakers have opened",
		"breaker",
	)
	// CircuitBreakerSuccesses counts successful calls through circuit breakers.
	CircuitBreakerSuccesses = metrics.NewCounterVec(
		"poolbench_circuit_breaker_successes_total",
		"Total successful calls through circuit breakers",
		"breaker",
	)
	// CircuitBreakerFailures counts failed calls through circuit breakers.
	CircuitBreakerFailures = metrics.NewCounterVec(
		"poolbench_circuit_breaker_failures_total",
		"Total failed calls through circuit breakers",
		"breaker",
	)
	// CircuitBreakerRejections counts calls rejected by open circuits.
	CircuitBreakerRejections = metrics.NewCounterVec(
		"poolbench_circuit_breaker_rejections_total",
		"Total calls rejected by open circuit breakers",
		"breaker",
	)
	// ProbeFailures counts failed reachability probes.
	ProbeFailures = metrics.NewCounterVec(
		"poolbench_backend_probe_failures_total",
		"Total failed backend reachability probes",
		"backend",
	)
)
