package backend

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync/atomic"

	"github.com/go-i2p/poolbench/lib/pool"
	"github.com/go-i2p/poolbench/lib/resilience"
)

// Breaker puts a circuit breaker in front of a factory's dials, so a
// database that is down fails creation immediately instead of costing
// every caller a full login timeout.
type Breaker struct {
	Factory
	circuit *resilience.CircuitBreaker
	opened  atomic.Uint64
}

// NewBreaker wraps f.
func NewBreaker(f Factory, cfg resilience.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		Factory: f,
		circuit: resilience.NewCircuitBreaker(f.Name()+"-dial", cfg),
	}
	b.circuit.SetStateChangeCallback(func(from, to resilience.CircuitState) {
		if to == resilience.CircuitOpen {
			b.opened.Add(1)
		}
	})
	return b
}

// Opened returns how many times the dial circuit has opened.
func (b *Breaker) Opened() uint64 {
	return b.opened.Load()
}

// Circuit returns the breaker guarding dials.
func (b *Breaker) Circuit() *resilience.CircuitBreaker {
	return b.circuit
}

// Create dials through the circuit breaker.
func (b *Breaker) Create(ctx context.Context) (pool.Connection, error) {
	var conn pool.Connection
	err := b.circuit.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var err error
		conn, err = b.Factory.Create(ctx)
		return err
	})
	if err != nil {
		return nil, wrapCircuit(err)
	}
	return conn, nil
}

// Connector returns a connector whose dials go through the breaker.
func (b *Breaker) Connector() driver.Connector {
	return breakerConnector{b: b, inner: b.Factory.Connector()}
}

type breakerConnector struct {
	b     *Breaker
	inner driver.Connector
}

func (c breakerConnector) Connect(ctx context.Context) (driver.Conn, error) {
	var conn driver.Conn
	err := c.b.circuit.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var err error
		conn, err = c.inner.Connect(ctx)
		return err
	})
	if err != nil {
		return nil, wrapCircuit(err)
	}
	return conn, nil
}

func (c breakerConnector) Driver() driver.Driver {
	return c.inner.Driver()
}

func wrapCircuit(err error) error {
	if err == resilience.ErrCircuitOpen {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return err
}
