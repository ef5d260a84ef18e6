package datasource

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/go-i2p/poolbench/lib/backend"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
)

// semaphoreDS gates borrowers with a weighted semaphore over a LIFO stack
// of idle connections. Close takes the whole semaphore, so it drains: it
// waits for every borrowed connection to come back.
type semaphoreDS struct {
	*ledger
	sem *semaphore.Weighted

	stackMu sync.Mutex
	stack   []Conn
}

func openSemaphore(s Settings, f backend.Factory) (DataSource, error) {
	d := &semaphoreDS{
		ledger: newLedger(s, f),
		sem:    semaphore.NewWeighted(int64(s.MaxSize)),
		stack:  make([]Conn, 0, s.MaxSize),
	}
	if err := d.prefill(d.push); err != nil {
		if s.StrictInit {
			for conn := d.pop(); conn != nil; conn = d.pop() {
				d.destroy(conn)
			}
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		log.WithField("name", s.Name).WithError(err).Warn("data source starting degraded")
	}
	return d, nil
}

func (d *semaphoreDS) Name() string { return d.settings.Name }
func (d *semaphoreDS) Kind() string { return KindSemaphore }

func (d *semaphoreDS) push(conn Conn) {
	d.stackMu.Lock()
	d.stack = append(d.stack, conn)
	d.stackMu.Unlock()
}

func (d *semaphoreDS) pop() Conn {
	d.stackMu.Lock()
	defer d.stackMu.Unlock()
	n := len(d.stack)
	if n == 0 {
		return nil
	}
	conn := d.stack[n-1]
	d.stack[n-1] = nil
	d.stack = d.stack[:n-1]
	return conn
}

func (d *semaphoreDS) Acquire(ctx context.Context) (Conn, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	ctx, cancel := acquireContext(ctx, d.settings.AcquireTimeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, d.fail(mapCtxErr(err))
	}
	if d.isClosed() {
		d.sem.Release(1)
		return nil, d.fail(ErrClosed)
	}

	conn, err := d.take(ctx)
	if err != nil {
		d.sem.Release(1)
		return nil, d.fail(err)
	}
	if !d.checkout(conn) {
		d.destroy(conn)
		d.sem.Release(1)
		return nil, d.fail(ErrClosed)
	}
	return conn, nil
}

func (d *semaphoreDS) take(ctx context.Context) (Conn, error) {
	for conn := d.pop(); conn != nil; conn = d.pop() {
		if d.valid(ctx, conn) {
			return conn, nil
		}
		d.destroy(conn)
		if err := ctx.Err(); err != nil {
			return nil, mapCtxErr(err)
		}
	}
	return d.create(ctx)
}

func (d *semaphoreDS) Release(conn Conn) error {
	known := d.checkin(conn, func(conn Conn) bool {
		d.push(conn)
		return true
	})
	if !known {
		return ErrUnknownConnection
	}
	d.sem.Release(1)
	return nil
}

// Close destroys idle connections, then waits up to ShutdownGrace for
// borrowed ones to be released and destroyed.
func (d *semaphoreDS) Close() error {
	if !d.markClosed() {
		return ErrClosed
	}
	for conn := d.pop(); conn != nil; conn = d.pop() {
		d.destroy(conn)
	}

	ctx, cancel := acquireContext(context.Background(), d.settings.ShutdownGrace)
	defer cancel()
	if err := d.sem.Acquire(ctx, int64(d.settings.MaxSize)); err != nil {
		return fmt.Errorf("%w: %d connections still in use", apperrors.ErrShutdownTimeout, d.Stats().InUse)
	}
	d.sem.Release(int64(d.settings.MaxSize))
	return nil
}

func (d *semaphoreDS) Stats() Stats {
	d.stackMu.Lock()
	idle := len(d.stack)
	d.stackMu.Unlock()
	return d.stats(KindSemaphore, idle, 0)
}
