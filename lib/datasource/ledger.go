package datasource

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/poolbench/lib/backend"
	apperrors "github.com/go-i2p/poolbench/lib/errors"
)

// ledger is the bookkeeping shared by the channel and semaphore variants:
// which connections are out, whether the source is closed, and counters.
type ledger struct {
	settings Settings
	factory  backend.Factory

	mu     sync.Mutex
	inUse  map[Conn]struct{}
	closed bool

	acquired atomic.Uint64
	failed   atomic.Uint64
	timeouts atomic.Uint64
	created  atomic.Uint64
}

func newLedger(s Settings, f backend.Factory) *ledger {
	return &ledger{
		settings: s,
		factory:  f,
		inUse:    make(map[Conn]struct{}, s.MaxSize),
	}
}

// create dials a connection.
func (l *ledger) create(ctx context.Context) (Conn, error) {
	conn, err := l.factory.Create(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", mapCtxErr(ctx.Err()), err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionCreation, err)
	}
	l.created.Add(1)
	return conn, nil
}

// valid applies TestOnBorrow.
func (l *ledger) valid(ctx context.Context, conn Conn) bool {
	if !l.settings.TestOnBorrow {
		return true
	}
	return l.check(ctx, conn)
}

// check validates conn under ValidationTimeout.
func (l *ledger) check(ctx context.Context, conn Conn) bool {
	ctx, cancel := acquireContext(ctx, l.settings.ValidationTimeout)
	defer cancel()
	return l.factory.Validate(ctx, conn)
}

// destroy closes a connection, logging failures.
func (l *ledger) destroy(conn Conn) {
	if err := l.factory.Destroy(conn); err != nil {
		log.WithField("name", l.settings.Name).WithError(err).Debug("error destroying connection")
	}
}

// checkout records conn as borrowed. It fails if the source closed
// meanwhile, in which case the caller must destroy conn.
func (l *ledger) checkout(conn Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.inUse[conn] = struct{}{}
	l.acquired.Add(1)
	return true
}

// checkin removes conn from the borrowed set and parks it, or destroys it
// when the source is closed, TestOnReturn validation fails or park refuses
// it. park runs under the ledger lock so it cannot race Close. It reports
// whether conn was borrowed.
func (l *ledger) checkin(conn Conn, park func(Conn) bool) bool {
	healthy := true
	if l.settings.TestOnReturn && !l.isClosed() {
		healthy = l.check(context.Background(), conn)
	}

	l.mu.Lock()
	if _, ok := l.inUse[conn]; !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.inUse, conn)
	parked := healthy && !l.closed && park(conn)
	l.mu.Unlock()

	if !healthy {
		log.WithField("name", l.settings.Name).Debug("closing connection that failed validation on return")
	}
	if !parked {
		l.destroy(conn)
	}
	return true
}

// fail counts a failed acquire and normalizes its error.
func (l *ledger) fail(err error) error {
	l.failed.Add(1)
	if apperrors.IsTimeout(err) {
		l.timeouts.Add(1)
	}
	return err
}

func (l *ledger) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// markClosed flips the closed flag once.
func (l *ledger) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

func (l *ledger) stats(kind string, idle, waiting int) Stats {
	l.mu.Lock()
	inUse := len(l.inUse)
	l.mu.Unlock()
	return Stats{
		Kind:     kind,
		Name:     l.settings.Name,
		MaxSize:  l.settings.MaxSize,
		Open:     idle + inUse,
		Idle:     idle,
		InUse:    inUse,
		Waiting:  waiting,
		Acquired: l.acquired.Load(),
		Failed:   l.failed.Load(),
		Timeouts: l.timeouts.Load(),
		Created:  l.created.Load(),
	}
}

// prefill creates MinIdle connections for the variant to park.
func (l *ledger) prefill(park func(Conn)) error {
	ctx, cancel := acquireContext(context.Background(), l.settings.InitTimeout)
	defer cancel()

	for i := 0; i < l.settings.MinIdle; i++ {
		conn, err := l.create(ctx)
		if err != nil {
			return fmt.Errorf("created %d of %d connections: %w", i, l.settings.MinIdle, err)
		}
		park(conn)
	}
	return nil
}
