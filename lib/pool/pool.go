package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"

	apperrors "github.com/go-i2p/poolbench/lib/errors"
)

var log = logger.GetGoI2PLogger()

// Pool errors. These are aliases of the central definitions in lib/errors.
var (
	// ErrPoolClosed is returned when operating on a closing or closed pool.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrTimeout is returned when acquiring a connection times out.
	ErrTimeout = apperrors.ErrPoolTimeout
	// ErrConnectionCreation is returned when the factory cannot create a connection.
	ErrConnectionCreation = apperrors.ErrConnectionCreation
	// ErrInitialization is returned by New when StrictInit cannot be satisfied.
	ErrInitialization = apperrors.ErrInitialization
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = apperrors.ErrPoolInvalidConfig
	// ErrUnknownConnection is returned when releasing a connection the pool does not own.
	ErrUnknownConnection = apperrors.ErrUnknownConnection
	// ErrShutdownTimeout is returned by Close when the grace period elapses.
	ErrShutdownTimeout = apperrors.ErrShutdownTimeout
)

// Connection represents a poolable connection. Implementations must be
// comparable (pointer types are); the pool tracks ownership by identity.
type Connection interface {
	// Close closes the connection.
	Close() error
}

// Factory is the pool's only collaborator: it creates, validates and
// destroys physical connections.
type Factory interface {
	// Create opens a new connection. It should honor ctx cancellation.
	Create(ctx context.Context) (Connection, error)
	// Validate reports whether conn is still usable.
	Validate(ctx context.Context, conn Connection) bool
	// Destroy closes conn.
	Destroy(conn Connection) error
}

// CreateFunc creates new connections.
type CreateFunc func(ctx context.Context) (Connection, error)

// HealthChecker checks if a connection is still valid.
type HealthChecker func(ctx context.Context, conn Connection) bool

type funcFactory struct {
	create CreateFunc
	check  HealthChecker
}

// NewFactory builds a Factory from plain functions. A nil check treats
// every connection as valid. Destroy calls Close.
func NewFactory(create CreateFunc, check HealthChecker) Factory {
	return &funcFactory{create: create, check: check}
}

func (f *funcFactory) Create(ctx context.Context) (Connection, error) {
	return f.create(ctx)
}

func (f *funcFactory) Validate(ctx context.Context, conn Connection) bool {
	if f.check == nil {
		return true
	}
	return f.check(ctx, conn)
}

func (f *funcFactory) Destroy(conn Connection) error {
	return conn.Close()
}

// pooledConn wraps a connection with metadata.
type pooledConn struct {
	conn       Connection
	createdAt  time.Time
	lastUsed   time.Time
	borrowedAt time.Time
	useCount   uint64
	// returning is set while a Release of the connection is in progress.
	returning bool
}

// grant is what a waiter receives: a connection, a reserved creation
// slot, or notice that the pool closed.
type grant struct {
	pc     *pooledConn
	create bool
	closed bool
}

type waiter struct {
	ready chan grant
	elem  *list.Element
}

// Pool is a bounded connection pool.
type Pool struct {
	factory Factory
	config  Config

	mu         sync.Mutex
	state      State
	idle       []*pooledConn // oldest return first
	inUse      map[Connection]*pooledConn
	pending    int // creations in flight, counted against MaxSize
	destroying int // removed from the books, Destroy not yet returned
	waiters    list.List
	degraded   bool
	filling    bool
	drained    chan struct{}
	drainedSet bool
	stopEvict  chan struct{}
	evictDone  chan struct{}

	// bgCtx bounds background fills and idle checks; canceled by Shutdown.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	// Metrics
	acquireCount    uint64
	acquireSuccess  uint64
	acquireFailed   uint64
	acquireTimeouts uint64
	releaseCount    uint64
	createCount     uint64
	createFailed    uint64
	validationFails uint64
	evictedCount    uint64
	destroyedCount  uint64
	waitNanos       uint64
}

// New creates a new connection pool and performs the initial fill of
// MinIdle connections.
func New(factory Factory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}

	p := &Pool{
		factory:   factory,
		config:    cfg,
		state:     StateStarting,
		idle:      make([]*pooledConn, 0, cfg.MaxSize),
		inUse:     make(map[Connection]*pooledConn, cfg.MaxSize),
		drained:   make(chan struct{}),
		stopEvict: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())

	if err := p.initialFill(); err != nil {
		if cfg.StrictInit {
			p.bgCancel()
			return nil, err
		}
		p.degraded = true
		log.WithField("pool", cfg.Name).WithError(err).Warn("pool starting degraded")
	}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()

	if cfg.EvictionInterval > 0 {
		go p.evictLoop()
	} else {
		close(p.evictDone)
	}

	log.WithField("pool", cfg.Name).
		WithField("maxSize", cfg.MaxSize).
		WithField("minIdle", cfg.MinIdle).
		WithField("idle", p.Stats().NumIdle).
		Debug("pool created")
	return p, nil
}

// initialFill creates MinIdle connections within InitTimeout. In strict
// mode a failure destroys whatever was created and returns ErrInitialization.
func (p *Pool) initialFill() error {
	if p.config.MinIdle == 0 {
		return nil
	}

	ctx := context.Background()
	if p.config.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.InitTimeout)
		defer cancel()
	}

	created := make([]*pooledConn, 0, p.config.MinIdle)
	var fillErr error
	for i := 0; i < p.config.MinIdle; i++ {
		conn, err := p.factory.Create(ctx)
		if err != nil {
			atomic.AddUint64(&p.createFailed, 1)
			PoolCreateFailedTotal.With(p.config.Name).Inc()
			fillErr = err
			break
		}
		atomic.AddUint64(&p.createCount, 1)
		now := time.Now()
		created = append(created, &pooledConn{conn: conn, createdAt: now, lastUsed: now})
	}

	if fillErr != nil && p.config.StrictInit {
		for _, pc := range created {
			if err := p.factory.Destroy(pc.conn); err != nil {
				log.WithField("pool", p.config.Name).WithError(err).Debug("error destroying connection")
			}
		}
		return fmt.Errorf("%w: created %d of %d connections: %w",
			ErrInitialization, len(created), p.config.MinIdle, fillErr)
	}

	p.mu.Lock()
	p.idle = append(p.idle, created...)
	p.mu.Unlock()

	if fillErr != nil {
		return fmt.Errorf("created %d of %d connections: %w", len(created), p.config.MinIdle, fillErr)
	}
	return nil
}

// Acquire gets a connection from the pool.
// It blocks until a connection is available, the acquire deadline passes
// or ctx is canceled.
func (p *Pool) Acquire(ctx context.Context) (Connection, error) {
	atomic.AddUint64(&p.acquireCount, 1)
	PoolAcquireTotal.With(p.config.Name).Inc()
	start := time.Now()

	acquireCtx := ctx
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	if p.Degraded() {
		p.kickFill()
	}

	conn, err := p.acquire(acquireCtx)
	elapsed := time.Since(start)
	atomic.AddUint64(&p.waitNanos, uint64(elapsed))
	PoolAcquireLatency.Observe(elapsed.Seconds())

	if err != nil {
		atomic.AddUint64(&p.acquireFailed, 1)
		PoolAcquireFailedTotal.With(p.config.Name).Inc()
		if errors.Is(err, ErrTimeout) {
			atomic.AddUint64(&p.acquireTimeouts, 1)
			PoolAcquireTimeoutTotal.With(p.config.Name).Inc()
		}
		log.WithField("pool", p.config.Name).WithError(err).Debug("acquire failed")
		return nil, err
	}

	atomic.AddUint64(&p.acquireSuccess, 1)
	return conn, nil
}

func (p *Pool) acquire(ctx context.Context) (Connection, error) {
	for {
		p.mu.Lock()
		if p.state >= StateClosing {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, ctxError(err)
		}

		// Waiters already queued are served first.
		if p.waiters.Len() == 0 {
			if pc := p.popIdleLocked(); pc != nil {
				p.checkoutLocked(pc)
				p.mu.Unlock()
				return p.borrow(ctx, pc)
			}
			if p.canCreateLocked() {
				p.pending++
				p.mu.Unlock()
				return p.create(ctx)
			}
		}

		w := &waiter{ready: make(chan grant, 1)}
		w.elem = p.waiters.PushBack(w)
		p.mu.Unlock()
		log.WithField("pool", p.config.Name).Debug("waiting for available connection")

		var g grant
		select {
		case g = <-w.ready:
		case <-ctx.Done():
			p.mu.Lock()
			if w.elem != nil {
				p.waiters.Remove(w.elem)
				w.elem = nil
				p.mu.Unlock()
				return nil, ctxError(ctx.Err())
			}
			p.mu.Unlock()
			// Granted concurrently with the deadline: pass it on.
			p.forfeit(<-w.ready)
			return nil, ctxError(ctx.Err())
		}

		switch {
		case g.closed:
			return nil, ErrPoolClosed
		case g.create:
			return p.create(ctx)
		case g.pc != nil:
			return p.borrow(ctx, g.pc)
		}
	}
}

// borrow finishes handing pc (already in the in-use set) to a caller,
// validating it when TestOnBorrow is set. A connection that fails
// validation is destroyed and its slot reused for another idle connection
// or a fresh creation, all within ctx.
func (p *Pool) borrow(ctx context.Context, pc *pooledConn) (Connection, error) {
	for {
		if !p.config.TestOnBorrow {
			pc.useCount++
			return pc.conn, nil
		}
		if err := ctx.Err(); err != nil {
			p.checkin(pc)
			return nil, ctxError(err)
		}
		if p.validate(ctx, pc) {
			pc.useCount++
			return pc.conn, nil
		}

		if err := ctx.Err(); err != nil {
			// The deadline, not the connection, may have failed validation.
			p.checkin(pc)
			return nil, ctxError(err)
		}

		atomic.AddUint64(&p.validationFails, 1)
		PoolValidationFailedTotal.With(p.config.Name).Inc()
		log.WithField("pool", p.config.Name).Debug("closing connection that failed validation on borrow")

		p.mu.Lock()
		delete(p.inUse, pc.conn)
		p.destroying++
		if p.state >= StateClosing {
			p.mu.Unlock()
			p.destroyConn(pc)
			return nil, ErrPoolClosed
		}
		next := p.popIdleLocked()
		if next != nil {
			p.checkoutLocked(next)
		} else {
			p.pending++
		}
		p.mu.Unlock()

		p.destroyConn(pc)
		if next == nil {
			return p.create(ctx)
		}
		pc = next
	}
}

// create runs the factory outside the lock for a slot already reserved in
// p.pending, then reconciles the result.
func (p *Pool) create(ctx context.Context) (Connection, error) {
	conn, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		atomic.AddUint64(&p.createFailed, 1)
		PoolCreateFailedTotal.With(p.config.Name).Inc()
		p.grantSlotLocked()
		p.checkDrainedLocked()
		p.mu.Unlock()
		log.WithField("pool", p.config.Name).WithError(err).Debug("failed to create new connection")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxError(ctxErr), err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionCreation, err)
	}

	atomic.AddUint64(&p.createCount, 1)
	now := time.Now()
	pc := &pooledConn{conn: conn, createdAt: now, lastUsed: now, borrowedAt: now, useCount: 1}

	if p.state >= StateClosing {
		p.destroying++
		p.mu.Unlock()
		p.destroyConn(pc)
		return nil, ErrPoolClosed
	}
	p.inUse[conn] = pc
	p.mu.Unlock()

	log.WithField("pool", p.config.Name).Debug("created new connection")
	return conn, nil
}

// forfeit returns a grant that arrived after its waiter gave up.
func (p *Pool) forfeit(g grant) {
	switch {
	case g.pc != nil:
		p.checkin(g.pc)
	case g.create:
		p.mu.Lock()
		p.pending--
		p.grantSlotLocked()
		p.checkDrainedLocked()
		p.mu.Unlock()
	}
}

// Release returns a connection to the pool. The connection goes to the
// oldest waiter if there is one, otherwise to the idle set. When the pool
// is closing, or TestOnReturn validation fails, it is destroyed instead.
func (p *Pool) Release(conn Connection) error {
	if conn == nil {
		return nil
	}

	atomic.AddUint64(&p.releaseCount, 1)
	PoolReleaseTotal.With(p.config.Name).Inc()

	p.mu.Lock()
	pc, ok := p.inUse[conn]
	if !ok || pc.returning {
		p.mu.Unlock()
		return ErrUnknownConnection
	}
	pc.returning = true
	closing := p.state >= StateClosing
	p.mu.Unlock()

	if !closing && p.config.TestOnReturn && !p.validate(context.Background(), pc) {
		atomic.AddUint64(&p.validationFails, 1)
		PoolValidationFailedTotal.With(p.config.Name).Inc()
		log.WithField("pool", p.config.Name).Debug("closing connection that failed validation on return")
		p.discard(pc)
		return nil
	}

	p.checkin(pc)
	return nil
}

// Discard removes a connection from the pool without returning it.
// Use this when a connection is known to be bad.
func (p *Pool) Discard(conn Connection) error {
	if conn == nil {
		return nil
	}

	p.mu.Lock()
	pc, ok := p.inUse[conn]
	if !ok || pc.returning {
		p.mu.Unlock()
		return ErrUnknownConnection
	}
	pc.returning = true
	p.mu.Unlock()

	log.WithField("pool", p.config.Name).Debug("discarding bad connection")
	p.discard(pc)
	return nil
}

// discard destroys an in-use connection and offers its slot to a waiter.
func (p *Pool) discard(pc *pooledConn) {
	p.mu.Lock()
	if p.inUse[pc.conn] != pc {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, pc.conn)
	p.destroying++
	p.grantSlotLocked()
	p.mu.Unlock()

	p.destroyConn(pc)
}

// checkin moves an in-use connection back to a waiter or the idle set.
func (p *Pool) checkin(pc *pooledConn) {
	p.mu.Lock()
	if p.inUse[pc.conn] != pc {
		p.mu.Unlock()
		return
	}
	pc.returning = false
	if p.state >= StateClosing {
		delete(p.inUse, pc.conn)
		p.destroying++
		p.mu.Unlock()
		log.WithField("pool", p.config.Name).Debug("pool closing, closing connection")
		p.destroyConn(pc)
		return
	}

	pc.lastUsed = time.Now()
	if w := p.popWaiterLocked(); w != nil {
		pc.borrowedAt = pc.lastUsed
		w.ready <- grant{pc: pc}
		p.mu.Unlock()
		return
	}

	delete(p.inUse, pc.conn)
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// popIdleLocked takes the most recently returned idle connection.
// Caller must hold the lock.
func (p *Pool) popIdleLocked() *pooledConn {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	pc := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return pc
}

// checkoutLocked records pc as in use. Caller must hold the lock.
func (p *Pool) checkoutLocked(pc *pooledConn) {
	pc.borrowedAt = time.Now()
	p.inUse[pc.conn] = pc
}

// popWaiterLocked dequeues the oldest waiter. Caller must hold the lock.
func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w := p.waiters.Remove(front).(*waiter)
	w.elem = nil
	return w
}

// canCreateLocked reports whether a new connection fits under MaxSize.
// Caller must hold the lock.
func (p *Pool) canCreateLocked() bool {
	return len(p.idle)+len(p.inUse)+p.pending < p.config.MaxSize
}

// grantSlotLocked hands a free slot to the oldest waiter as a creation
// reservation. Caller must hold the lock.
func (p *Pool) grantSlotLocked() {
	if p.state >= StateClosing || !p.canCreateLocked() {
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		p.pending++
		w.ready <- grant{create: true}
	}
}

// checkDrainedLocked signals Close once nothing is open, pending or being
// destroyed. Caller must hold the lock.
func (p *Pool) checkDrainedLocked() {
	if p.state < StateClosing || p.drainedSet {
		return
	}
	if len(p.idle)+len(p.inUse)+p.pending+p.destroying == 0 {
		p.drainedSet = true
		close(p.drained)
	}
}

// validate runs the factory's Validate under ValidationTimeout.
func (p *Pool) validate(ctx context.Context, pc *pooledConn) bool {
	if p.config.ValidationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ValidationTimeout)
		defer cancel()
	}
	return p.factory.Validate(ctx, pc.conn)
}

// destroyConn destroys a connection already removed from the books and
// counted in p.destroying.
func (p *Pool) destroyConn(pc *pooledConn) {
	if err := p.factory.Destroy(pc.conn); err != nil {
		log.WithField("pool", p.config.Name).WithError(err).Debug("error destroying connection")
	}
	log.WithField("pool", p.config.Name).
		WithField("age", time.Since(pc.createdAt).Round(time.Millisecond)).
		WithField("uses", pc.useCount).
		Debug("destroyed connection")
	atomic.AddUint64(&p.destroyedCount, 1)

	p.mu.Lock()
	if p.destroying > 0 {
		p.destroying--
	}
	p.checkDrainedLocked()
	p.mu.Unlock()
}

// Close shuts the pool down, waiting up to ShutdownGrace for in-use
// connections to come back.
func (p *Pool) Close() error {
	ctx := context.Background()
	if p.config.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownGrace)
		defer cancel()
	}
	return p.Shutdown(ctx)
}

// Shutdown marks the pool closing, fails all waiters, destroys idle
// connections immediately and blocks until every connection has been
// destroyed or ctx is done. Connections still in use are destroyed when
// they are released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state >= StateClosing {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.state = StateClosing

	idle := p.idle
	p.idle = nil
	p.destroying += len(idle)

	for w := p.popWaiterLocked(); w != nil; w = p.popWaiterLocked() {
		w.ready <- grant{closed: true}
	}
	p.checkDrainedLocked()
	p.mu.Unlock()

	p.bgCancel()
	close(p.stopEvict)
	<-p.evictDone

	for _, pc := range idle {
		p.destroyConn(pc)
	}

	var err error
	select {
	case <-p.drained:
	case <-ctx.Done():
		st := p.Stats()
		err = fmt.Errorf("%w: %d connections still in use", ErrShutdownTimeout, st.NumInUse)
		log.WithField("pool", p.config.Name).WithField("inUse", st.NumInUse).Warn("pool closed with connections outstanding")
	}

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()

	UpdateMetrics(p.Stats())
	log.WithField("pool", p.config.Name).Debug("pool closed")
	return err
}

// ctxError maps context errors to pool errors.
func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Name returns the configured pool name.
func (p *Pool) Name() string {
	return p.config.Name
}

// Config returns a copy of the pool configuration.
func (p *Pool) Config() Config {
	return p.config
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Degraded reports whether the pool has not yet reached MinIdle
// connections since a failed fill.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Stats returns pool statistics.
type Stats struct {
	// Name is the pool name.
	Name string
	// State is the lifecycle state.
	State State
	// Degraded is true until a fill after a failed startup succeeds.
	Degraded bool
	// MaxSize is the maximum pool size.
	MaxSize int
	// NumOpen is the current number of open connections (idle + in use).
	NumOpen int
	// NumIdle is the current number of idle connections.
	NumIdle int
	// NumInUse is the number of connections currently in use.
	NumInUse int
	// NumWaiting is the number of callers blocked in Acquire.
	NumWaiting int
	// Pending is the number of connection creations in flight.
	Pending int
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// AcquireTimeouts is the number of acquires that hit their deadline.
	AcquireTimeouts uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// CreateCount is the number of connections created.
	CreateCount uint64
	// CreateFailed is the number of failed creations.
	CreateFailed uint64
	// ValidationFails is the number of connections that failed validation.
	ValidationFails uint64
	// Evicted is the number of idle connections evicted.
	Evicted uint64
	// Destroyed is the number of connections destroyed.
	Destroyed uint64
	// WaitTime is the cumulative time spent in Acquire.
	WaitTime time.Duration
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:            p.config.Name,
		State:           p.state,
		Degraded:        p.degraded,
		MaxSize:         p.config.MaxSize,
		NumOpen:         len(p.idle) + len(p.inUse),
		NumIdle:         len(p.idle),
		NumInUse:        len(p.inUse),
		NumWaiting:      p.waiters.Len(),
		Pending:         p.pending,
		AcquireCount:    atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:  atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:   atomic.LoadUint64(&p.acquireFailed),
		AcquireTimeouts: atomic.LoadUint64(&p.acquireTimeouts),
		ReleaseCount:    atomic.LoadUint64(&p.releaseCount),
		CreateCount:     atomic.LoadUint64(&p.createCount),
		CreateFailed:    atomic.LoadUint64(&p.createFailed),
		ValidationFails: atomic.LoadUint64(&p.validationFails),
		Evicted:         atomic.LoadUint64(&p.evictedCount),
		Destroyed:       atomic.LoadUint64(&p.destroyedCount),
		WaitTime:        time.Duration(atomic.LoadUint64(&p.waitNanos)),
	}
}
