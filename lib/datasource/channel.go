package datasource

import (
	"context"
	"fmt"

	"github.com/go-i2p/poolbench/lib/backend"
)

// channelDS is a buffered-channel pool. A borrower holds one of MaxSize
// slot tokens; idle connections wait in a channel and are created lazily
// when none is idle.
type channelDS struct {
	*ledger
	slots chan struct{}
	idle  chan Conn
	done  chan struct{}
}

func openChannel(s Settings, f backend.Factory) (DataSource, error) {
	c := &channelDS{
		ledger: newLedger(s, f),
		slots:  make(chan struct{}, s.MaxSize),
		idle:   make(chan Conn, s.MaxSize),
		done:   make(chan struct{}),
	}
	if err := c.prefill(func(conn Conn) { c.idle <- conn }); err != nil {
		if s.StrictInit {
			c.drain()
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		log.WithField("name", s.Name).WithError(err).Warn("data source starting degraded")
	}
	return c, nil
}

func (c *channelDS) Name() string { return c.settings.Name }
func (c *channelDS) Kind() string { return KindChannel }

func (c *channelDS) Acquire(ctx context.Context) (Conn, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ctx, cancel := acquireContext(ctx, c.settings.AcquireTimeout)
	defer cancel()

	select {
	case c.slots <- struct{}{}:
	case <-c.done:
		return nil, c.fail(ErrClosed)
	case <-ctx.Done():
		return nil, c.fail(mapCtxErr(ctx.Err()))
	}

	conn, err := c.take(ctx)
	if err != nil {
		<-c.slots
		return nil, c.fail(err)
	}
	if !c.checkout(conn) {
		c.destroy(conn)
		<-c.slots
		return nil, c.fail(ErrClosed)
	}
	return conn, nil
}

// take pops a valid idle connection or creates one. Caller holds a slot.
func (c *channelDS) take(ctx context.Context) (Conn, error) {
	for {
		select {
		case conn := <-c.idle:
			if c.valid(ctx, conn) {
				return conn, nil
			}
			c.destroy(conn)
			if err := ctx.Err(); err != nil {
				return nil, mapCtxErr(err)
			}
		default:
			return c.create(ctx)
		}
	}
}

func (c *channelDS) Release(conn Conn) error {
	// Park before freeing the slot so the next borrower finds it.
	known := c.checkin(conn, func(conn Conn) bool {
		select {
		case c.idle <- conn:
			return true
		default:
			return false
		}
	})
	if !known {
		return ErrUnknownConnection
	}
	<-c.slots
	return nil
}

func (c *channelDS) Close() error {
	if !c.markClosed() {
		return ErrClosed
	}
	close(c.done)
	c.drain()
	return nil
}

// drain destroys every idle connection.
func (c *channelDS) drain() {
	for {
		select {
		case conn := <-c.idle:
			c.destroy(conn)
		default:
			return
		}
	}
}

func (c *channelDS) Stats() Stats {
	return c.stats(KindChannel, len(c.idle), 0)
}
