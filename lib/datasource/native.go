package datasource

import (
	"context"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/pool"
)

// native is the pool engine in lib/pool.
type native struct {
	p *pool.Pool
}

func openNative(s Settings, f backend.Factory) (DataSource, error) {
	p, err := pool.New(f, s.PoolConfig())
	if err != nil {
		return nil, err
	}
	return &native{p: p}, nil
}

func (n *native) Name() string { return n.p.Name() }
func (n *native) Kind() string { return KindNative }

func (n *native) Acquire(ctx context.Context) (Conn, error) {
	return n.p.Acquire(ctx)
}

func (n *native) Release(conn Conn) error {
	return n.p.Release(conn)
}

func (n *native) Close() error {
	return n.p.Close()
}

func (n *native) Stats() Stats {
	st := n.p.Stats()
	return Stats{
		Kind:     KindNative,
		Name:     st.Name,
		MaxSize:  st.MaxSize,
		Open:     st.NumOpen,
		Idle:     st.NumIdle,
		InUse:    st.NumInUse,
		Waiting:  st.NumWaiting,
		Acquired: st.AcquireSuccess,
		Failed:   st.AcquireFailed,
		Timeouts: st.AcquireTimeouts,
		Created:  st.CreateCount,
	}
}
