package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// evictLoop periodically evicts idle connections and tops the idle set up
// to MinIdle.
func (p *Pool) evictLoop() {
	defer close(p.evictDone)

	ticker := time.NewTicker(p.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopEvict:
			return
		case <-ticker.C:
			p.EvictIdle()
			UpdateMetrics(p.Stats())
		}
	}
}

// EvictIdle destroys connections that have been idle longer than
// IdleTimeout, oldest first, without dropping below MinIdle open
// connections. With TestWhileIdle it also validates the remaining idle
// connections. It then creates connections until MinIdle idle connections
// exist again, stopping at the first creation failure.
func (p *Pool) EvictIdle() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}

	var evicted []*pooledConn
	if p.config.IdleTimeout > 0 {
		now := time.Now()
		open := len(p.idle) + len(p.inUse)
		keep := p.idle[:0]
		for _, pc := range p.idle {
			if open > p.config.MinIdle && now.Sub(pc.lastUsed) > p.config.IdleTimeout {
				evicted = append(evicted, pc)
				open--
				continue
			}
			keep = append(keep, pc)
		}
		for i := len(keep); i < len(p.idle); i++ {
			p.idle[i] = nil
		}
		p.idle = keep
		p.destroying += len(evicted)
	}

	var checking []*pooledConn
	if p.config.TestWhileIdle && len(p.idle) > 0 {
		checking = append(checking, p.idle...)
	}
	p.mu.Unlock()

	for _, pc := range evicted {
		atomic.AddUint64(&p.evictedCount, 1)
		PoolEvictedTotal.With(p.config.Name).Inc()
		p.destroyConn(pc)
	}
	if len(evicted) > 0 {
		log.WithField("pool", p.config.Name).WithField("evicted", len(evicted)).Debug("evicted idle connections")
	}

	if len(checking) > 0 {
		p.checkIdle(checking)
	}

	p.fill(p.bgCtx)
}

// checkIdle validates the given idle connections oldest first. Only the
// connection under check leaves the idle set; the rest stay available to
// Acquire, and one borrowed in the meantime is skipped.
func (p *Pool) checkIdle(conns []*pooledConn) {
	ctx := p.bgCtx
	failed := 0
	for _, pc := range conns {
		p.mu.Lock()
		if p.state != StateRunning || !p.removeIdleLocked(pc) {
			p.mu.Unlock()
			continue
		}
		// The slot stays reserved while the check runs.
		p.pending++
		p.mu.Unlock()

		ok := p.validate(ctx, pc)

		p.mu.Lock()
		p.pending--
		if !ok || p.state >= StateClosing {
			p.destroying++
			p.grantSlotLocked()
			p.mu.Unlock()
			if !ok {
				failed++
				atomic.AddUint64(&p.validationFails, 1)
				PoolValidationFailedTotal.With(p.config.Name).Inc()
			}
			p.destroyConn(pc)
			continue
		}
		p.offerLocked(pc)
		p.mu.Unlock()
	}

	if failed > 0 {
		log.WithField("pool", p.config.Name).WithField("closed", failed).Debug("idle validation removed connections")
	}
}

// fill creates connections until MinIdle idle connections exist or a
// creation fails. A failure marks the pool degraded; success clears it.
func (p *Pool) fill(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	need := p.config.MinIdle - len(p.idle) - p.pending
	if room := p.config.MaxSize - len(p.idle) - len(p.inUse) - p.pending; need > room {
		need = room
	}
	if need <= 0 {
		p.degraded = p.degraded && len(p.idle)+len(p.inUse) < p.config.MinIdle
		p.mu.Unlock()
		return
	}
	p.pending += need
	p.mu.Unlock()

	created := 0
	for i := 0; i < need; i++ {
		conn, err := p.factory.Create(ctx)

		p.mu.Lock()
		if err != nil {
			// Return this slot and every one not yet attempted.
			p.pending -= need - i
			p.degraded = true
			for j := 0; j < need-i; j++ {
				p.grantSlotLocked()
			}
			p.checkDrainedLocked()
			p.mu.Unlock()

			atomic.AddUint64(&p.createFailed, 1)
			PoolCreateFailedTotal.With(p.config.Name).Inc()
			log.WithField("pool", p.config.Name).WithError(err).Debug("failed to fill idle connections")
			return
		}

		atomic.AddUint64(&p.createCount, 1)
		now := time.Now()
		pc := &pooledConn{conn: conn, createdAt: now, lastUsed: now}
		p.pending--
		if p.state >= StateClosing {
			p.destroying++
			p.mu.Unlock()
			p.destroyConn(pc)
			continue
		}
		p.offerLocked(pc)
		p.mu.Unlock()
		created++
	}

	p.mu.Lock()
	if p.degraded && len(p.idle)+len(p.inUse) >= p.config.MinIdle {
		p.degraded = false
		log.WithField("pool", p.config.Name).Info("pool recovered from degraded start")
	}
	p.mu.Unlock()

	if created > 0 {
		log.WithField("pool", p.config.Name).WithField("created", created).Debug("filled idle connections")
	}
}

// removeIdleLocked takes pc out of the idle set, reporting whether it
// was there. Caller must hold the lock.
func (p *Pool) removeIdleLocked(pc *pooledConn) bool {
	for i, c := range p.idle {
		if c == pc {
			copy(p.idle[i:], p.idle[i+1:])
			p.idle[len(p.idle)-1] = nil
			p.idle = p.idle[:len(p.idle)-1]
			return true
		}
	}
	return false
}

// offerLocked places a connection that is on no list into the pool: to the
// oldest waiter if any, otherwise onto the idle set. Caller must hold the lock.
func (p *Pool) offerLocked(pc *pooledConn) {
	if w := p.popWaiterLocked(); w != nil {
		pc.borrowedAt = time.Now()
		p.inUse[pc.conn] = pc
		w.ready <- grant{pc: pc}
		return
	}
	p.idle = append(p.idle, pc)
}

// kickFill starts a background fill unless one is running.
func (p *Pool) kickFill() {
	p.mu.Lock()
	if p.filling || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.filling = true
	p.mu.Unlock()

	go func() {
		ctx, cancel := p.fillContext()
		defer cancel()
		p.fill(ctx)

		p.mu.Lock()
		p.filling = false
		p.mu.Unlock()
	}()
}

// fillContext bounds a background fill by InitTimeout and pool shutdown.
func (p *Pool) fillContext() (context.Context, context.CancelFunc) {
	if p.config.InitTimeout > 0 {
		return context.WithTimeout(p.bgCtx, p.config.InitTimeout)
	}
	return context.WithCancel(p.bgCtx)
}
