package backend

import (
	"container/list"
	"sync"

	"tcpdnsproxy/proxyproto"
	"tcpdnsproxy/types"
)

// PerBackendCapacity is the idle-connection cap per downstream identity:
// at most 20 idle connections are kept pooled for any one backend.
const PerBackendCapacity = 20

// Pool is a worker-local cache of idle, reusable backend connections,
// keyed by backend identity. Never shared across workers, so it needs no
// locking against other workers — only against the worker's own
// goroutines.
type Pool struct {
	mu   sync.Mutex
	idle map[string]*list.List // backend name -> list of *Conn, front = most recent
}

// NewPool creates an empty worker-local pool.
func NewPool() *Pool {
	return &Pool{idle: make(map[string]*list.List)}
}

// Get removes and returns an idle connection matching ds and tlvs, if one
// is pooled (push-front ordering means the most recently released
// connection is tried first). Returns nil if the pool has nothing usable.
func (p *Pool) Get(ds *types.Backend, tlvs proxyproto.TLVs) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.idle[ds.Name]
	if !ok {
		return nil
	}
	for e := l.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Conn)
		if c.MatchesTLVs(tlvs) {
			l.Remove(e)
			c.reused = true
			return c
		}
	}
	return nil
}

// Put releases an idle, reusable connection back to the pool. If the
// backend's idle list is already at PerBackendCapacity, the surplus
// connection is closed immediately instead of pooled.
func (p *Pool) Put(c *Conn) {
	if !c.CanBeReused() {
		_ = c.Close()
		return
	}

	p.mu.Lock()
	l, ok := p.idle[c.backend.Name]
	if !ok {
		l = list.New()
		p.idle[c.backend.Name] = l
	}
	if l.Len() >= PerBackendCapacity {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	l.PushFront(c)
	p.mu.Unlock()
}

// Sweep removes pooled connections whose underlying socket is no longer
// usable (half-closed, RST), run every DownstreamTCPCleanupInterval from
// the owning worker loop.
func (p *Pool) Sweep() (removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.idle {
		for e := l.Front(); e != nil; {
			next := e.Next()
			c := e.Value.(*Conn)
			if !c.IsUsable() {
				l.Remove(e)
				_ = c.Close()
				removed++
			}
			e = next
		}
	}
	return removed
}

// Size reports the number of idle connections pooled for ds, for tests
// and the pool-cap invariant.
func (p *Pool) Size(dsName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.idle[dsName]
	if !ok {
		return 0
	}
	return l.Len()
}

// Close closes every pooled connection, e.g. on worker shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.idle {
		for e := l.Front(); e != nil; e = e.Next() {
			_ = e.Value.(*Conn).Close()
		}
	}
	p.idle = make(map[string]*list.List)
}
