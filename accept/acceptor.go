// Package accept implements the per-endpoint listener loop: admission
// control (queue cap, per-client-IP cap, ACL) and handoff of accepted
// connections to workers, round-robin by default or pinned to a single
// worker under useTcpSinglePipe.
//
// The accept-error backoff shape is generalized from a UDP packet loop to
// a TCP accept loop (see DESIGN.md). The queue-depth cap
// (maxTcpQueuedConnections) is one process-wide counter shared across
// every endpoint's Acceptor: a connection over the cap is accepted and
// immediately closed rather than left to queue, since this dataplane
// never blocks Accept() to apply backpressure.
package accept

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tcpdnsproxy/incoming"
	"tcpdnsproxy/types"
	"tcpdnsproxy/utils"
)

// ClientLimiter enforces a per-client-IP connection cap. It is shared
// process-wide (not per worker, not per endpoint): one counter set, keyed
// by client IP, shared across every listening endpoint.
type ClientLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

// NewClientLimiter creates a limiter allowing up to max connections per
// client IP; max <= 0 means unlimited.
func NewClientLimiter(max int) *ClientLimiter {
	return &ClientLimiter{max: max, counts: make(map[string]int)}
}

// Acquire reserves one connection slot for ip, returning false (reserving
// nothing) if ip is already at the cap.
func (l *ClientLimiter) Acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

// Release returns one previously acquired slot for ip. Once a client's
// count returns to zero its map entry is deleted rather than left at
// zero, keeping the map's size bounded by active clients only.
func (l *ClientLimiter) Release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

// Count reports the current reservation for ip (0 if none), for tests.
func (l *ClientLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}

// QueueLimiter enforces the global cap on accepted-but-not-yet-finished
// connections (maxTcpQueuedConnections). It is the one counter shared
// across every endpoint's Acceptor — with more than one listening
// endpoint, a per-endpoint cap would let the effective process-wide
// limit multiply by the endpoint count, which is not what the cap means.
type QueueLimiter struct {
	max     int64
	current int64
}

// NewQueueLimiter creates a limiter allowing up to max connections
// queued process-wide; max <= 0 means unlimited.
func NewQueueLimiter(max int) *QueueLimiter {
	return &QueueLimiter{max: int64(max)}
}

// Acquire reserves one slot, returning false if the cap has already been
// reached. Callers that get false must close the connection immediately
// rather than wait for a slot to free up.
func (q *QueueLimiter) Acquire() bool {
	if q.max <= 0 {
		return true
	}
	for {
		cur := atomic.LoadInt64(&q.current)
		if cur >= q.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&q.current, cur, cur+1) {
			return true
		}
	}
}

// Release returns one previously acquired slot.
func (q *QueueLimiter) Release() {
	if q.max <= 0 {
		return
	}
	atomic.AddInt64(&q.current, -1)
}

// Count reports the current reservation, for tests.
func (q *QueueLimiter) Count() int {
	return int(atomic.LoadInt64(&q.current))
}

// ACL restricts which client IPs may connect process-wide, independent of
// the PROXY-protocol-scoped ExpectProxyProtocolFrom list and of any
// per-endpoint EndpointConfig.AllowedFrom restriction (both are checked;
// a connection must pass both to be admitted).
type ACL struct {
	trusted []*net.IPNet
}

// NewACL builds an ACL from a set of trusted CIDR blocks; a nil/empty ACL
// permits every source.
func NewACL(trusted []*net.IPNet) *ACL {
	return &ACL{trusted: trusted}
}

// Allows reports whether ip may connect.
func (a *ACL) Allows(ip net.IP) bool {
	if a == nil || len(a.trusted) == 0 {
		return true
	}
	for _, n := range a.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Acceptor runs one listening endpoint's accept loop, applying admission
// control and handing surviving connections to workers round-robin.
type Acceptor struct {
	ep         *types.EndpointConfig
	acl        *ACL
	limiter    *ClientLimiter
	queue      *QueueLimiter
	global     *types.GlobalCounters
	workers    []*incoming.Worker
	singlePipe bool

	next int // round-robin cursor, touched only by Serve's own goroutine
}

// NewAcceptor builds an Acceptor for ep, distributing accepted connections
// across workers round-robin, or pinning every connection to workers[0]
// when cfg.UseTCPSinglePipe is set. queue is shared by every Acceptor in
// the process; the same *QueueLimiter must be passed for each endpoint.
func NewAcceptor(ep *types.EndpointConfig, cfg *types.Config, acl *ACL, limiter *ClientLimiter, queue *QueueLimiter, global *types.GlobalCounters, workers []*incoming.Worker) *Acceptor {
	return &Acceptor{ep: ep, acl: acl, limiter: limiter, queue: queue, global: global, workers: workers, singlePipe: cfg.UseTCPSinglePipe}
}

// Serve listens on a.ep.Addr and runs the accept loop until ctx is
// cancelled or the listener otherwise fails.
func (a *Acceptor) Serve(ctx context.Context) error {
	// ep.ListenBacklog is not applied here: Go's net package derives the
	// listen(2) backlog from the kernel's somaxconn internally and does
	// not expose an override through net.ListenConfig. The field is kept
	// in EndpointConfig for callers that construct their own listener and
	// want to honor it via a raw syscall.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", a.ep.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept() failure (e.g. out of file descriptors):
			// back off briefly instead of busy-looping.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			utils.WriteLog(utils.LogWarn, "accept on %s: %v, retrying in %s", a.ep.Addr, err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		a.handle(conn)
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	ip := hostIP(conn.RemoteAddr())
	if ip == nil || !a.acl.Allows(ip) || !a.ep.Allows(ip) {
		a.global.IncACLDrops()
		_ = conn.Close()
		return
	}

	if !a.queue.Acquire() {
		// Over the global queued-connection cap: accept-then-drop rather
		// than make the client wait behind a listener-level queue.
		_ = conn.Close()
		return
	}

	key := ip.String()
	if !a.limiter.Acquire(key) {
		a.queue.Release()
		_ = conn.Close()
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		a.limiter.Release(key)
		a.queue.Release()
	}

	w := a.nextWorker()
	if w == nil || !w.Submit(&incoming.Handoff{Raw: conn, Endpoint: a.ep, Release: release}) {
		release()
		_ = conn.Close()
		return
	}
}

// nextWorker picks the worker a newly accepted connection is handed to.
// In single-pipe mode every connection funnels through workers[0]'s pipe
// instead of spreading round-robin across the pool, trading worker
// parallelism for a single, globally ordered dispatch stream.
func (a *Acceptor) nextWorker() *incoming.Worker {
	if len(a.workers) == 0 {
		return nil
	}
	if a.singlePipe {
		return a.workers[0]
	}
	w := a.workers[a.next%len(a.workers)]
	a.next++
	return w
}

func hostIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
