// Package incoming implements the per-client TCP connection state machine:
// handshake, optional PROXY protocol header, pipelined query/response
// handling, AXFR/IXFR streaming, and the connection-level limits and
// counters the dataplane requires.
//
// A non-blocking event loop multiplexing many connections with an explicit
// tryRead/tryWrite/tryHandshake state trio is the traditional C approach to
// this problem. Every DNS-over-TCP proxy in the Go ecosystem instead gives
// each connection its own goroutine and lets blocking reads/writes with
// deadlines do the multiplexing — Go's netpoller already is the
// non-blocking reactor a hand-rolled version would reimplement. This
// package follows that idiom: one goroutine owns a Conn's mutable state
// outright (no locking needed for the state machine itself), a second
// goroutine only reads framed client queries and hands them over a
// channel, and backend responses arrive on another channel fed by
// backend.Conn's own read-loop goroutines. See DESIGN.md for the full
// writeup of this design.
package incoming

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"tcpdnsproxy/backend"
	"tcpdnsproxy/proxyproto"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
	"tcpdnsproxy/utils"
)

// frameOrErr is one item off the client frame reader goroutine: either a
// complete DNS message body, or the error that ended the read loop.
type frameOrErr struct {
	data []byte
	err  error
}

// Conn is one accepted client connection, driven to completion by Run.
// Every field below is touched only by the goroutine running Run, except
// where noted — this is what lets the state machine itself go lock-free.
type Conn struct {
	ep      *types.EndpointConfig
	cfg     *types.Config
	pool    *backend.Pool
	policy  Policy
	global  *types.GlobalCounters
	release func()

	sc         *stream.Conn
	remoteAddr net.Addr
	localAddr  net.Addr

	state types.ConnState

	// proxiedIP is the client address policy decisions are evaluated
	// against: the PROXY-protocol-reported source once a header has been
	// read, the TCP peer address otherwise.
	proxiedIP         net.IP
	proxiedDstIPVal   net.IP
	proxiedSrcPortVal uint16
	proxiedDstPortVal uint16
	tlvs              proxyproto.TLVs

	// active holds, per backend identity, the one backend.Conn currently
	// checked out by this client connection: a connection may serve
	// several pipelined queries to the same backend before being
	// released back to the pool.
	active map[string]*backend.Conn

	inFlight      int
	queriesServed int
	isXFR         bool
	xfrID         *types.IDState
	// xfrActive is read by the frame-reader goroutine and written by the
	// owning goroutine once an AXFR/IXFR query is dispatched, so it needs
	// real atomics rather than the lock-free-by-convention rule the rest
	// of Conn's fields follow.
	xfrActive atomic.Bool

	terminated bool

	queryCh chan frameOrErr
	respCh  chan *backend.Delivery

	startedAt time.Time
}

var errNonCompliant = errors.New("incoming: query shorter than a DNS header")

// NewConn wraps an accepted socket. release is called exactly once, when
// the connection is fully torn down, so the acceptor can drop its
// per-client-IP reservation.
func NewConn(raw net.Conn, ep *types.EndpointConfig, cfg *types.Config, pool *backend.Pool, policy Policy, global *types.GlobalCounters, epoch *stream.TicketEpoch, release func()) *Conn {
	return &Conn{
		ep:         ep,
		cfg:        cfg,
		pool:       pool,
		policy:     policy,
		global:     global,
		release:    release,
		sc:         stream.New(raw, ep.TLSConfig, epoch),
		remoteAddr: raw.RemoteAddr(),
		localAddr:  raw.LocalAddr(),
		active:     make(map[string]*backend.Conn),
		state:      types.StateHandshake,
	}
}

// Run drives the connection through its whole lifetime. It returns only
// once the connection is fully closed and every checked-out backend
// connection has been released or torn down.
func (c *Conn) Run() {
	c.startedAt = time.Now()
	c.ep.Counters.IncCurrentConnections()
	defer c.teardown()
	defer utils.HandlePanicWithContext("incoming.Conn.Run")

	if tcpConn, ok := c.sc.Conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if err := c.doHandshake(); err != nil {
		return
	}

	c.state = types.StateProxyHeader
	if ip := hostIP(c.remoteAddr); ip != nil && c.ep.ExpectsProxyProtocolFrom(ip) {
		if err := c.readProxyHeader(); err != nil {
			c.global.IncProxyProtocolInvalid()
			return
		}
	}
	if c.proxiedIP == nil {
		c.proxiedIP = hostIP(c.remoteAddr)
	}

	c.state = types.StateQuerySize
	c.queryCh = make(chan frameOrErr, 1)
	c.respCh = make(chan *backend.Delivery, 64)
	go c.readQueries()

	c.runLoop()
}

func (c *Conn) doHandshake() error {
	if !c.sc.IsTLS() {
		return nil
	}
	deadline := time.Now().Add(c.cfg.ClientReadTimeout)
	if err := c.sc.Handshake(deadline); err != nil {
		return err
	}
	c.sc.TallyInto(c.ep.Counters)
	return nil
}

func (c *Conn) runLoop() {
	var durC <-chan time.Time
	if c.cfg.MaxTCPConnectionDuration > 0 {
		t := time.NewTimer(c.cfg.MaxTCPConnectionDuration)
		defer t.Stop()
		durC = t.C
	}

	for {
		qch := c.queryCh
		if qch != nil && !c.canAcceptMoreQueries() {
			qch = nil // backpressure: the reader keeps blocking on its send
		}

		select {
		case item, ok := <-qch:
			if !ok {
				c.queryCh = nil
				if c.inFlight == 0 {
					return
				}
				continue
			}
			if item.err != nil {
				c.onClientReadError(item.err)
				if c.inFlight == 0 {
					return
				}
				continue
			}
			c.handleQuery(item.data)
			if c.terminated {
				return
			}

		case d, ok := <-c.respCh:
			if !ok {
				continue
			}
			c.handleDelivery(d)
			if c.terminated {
				return
			}
			if c.queryCh == nil && c.inFlight == 0 {
				return
			}

		case <-durC:
			return
		}
	}
}

func (c *Conn) canAcceptMoreQueries() bool {
	if c.isXFR {
		return false
	}
	if c.queryLimitReached() {
		return false
	}
	limit := c.ep.MaxInFlightQueriesPerConn
	if limit <= 0 {
		return true
	}
	return c.inFlight < limit
}

// queryLimitReached reports whether this connection has already served
// the configured maxTcpQueriesPerConn cap. Unlike the in-flight cap this
// never clears, so the reader must stop for good once it trips.
func (c *Conn) queryLimitReached() bool {
	return c.cfg.MaxTCPQueriesPerConn > 0 && c.queriesServed >= c.cfg.MaxTCPQueriesPerConn
}

// maybeTerminateAfterQueryLimit ends the connection once the query cap
// has been hit and the last response it allowed has finished writing,
// rather than leaving the reader parked forever on a query that will
// never be accepted.
func (c *Conn) maybeTerminateAfterQueryLimit() {
	if c.queryLimitReached() && c.inFlight == 0 {
		c.terminated = true
	}
}

func (c *Conn) onClientReadError(err error) {
	if errors.Is(err, errNonCompliant) {
		c.global.IncNonCompliantQueries()
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.ep.Counters.IncClientTimeouts()
	} else if c.inFlight > 0 {
		c.ep.Counters.IncDiedReadingQuery()
	}
	c.queryCh = nil
}

func (c *Conn) readQueries() {
	defer close(c.queryCh)
	defer utils.HandlePanicWithContext("incoming.Conn.readQueries")
	for {
		_ = c.sc.SetReadDeadline(time.Now().Add(c.cfg.ClientReadTimeout))
		raw, err := stream.ReadMessage(c.sc)
		if err == stream.ErrShortQuery {
			c.queryCh <- frameOrErr{err: errNonCompliant}
			return
		}
		if err != nil {
			c.queryCh <- frameOrErr{err: err}
			return
		}
		c.queryCh <- frameOrErr{data: raw}
		if c.xfrActive.Load() {
			return
		}
	}
}

func (c *Conn) teardown() {
	for _, bc := range c.active {
		_ = bc.Close()
	}
	_ = c.sc.Close()
	if c.queryCh != nil {
		select {
		case <-c.queryCh:
		default:
		}
	}
	c.ep.Counters.DecCurrentConnections()
	if c.release != nil {
		c.release()
	}
}

// hostIP extracts the IP from a net.Addr without caring whether it is a
// *net.TCPAddr (real sockets) or something else (tests over net.Pipe).
func hostIP(a net.Addr) net.IP {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
