// Package backend implements the pooled downstream connection layer:
// a stream to a selected backend with its own in-flight query list and
// reuse/TLV-taint bookkeeping, generalized from an interchangeable
// *dns.Client channel to an identity-keyed pool of stateful connections.
package backend

import (
	"container/list"
	"net"
	"sync"
	"time"

	"tcpdnsproxy/proxyproto"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
)

// Conn is a TCP stream to one downstream server, shared by every
// in-flight query currently routed to it.
type Conn struct {
	mu sync.Mutex

	backend *types.Backend
	raw     net.Conn
	stream  *stream.Conn

	// inFlight is the FIFO of queries sent but not yet answered, ordered
	// by send time; responses are matched by scanning it since a backend
	// need not answer in the order it received queries.
	inFlight *list.List // of *inflightQuery

	fresh  bool
	reused bool

	// tlvsSent/sentTLVs record that a PROXY payload has been sent on this
	// connection and which TLVs it carried. pendingTLVPayload is never
	// populated: PrepareSend builds the payload and returns it to the caller.
	pendingTLVPayload []byte
	tlvsSent          bool
	sentTLVs          proxyproto.TLVs

	closed bool

	// attachedCh is where the dedicated read-loop goroutine (delivery.go)
	// delivers matched responses; nil while the connection sits idle in
	// the pool.
	attachedCh chan *Delivery
	xfrMode    bool
	xfrID      *types.IDState
}

type inflightQuery struct {
	id *types.IDState
}

// New creates a backend connection by dialing dst. The connection is
// marked fresh and not yet reused.
func New(dst *types.Backend, dialTimeout time.Duration) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", dst.Address, dialTimeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c := &Conn{
		backend:  dst,
		raw:      raw,
		stream:   stream.New(raw, nil, nil),
		inFlight: list.New(),
		fresh:    true,
	}
	c.startReader()
	return c, nil
}

// Backend returns the downstream identity this connection targets.
func (c *Conn) Backend() *types.Backend { return c.backend }

// RawConn exposes the underlying net.Conn for read/write/deadline calls
// from the worker's event loop.
func (c *Conn) RawConn() net.Conn { return c.raw }

// MatchesTLVs reports whether this connection may carry a query that
// arrived with tlvs: either it has never sent a TLV payload (free to
// adopt tlvs on its first send) or it has, and the sets are identical.
func (c *Conn) MatchesTLVs(tlvs proxyproto.TLVs) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tlvsSent {
		return true
	}
	return c.sentTLVs.Equal(tlvs)
}

// PrepareSend returns the bytes that must be written before (or as part
// of) sending the next query: the PROXY payload on the first send of a
// connection using PROXY protocol, nil otherwise. Only a connection that
// actually carries a PROXY payload gets tainted for future reuse checks;
// a backend with UseProxyProtocol unset never sends one, so it stays
// freely reusable across differing client TLV sets.
func (c *Conn) PrepareSend(srcIP, dstIP net.IP, srcPort, dstPort uint16, tlvs proxyproto.TLVs) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.backend.UseProxyProtocol {
		return nil
	}
	if c.tlvsSent {
		return nil
	}
	c.tlvsSent = true
	c.sentTLVs = tlvs.Clone()
	return proxyproto.EncodeV2(srcIP, dstIP, srcPort, dstPort, tlvs)
}

// Submit records a query as in-flight, carrying id through to whichever
// goroutine later matches the response.
func (c *Conn) Submit(id *types.IDState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight.PushBack(&inflightQuery{id: id})
	c.fresh = false
}

// MatchResponse finds and removes the in-flight query this response
// satisfies, scanning in arrival order since pipelined backends need not
// answer in query order.
func (c *Conn) MatchResponse(respID uint16, qname string, qtype, qclass uint16) *types.IDState {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.inFlight.Front(); e != nil; e = e.Next() {
		q := e.Value.(*inflightQuery)
		if types.ResponseContentMatches(q.id, respID, qname, qtype, qclass) {
			c.inFlight.Remove(e)
			return q.id
		}
	}
	return nil
}

// PendingCount reports how many queries are still awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight.Len()
}

// CanAcceptNewQueries reports whether another query may be submitted on
// this connection (it is open and not being torn down).
func (c *Conn) CanAcceptNewQueries() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.xfrMode
}

// CanBeReused reports whether this connection may be returned to the
// idle pool: no queries in flight, still open.
func (c *Conn) CanBeReused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.xfrMode && c.inFlight.Len() == 0
}

// IsIdle reports whether the connection currently has no in-flight
// queries (distinct from CanBeReused in that it does not also require the
// connection to be open and out of XFR mode).
func (c *Conn) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight.Len() == 0
}

// Close tears the connection down and marks it unusable for further
// sends; callers already holding it should drop their reference.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.raw.Close()
}

// IsUsable reports whether the connection is still open. An alternative
// design actively probes a pooled connection with a zero-length deferred
// read on every sweep; here the dedicated read-loop goroutine
// (delivery.go) is always blocked in a read on this socket, so a
// half-close or RST is observed and c.closed set the instant it happens
// rather than on the next sweep — an active probe would race that same
// goroutine's read, so it is replaced by this plain flag check.
func (c *Conn) IsUsable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Stream returns the framed reader/writer for this connection.
func (c *Conn) Stream() *stream.Conn { return c.stream }
