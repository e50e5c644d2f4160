package backend

import (
	"github.com/miekg/dns"

	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
	"tcpdnsproxy/utils"
)

// Delivery is one message read off a backend connection, routed back to
// whichever IncomingConnection currently owns it. Response is always set;
// when Err is also set, the connection has failed and Response carries only
// the IDState of the query the error applies to, with no Buffer.
type Delivery struct {
	Response *types.TCPResponse
	From     *Conn
	Err      error
}

// Attach points future deliveries from this connection at ch. Only one
// incoming connection owns a backend connection at a time — the previous
// owner, if any, stops receiving as soon as this call returns since the
// read loop re-reads the channel field on every delivery.
func (c *Conn) Attach(ch chan *Delivery) {
	c.mu.Lock()
	c.attachedCh = ch
	c.mu.Unlock()
}

// Detach clears the owning channel, e.g. right before the connection is
// handed to the idle pool; deliveries arriving with no owner are dropped.
func (c *Conn) Detach() {
	c.mu.Lock()
	c.attachedCh = nil
	c.mu.Unlock()
}

// EnterXFR marks the connection as carrying an AXFR/IXFR response stream:
// every subsequent message read is delivered under id without going
// through the normal MatchResponse matching, since zone transfers reuse
// the same query ID across every chunk of the transfer.
func (c *Conn) EnterXFR(id *types.IDState) {
	c.mu.Lock()
	c.xfrMode = true
	c.xfrID = id
	c.mu.Unlock()
}

// startReader launches the single goroutine permitted to read this
// connection's socket, for its entire lifetime. Started once, from New.
func (c *Conn) startReader() {
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer utils.HandlePanicWithContext("backend.Conn.readLoop")
	for {
		raw, err := stream.ReadMessage(c.stream)
		if err != nil {
			c.deliverClosed(err)
			return
		}

		var msg dns.Msg
		if err := msg.Unpack(raw); err != nil {
			// Unparseable response: cannot match it to any in-flight
			// query, so it is discarded rather than forwarded verbatim.
			continue
		}

		c.mu.Lock()
		xfr := c.xfrMode
		xfrID := c.xfrID
		ch := c.attachedCh
		c.mu.Unlock()

		var id *types.IDState
		if xfr {
			id = xfrID
		} else if len(msg.Question) > 0 {
			q := msg.Question[0]
			id = c.MatchResponse(msg.Id, q.Name, q.Qtype, q.Qclass)
		} else {
			id = c.MatchResponse(msg.Id, "", 0, 0)
		}
		if id == nil || ch == nil {
			continue
		}

		resp := &types.TCPResponse{
			Buffer: raw,
			Rcode:  msg.Rcode,
			ID:     id,
		}
		ch <- &Delivery{Response: resp, From: c}
	}
}

// deliverClosed fans out a connection-level error to every query still
// in flight on it, so each owner can decrement its own bookkeeping, after
// marking the connection closed and closing its socket.
func (c *Conn) deliverClosed(err error) {
	c.mu.Lock()
	ch := c.attachedCh
	var ids []*types.IDState
	for e := c.inFlight.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*inflightQuery).id)
	}
	c.inFlight.Init()
	xfr := c.xfrMode
	xfrID := c.xfrID
	c.closed = true
	c.mu.Unlock()
	_ = c.raw.Close()

	if ch == nil {
		return
	}
	if xfr {
		ch <- &Delivery{Err: err, From: c, Response: &types.TCPResponse{ID: xfrID}}
		return
	}
	for _, id := range ids {
		ch <- &Delivery{Err: err, From: c, Response: &types.TCPResponse{ID: id}}
	}
}
