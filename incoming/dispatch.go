package incoming

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"tcpdnsproxy/backend"
	"tcpdnsproxy/proxyproto"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
)

// handleQuery processes one framed client query: policy decision, then
// drop/answer/forward.
func (c *Conn) handleQuery(raw []byte) {
	c.queriesServed++
	c.ep.Counters.IncQueries()
	c.global.IncQueries()

	var msg dns.Msg
	if err := msg.Unpack(raw); err != nil {
		c.terminated = true
		return
	}

	if len(msg.Question) == 0 {
		reply := new(dns.Msg)
		reply.SetRcode(&msg, dns.RcodeNotImplemented)
		c.dispatchSelfAnswer(reply)
		return
	}

	q := msg.Question[0]
	isXFR := q.Qtype == dns.TypeAXFR || q.Qtype == dns.TypeIXFR

	decision := c.policy.Decide(&msg, c.proxiedIP, c.ep)
	switch decision.Action {
	case ActionDrop:
		c.maybeTerminateAfterQueryLimit()
		return
	case ActionAnswer:
		c.dispatchSelfAnswer(decision.Answer)
	case ActionForward:
		c.dispatchForward(&msg, q, raw, decision, isXFR)
	}
}

// dispatchSelfAnswer writes a policy- or proxy-generated answer straight
// back to the client, bypassing any backend round-trip.
func (c *Conn) dispatchSelfAnswer(answer *dns.Msg) {
	if answer == nil {
		return
	}
	raw, err := answer.Pack()
	if err != nil {
		return
	}
	c.inFlight++
	c.writeFrame(&types.TCPResponse{Buffer: raw, Rcode: answer.Rcode, SelfGenerated: true})
	c.inFlight--
	c.maybeTerminateAfterQueryLimit()
}

func (c *Conn) sendServfail(msg *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetRcode(msg, dns.RcodeServerFailure)
	c.dispatchSelfAnswer(reply)
}

// dispatchForward hands raw off to a backend connection selected for
// decision.Backend, reusing one already checked out by this client
// connection when possible.
func (c *Conn) dispatchForward(msg *dns.Msg, q dns.Question, raw []byte, decision Decision, isXFR bool) {
	ds := decision.Backend
	bc, err := c.getBackendConn(ds)
	if err != nil {
		c.sendServfail(msg)
		return
	}

	id := &types.IDState{
		OriginalID:   msg.Id,
		QName:        q.Name,
		QType:        q.Qtype,
		QClass:       q.Qclass,
		SentAt:       time.Now(),
		ClientAddr:   c.remoteAddr,
		CacheSkipped: decision.CacheSkip || isXFR,
	}

	proxyPayload := bc.PrepareSend(c.proxiedIP, c.proxyDstIP(), c.proxiedSrcPort(), c.proxyDstPort(), c.tlvs)
	bc.Submit(id)
	c.inFlight++

	if err := c.writeBackendFrame(bc, proxyPayload, raw); err != nil {
		c.inFlight--
		bc.MatchResponse(msg.Id, q.Name, q.Qtype, q.Qclass)
		delete(c.active, ds.Name)
		_ = bc.Close()
		c.sendServfail(msg)
		return
	}

	if isXFR {
		c.isXFR = true
		c.xfrID = id
		c.xfrActive.Store(true)
		bc.EnterXFR(id)
	}
}

func (c *Conn) writeBackendFrame(bc *backend.Conn, proxyPayload, raw []byte) error {
	_ = bc.RawConn().SetWriteDeadline(time.Now().Add(c.cfg.BackendIOTimeout))
	if proxyPayload != nil {
		if _, err := bc.Stream().Write(proxyPayload); err != nil {
			return err
		}
	}
	return stream.WriteMessage(bc.Stream(), raw)
}

// getBackendConn returns a connection this client can send its next query
// for ds on: the one already checked out, one pulled from the worker's
// idle pool, or a freshly dialed one.
func (c *Conn) getBackendConn(ds *types.Backend) (*backend.Conn, error) {
	if bc, ok := c.active[ds.Name]; ok && bc.CanAcceptNewQueries() {
		return bc, nil
	}
	if bc := c.pool.Get(ds, c.tlvs); bc != nil {
		bc.Attach(c.respCh)
		c.active[ds.Name] = bc
		return bc, nil
	}
	bc, err := backend.New(ds, c.cfg.BackendDialTimeout)
	if err != nil {
		return nil, err
	}
	bc.Attach(c.respCh)
	c.active[ds.Name] = bc
	return bc, nil
}

// handleDelivery routes one backend.Delivery: a matched response gets
// written to the client, a connection-level error decrements the
// in-flight count it belongs to and drops the backend connection.
func (c *Conn) handleDelivery(d *backend.Delivery) {
	if d.Err != nil {
		c.inFlight--
		if c.isXFR && d.Response != nil && d.Response.ID == c.xfrID {
			c.isXFR = false
			c.xfrID = nil
		}
		c.detachAndClose(d.From)
		c.maybeTerminateAfterQueryLimit()
		return
	}

	c.writeFrame(d.Response)
	if c.terminated {
		return
	}

	if c.isXFR {
		return // more chunks may follow; inFlight stays elevated
	}

	c.inFlight--
	if d.From.IsIdle() {
		delete(c.active, d.From.Backend().Name)
		d.From.Detach()
		c.pool.Put(d.From)
	}
	c.maybeTerminateAfterQueryLimit()
}

func (c *Conn) detachAndClose(bc *backend.Conn) {
	for name, v := range c.active {
		if v == bc {
			delete(c.active, name)
			break
		}
	}
	bc.Detach()
	_ = bc.Close()
}

// writeFrame writes one complete response to the client, tallying the
// rcode/response counters on success and marking the connection
// terminated on any write failure.
func (c *Conn) writeFrame(resp *types.TCPResponse) {
	c.state = types.StateSendingResponse
	_ = c.sc.SetWriteDeadline(time.Now().Add(c.cfg.ClientWriteTimeout))
	if err := stream.WriteMessage(c.sc, resp.Buffer); err != nil {
		c.ep.Counters.IncDiedSendingResponse()
		c.terminated = true
		return
	}
	c.ep.Counters.IncResponses()
	c.global.IncResponses()
	c.global.TallyRcode(resp.Rcode)
	c.state = types.StateIdle
}

// readProxyHeader incrementally reads exactly the bytes that make up a
// PROXY protocol header, never over-reading into the first DNS message
// that follows it.
func (c *Conn) readProxyHeader() error {
	var buf []byte
	for {
		hdr, consumed, need, err := proxyproto.Peek(buf)
		if err != nil {
			return err
		}
		if consumed > 0 {
			c.applyProxyHeader(hdr)
			return nil
		}
		if need == 0 {
			return proxyproto.ErrInvalidHeader
		}
		chunk := make([]byte, need)
		_ = c.sc.SetReadDeadline(time.Now().Add(c.cfg.ClientReadTimeout))
		if _, err := io.ReadFull(c.sc, chunk); err != nil {
			return err
		}
		buf = append(buf, chunk...)
	}
}

func (c *Conn) applyProxyHeader(hdr *proxyproto.Header) {
	if hdr == nil {
		return
	}
	if hdr.SourceIP != nil {
		c.proxiedIP = hdr.SourceIP
	}
	if hdr.DestIP != nil {
		c.proxiedDstIPVal = hdr.DestIP
	}
	c.proxiedSrcPortVal = hdr.SourcePort
	c.proxiedDstPortVal = hdr.DestPort
	c.tlvs = hdr.TLVs
}

func (c *Conn) proxyDstIP() net.IP {
	if c.proxiedDstIPVal != nil {
		return c.proxiedDstIPVal
	}
	return hostIP(c.localAddr)
}

func (c *Conn) proxiedSrcPort() uint16 {
	if c.proxiedSrcPortVal != 0 {
		return c.proxiedSrcPortVal
	}
	return portOf(c.remoteAddr)
}

func (c *Conn) proxyDstPort() uint16 {
	if c.proxiedDstPortVal != 0 {
		return c.proxiedDstPortVal
	}
	return portOf(c.localAddr)
}

func portOf(a net.Addr) uint16 {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	_, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return uint16(p)
}
