package incoming

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"tcpdnsproxy/backend"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
)

func newTestConn(t *testing.T, policy Policy) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close() })

	ep := &types.EndpointConfig{
		Name:                      "test",
		MaxInFlightQueriesPerConn: 4,
		Counters:                  &types.EndpointCounters{},
	}
	cfg := &types.Config{
		ClientReadTimeout:  5 * time.Second,
		ClientWriteTimeout: 5 * time.Second,
		BackendDialTimeout: 5 * time.Second,
		BackendIOTimeout:   5 * time.Second,
	}
	global := &types.GlobalCounters{}
	c := NewConn(a, ep, cfg, backend.NewPool(), policy, global, &stream.TicketEpoch{}, nil)
	return c, b
}

func mustPack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	raw, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return raw
}

func TestHandleQueryEmptyQuestionGetsNotImp(t *testing.T) {
	c, peer := newTestConn(t, PolicyFunc(func(*dns.Msg, net.IP, *types.EndpointConfig) Decision {
		t.Fatalf("policy must not be consulted for a qdcount=0 query")
		return Decision{}
	}))
	defer peer.Close()

	q := new(dns.Msg)
	q.Id = 7

	done := make(chan struct{})
	go func() {
		c.handleQuery(mustPack(t, q))
		close(done)
	}()

	raw, err := stream.ReadMessage(peer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	<-done

	var reply dns.Msg
	if err := reply.Unpack(raw); err != nil {
		t.Fatalf("Unpack reply: %v", err)
	}
	if reply.Rcode != dns.RcodeNotImplemented {
		t.Fatalf("rcode = %d, want NOTIMP", reply.Rcode)
	}
	if c.inFlight != 0 {
		t.Fatalf("inFlight = %d, want 0 after a self-answer completes", c.inFlight)
	}
}

func TestHandleQueryDropNeverResponds(t *testing.T) {
	c, peer := newTestConn(t, PolicyFunc(func(*dns.Msg, net.IP, *types.EndpointConfig) Decision {
		return Decision{Action: ActionDrop}
	}))
	defer peer.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	c.handleQuery(mustPack(t, q))

	if c.inFlight != 0 {
		t.Fatalf("a dropped query must never increment inFlight, got %d", c.inFlight)
	}

	// Prove nothing was written: a subsequent read on the peer would block
	// forever, so instead race it against a short timer.
	readDone := make(chan struct{})
	go func() {
		_, _ = stream.ReadMessage(peer)
		close(readDone)
	}()
	select {
	case <-readDone:
		t.Fatalf("a dropped query must not produce any response bytes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCanAcceptMoreQueriesRespectsCap(t *testing.T) {
	c, peer := newTestConn(t, PolicyFunc(func(*dns.Msg, net.IP, *types.EndpointConfig) Decision {
		return Decision{Action: ActionDrop}
	}))
	defer peer.Close()

	c.inFlight = c.ep.MaxInFlightQueriesPerConn
	if c.canAcceptMoreQueries() {
		t.Fatalf("must not accept more queries once at the per-connection cap")
	}
	c.inFlight = 0
	if !c.canAcceptMoreQueries() {
		t.Fatalf("must accept queries again once back under the cap")
	}

	c.isXFR = true
	if c.canAcceptMoreQueries() {
		t.Fatalf("must never accept a new query while an AXFR/IXFR is in progress")
	}
}
