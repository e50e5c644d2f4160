package backend

import (
	"container/list"
	"net"
	"testing"

	"tcpdnsproxy/proxyproto"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
)

// newTestConn builds a Conn around one end of a net.Pipe, without going
// through New (which dials a real socket), so pool behavior can be tested
// without a listening backend.
func newTestConn(t *testing.T, ds *types.Backend) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	c := &Conn{
		backend:  ds,
		raw:      client,
		stream:   stream.New(client, nil, nil),
		inFlight: list.New(),
		fresh:    true,
	}
	c.startReader()
	return c, server
}

func TestPoolCapacityInvariant(t *testing.T) {
	ds := &types.Backend{Name: "ns1", Address: "unused:53"}
	p := NewPool()

	var servers []net.Conn
	for i := 0; i < PerBackendCapacity+5; i++ {
		c, server := newTestConn(t, ds)
		servers = append(servers, server)
		p.Put(c)
		if got := p.Size(ds.Name); got > PerBackendCapacity {
			t.Fatalf("pool size %d exceeds PerBackendCapacity %d", got, PerBackendCapacity)
		}
	}
	if got := p.Size(ds.Name); got != PerBackendCapacity {
		t.Fatalf("pool size = %d, want %d", got, PerBackendCapacity)
	}
	for _, s := range servers {
		s.Close()
	}
}

func TestPoolGetMatchesTLVs(t *testing.T) {
	ds := &types.Backend{Name: "ns1", Address: "unused:53", UseProxyProtocol: true}
	p := NewPool()

	tlvsA := proxyproto.TLVs{{Type: 1, Value: []byte("a")}}
	tlvsB := proxyproto.TLVs{{Type: 1, Value: []byte("b")}}

	c, server := newTestConn(t, ds)
	defer server.Close()
	c.PrepareSend(net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"), 1, 2, tlvsA)
	p.Put(c)

	if got := p.Get(ds, tlvsB); got != nil {
		t.Fatalf("expected no match for a differently tainted connection")
	}
	if got := p.Get(ds, tlvsA); got == nil {
		t.Fatalf("expected a match for the same TLV set")
	}
}

func TestPoolGetIgnoresTLVsWithoutProxyProtocol(t *testing.T) {
	ds := &types.Backend{Name: "ns1", Address: "unused:53"}
	p := NewPool()

	tlvsA := proxyproto.TLVs{{Type: 1, Value: []byte("a")}}
	tlvsB := proxyproto.TLVs{{Type: 1, Value: []byte("b")}}

	c, server := newTestConn(t, ds)
	defer server.Close()
	if got := c.PrepareSend(net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"), 1, 2, tlvsA); got != nil {
		t.Fatalf("PrepareSend on a non-proxy backend must return nil, got %v", got)
	}
	p.Put(c)

	if got := p.Get(ds, tlvsB); got == nil {
		t.Fatalf("a non-proxy backend connection must stay reusable under a different TLV set")
	}
}

func TestResponseMatchingIsFIFOScan(t *testing.T) {
	ds := &types.Backend{Name: "ns1", Address: "unused:53"}
	c, server := newTestConn(t, ds)
	defer server.Close()

	idA := &types.IDState{OriginalID: 1, QName: "a.", QType: 1, QClass: 1}
	idB := &types.IDState{OriginalID: 2, QName: "b.", QType: 1, QClass: 1}
	c.Submit(idA)
	c.Submit(idB)

	// Out-of-order response: B answered before A.
	got := c.MatchResponse(2, "b.", 1, 1)
	if got != idB {
		t.Fatalf("expected to match idB out of order")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", c.PendingCount())
	}
	got = c.MatchResponse(1, "a.", 1, 1)
	if got != idA {
		t.Fatalf("expected to match idA")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestSweepRemovesClosedConnections(t *testing.T) {
	ds := &types.Backend{Name: "ns1", Address: "unused:53"}
	p := NewPool()

	c, server := newTestConn(t, ds)
	p.Put(c)
	server.Close() // half-close from the "remote" side
	_ = c.Close()  // the read-loop goroutine would eventually notice on its own;
	// forced here so the test is deterministic without a sleep.

	removed := p.Sweep()
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if p.Size(ds.Name) != 0 {
		t.Fatalf("pool should be empty after sweeping the dead connection")
	}
}

func TestPrepareSendOnlyOnce(t *testing.T) {
	ds := &types.Backend{Name: "ns1", Address: "unused:53", UseProxyProtocol: true}
	c, server := newTestConn(t, ds)
	defer server.Close()

	tlvs := proxyproto.TLVs{{Type: 1, Value: []byte("x")}}
	first := c.PrepareSend(net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"), 10, 20, tlvs)
	if first == nil {
		t.Fatalf("first PrepareSend on a fresh connection must return a payload")
	}
	second := c.PrepareSend(net.ParseIP("9.9.9.9"), net.ParseIP("8.8.8.8"), 10, 20, tlvs)
	if second != nil {
		t.Fatalf("a second PrepareSend on the same connection must return nil")
	}
	if !c.MatchesTLVs(tlvs) {
		t.Fatalf("connection should still match the TLVs it was tainted with")
	}
	other := proxyproto.TLVs{{Type: 2, Value: []byte("y")}}
	if c.MatchesTLVs(other) {
		t.Fatalf("a tainted connection must not match a different TLV set")
	}
}
