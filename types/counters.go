package types

import "sync/atomic"

// EndpointCounters are the per-listening-endpoint observable counters.
// Shared, read-mostly, updated with atomics so the fast path never takes
// a lock.
type EndpointCounters struct {
	Queries                 int64
	Responses               int64
	TCPCurrentConnections   int64
	TCPDiedReadingQuery     int64
	TCPDiedSendingResponse  int64
	TCPClientTimeouts       int64
	TLSv10                  int64
	TLSv11                  int64
	TLSv12                  int64
	TLSv13                  int64
	TLSNewSession           int64
	TLSResumed              int64
	TLSResumedTicketInactive int64
	TLSResumedTicketUnknown int64
}

func (c *EndpointCounters) IncQueries()               { atomic.AddInt64(&c.Queries, 1) }
func (c *EndpointCounters) IncResponses()             { atomic.AddInt64(&c.Responses, 1) }
func (c *EndpointCounters) IncCurrentConnections()    { atomic.AddInt64(&c.TCPCurrentConnections, 1) }
func (c *EndpointCounters) DecCurrentConnections()    { atomic.AddInt64(&c.TCPCurrentConnections, -1) }
func (c *EndpointCounters) IncDiedReadingQuery()      { atomic.AddInt64(&c.TCPDiedReadingQuery, 1) }
func (c *EndpointCounters) IncDiedSendingResponse()   { atomic.AddInt64(&c.TCPDiedSendingResponse, 1) }
func (c *EndpointCounters) IncClientTimeouts()        { atomic.AddInt64(&c.TCPClientTimeouts, 1) }

// TallyTLSVersion records the negotiated TLS version for one handshake.
func (c *EndpointCounters) TallyTLSVersion(version uint16) {
	switch version {
	case 0x0301:
		atomic.AddInt64(&c.TLSv10, 1)
	case 0x0302:
		atomic.AddInt64(&c.TLSv11, 1)
	case 0x0303:
		atomic.AddInt64(&c.TLSv12, 1)
	case 0x0304:
		atomic.AddInt64(&c.TLSv13, 1)
	}
}

// TallyTLSSession records whether a TLS handshake was a fresh session or a
// resumption, and if a resumption, which ticket-key generation it resumed
// against (active/inactive/unknown). The proxy does not manage its own
// ticket-key rotation (that belongs to crypto/tls), so "inactive" here
// means the session resumed on a connection whose generation counter (see
// stream.TicketEpoch) is behind the listener's current epoch, and
// "unknown" means resumption reported by crypto/tls with no matching
// epoch recorded at all.
func (c *EndpointCounters) TallyTLSSession(resumed bool, ticketInactive, ticketUnknown bool) {
	if !resumed {
		atomic.AddInt64(&c.TLSNewSession, 1)
		return
	}
	atomic.AddInt64(&c.TLSResumed, 1)
	if ticketInactive {
		atomic.AddInt64(&c.TLSResumedTicketInactive, 1)
	}
	if ticketUnknown {
		atomic.AddInt64(&c.TLSResumedTicketUnknown, 1)
	}
}

// GlobalCounters are the process-wide observable counters.
type GlobalCounters struct {
	Queries            int64
	Responses          int64
	FrontendNoError    int64
	FrontendNXDomain   int64
	FrontendServFail   int64
	ServfailResponses  int64
	NonCompliantQueries int64
	ACLDrops           int64
	ProxyProtocolInvalid int64
}

func (g *GlobalCounters) IncQueries()             { atomic.AddInt64(&g.Queries, 1) }
func (g *GlobalCounters) IncResponses()           { atomic.AddInt64(&g.Responses, 1) }
func (g *GlobalCounters) IncACLDrops()            { atomic.AddInt64(&g.ACLDrops, 1) }
func (g *GlobalCounters) IncNonCompliantQueries() { atomic.AddInt64(&g.NonCompliantQueries, 1) }
func (g *GlobalCounters) IncProxyProtocolInvalid() { atomic.AddInt64(&g.ProxyProtocolInvalid, 1) }

// TallyRcode updates the frontend rcode breakdown counters for a response
// written back to a client.
func (g *GlobalCounters) TallyRcode(rcode int) {
	switch rcode {
	case 0: // NOERROR
		atomic.AddInt64(&g.FrontendNoError, 1)
	case 3: // NXDOMAIN
		atomic.AddInt64(&g.FrontendNXDomain, 1)
	case 2: // SERVFAIL
		atomic.AddInt64(&g.FrontendServFail, 1)
		atomic.AddInt64(&g.ServfailResponses, 1)
	}
}
