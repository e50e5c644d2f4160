package stream

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"tcpdnsproxy/types"
)

// TicketEpoch is incremented whenever a listener rotates its TLS session
// ticket keys, so resumed sessions can be classified as
// resumed-on-current-epoch, resumed-but-epoch-moved-on ("inactive"), or
// resumed with no epoch on record at all ("unknown").
type TicketEpoch struct {
	current int64
}

// Bump advances the epoch, e.g. after a certificate/ticket-key reload.
func (e *TicketEpoch) Bump() { atomic.AddInt64(&e.current, 1) }

// Current returns the present epoch value.
func (e *TicketEpoch) Current() int64 { return atomic.LoadInt64(&e.current) }

// Conn wraps either a raw net.Conn or a *tls.Conn behind one interface,
// since the incoming-connection state machine (package incoming) must not
// care which. TLS layers buffer plaintext internally, so reads/writes are
// always issued against this wrapper, never against the raw socket
// directly.
type Conn struct {
	net.Conn
	tlsConn       *tls.Conn
	handshakeDone time.Time
	epoch         *TicketEpoch
	epochAtDial   int64
}

// New wraps raw. If tlsConfig is non-nil, raw is upgraded to a TLS server
// connection; Handshake must be called before any DNS framing I/O.
func New(raw net.Conn, tlsConfig *tls.Config, epoch *TicketEpoch) *Conn {
	if tlsConfig == nil {
		return &Conn{Conn: raw}
	}
	tc := tls.Server(raw, tlsConfig)
	var at int64
	if epoch != nil {
		at = epoch.Current()
	}
	return &Conn{Conn: tc, tlsConn: tc, epoch: epoch, epochAtDial: at}
}

// IsTLS reports whether this connection is TLS-wrapped.
func (c *Conn) IsTLS() bool { return c.tlsConn != nil }

// Handshake drives the TLS handshake to completion (a no-op returning nil
// immediately for plaintext connections). deadline bounds how long the
// handshake may take.
func (c *Conn) Handshake(deadline time.Time) error {
	if c.tlsConn == nil {
		return nil
	}
	if err := c.tlsConn.SetDeadline(deadline); err != nil {
		return err
	}
	if err := c.tlsConn.HandshakeContext(handshakeContext(deadline)); err != nil {
		return err
	}
	c.handshakeDone = time.Now()
	return nil
}

// TallyInto records this connection's TLS version and session-resumption
// outcome on the endpoint counters, once, right after a successful
// Handshake. No-op for plaintext connections.
func (c *Conn) TallyInto(counters *types.EndpointCounters) {
	if c.tlsConn == nil || counters == nil {
		return
	}
	state := c.tlsConn.ConnectionState()
	counters.TallyTLSVersion(state.Version)

	ticketInactive, ticketUnknown := false, false
	if state.DidResume {
		if c.epoch == nil {
			ticketUnknown = true
		} else if c.epochAtDial != c.epoch.Current() {
			ticketInactive = true
		}
	}
	counters.TallyTLSSession(state.DidResume, ticketInactive, ticketUnknown)
}

// HandshakeDoneAt returns the time the TLS handshake completed (zero for
// plaintext connections, which skip the handshake state entirely).
func (c *Conn) HandshakeDoneAt() time.Time { return c.handshakeDone }
