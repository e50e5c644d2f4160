package types

import (
	"crypto/tls"
	"net"
	"time"
)

// EndpointConfig is the shared, read-mostly configuration of one
// listening endpoint. It is safe for concurrent reads from every worker
// goroutine serving connections accepted on this endpoint.
type EndpointConfig struct {
	Name string
	Addr string

	// TLSConfig is nil for a plaintext endpoint.
	TLSConfig *tls.Config

	// ExpectProxyProtocolFrom lists the peers that must send a PROXY
	// protocol header before their first query (a listed peer whose header
	// fails to parse is disconnected); nil/empty means PROXY protocol is
	// not expected on this endpoint at all.
	ExpectProxyProtocolFrom []*net.IPNet

	// MaxInFlightQueriesPerConn is the per-connection pipelining cap.
	MaxInFlightQueriesPerConn int

	// ListenBacklog is the configured kernel accept backlog. It is not
	// applied by accept.Acceptor, whose listener always uses the runtime
	// default backlog.
	ListenBacklog int

	// AllowedFrom restricts which client IPs may connect to this endpoint
	// at all; nil/empty permits every source.
	AllowedFrom []*net.IPNet

	Counters *EndpointCounters
}

// Allows reports whether ip may connect to this endpoint.
func (e *EndpointConfig) Allows(ip net.IP) bool {
	if e == nil || len(e.AllowedFrom) == 0 {
		return true
	}
	for _, n := range e.AllowedFrom {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExpectsProxyProtocolFrom reports whether ip must precede its first
// query with a PROXY protocol header on this endpoint.
func (e *EndpointConfig) ExpectsProxyProtocolFrom(ip net.IP) bool {
	for _, n := range e.ExpectProxyProtocolFrom {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Config is the full process-lifetime configuration.
type Config struct {
	MaxTCPQueuedConnections     int
	MaxTCPQueriesPerConn        int
	MaxTCPConnectionDuration    time.Duration
	MaxTCPConnectionsPerClient  int
	DownstreamTCPCleanupInterval time.Duration
	UseTCPSinglePipe            bool
	WorkerCount                 int

	ClientReadTimeout  time.Duration
	ClientWriteTimeout time.Duration
	BackendDialTimeout time.Duration
	BackendIOTimeout   time.Duration

	LogLevel string

	Endpoints []*EndpointConfig
	Backends  []*Backend
}

// Backend is a selectable downstream authoritative/recursive server.
type Backend struct {
	Name             string
	Address          string
	UseProxyProtocol bool
}
