package incoming

import (
	"net"

	"github.com/miekg/dns"

	"tcpdnsproxy/types"
)

// Action is the outcome a Policy chooses for one query. Rule/policy
// evaluation itself is out of scope for this dataplane: Policy is the
// opaque oracle the state machine calls and reacts to.
type Action int

const (
	// ActionDrop silently discards the query; the connection continues
	// and currentInFlight is never incremented for it.
	ActionDrop Action = iota
	// ActionAnswer means the policy already produced a complete answer
	// (Decision.Answer); no backend round-trip happens.
	ActionAnswer
	// ActionForward means the query should be sent to Decision.Backend.
	ActionForward
)

// Decision is the oracle's verdict for one query.
type Decision struct {
	Action     Action
	Answer     *dns.Msg
	Backend    *types.Backend
	CacheSkip  bool
}

// Policy decides, for one client query, whether to drop it, answer it
// directly, or forward it to a chosen backend. proxiedClient is the
// client address to evaluate against — the PROXY-protocol-reported
// address when present, the TCP peer address otherwise.
type Policy interface {
	Decide(q *dns.Msg, proxiedClient net.IP, endpoint *types.EndpointConfig) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(q *dns.Msg, proxiedClient net.IP, endpoint *types.EndpointConfig) Decision

func (f PolicyFunc) Decide(q *dns.Msg, proxiedClient net.IP, endpoint *types.EndpointConfig) Decision {
	return f(q, proxiedClient, endpoint)
}
