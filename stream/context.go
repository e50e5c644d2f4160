package stream

import (
	"context"
	"time"
)

// handshakeContext returns a context bound to deadline, used only to
// drive tls.Conn.HandshakeContext; the real enforcement is the socket
// deadline set immediately before it.
func handshakeContext(deadline time.Time) context.Context {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	_ = cancel // never called: ctx's resources are released when its deadline passes
	return ctx
}
