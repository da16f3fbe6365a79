// Package transport carries DNS messages over the network and drives the
// engine. The core is a pure state machine; these listeners own the
// sockets and serialize calls into it.
package transport

import (
	"context"
	"net/netip"
)

// Handler processes one raw message and returns the raw reply, or nil
// when no reply is owed. Implementations serialize access to the core.
type Handler interface {
	Serve(raw []byte, peer netip.AddrPort, tcp bool) []byte
}

// Listener is a transport that accepts DNS messages and hands them to a
// Handler.
type Listener interface {
	Start(ctx context.Context, handler Handler) error
	Stop() error
	Address() string
}
