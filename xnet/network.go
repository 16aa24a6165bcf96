package xnet

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport"
)

// Server is a forward proxy that can be run as a kratos transport server.
type Server interface {
	transport.Server
	transport.Endpointer

	// Active returns the number of live connections.
	Active() int
	// Disconnect tears one connection down.
	Disconnect(ctx context.Context, id uint64) error
	// IDList returns the ids of the live connections.
	IDList() []uint64
}

// Connection is the read-only view of one proxied client connection handed to hooks.
type Connection interface {
	ID() uint64
	State() State
	// ClientAddr is the remote address of the client.
	ClientAddr() string
	// Target is the host:port of the current upstream, empty before the first resolution.
	Target() string
}
