package p2p

import (
	"context"
	"errors"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
)

var (
	ErrNotStarted    = errors.New("p2p not started")
	ErrUnreachable   = errors.New("peer unreachable")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrOverloaded    = errors.New("too many in-flight requests")
)

// PeerHandler consumes one inbound peer frame. Frames are handed over one at
// a time, in arrival order, from a single dispatcher goroutine.
type PeerHandler func(ctx context.Context, frame []byte)

// RequestHandler answers one client request frame with one reply frame.
// Handlers may run concurrently.
type RequestHandler func(ctx context.Context, frame []byte) ([]byte, error)

// Transport is a point-to-point frame transport between authority nodes and
// clients. Implementations: Libp2pTransport and MemTransport.
type Transport interface {
	// Start brings up the network stack.
	Start(ctx context.Context) error
	// Stop shuts the stack down and waits for the dispatcher to exit.
	Stop(ctx context.Context) error

	// Addr is the address other processes use to reach this one. Valid after Start.
	Addr() wire.PeerAddress

	// Send delivers one peer frame to addr without waiting for it to be
	// handled. A frame addressed to Addr() is queued locally.
	Send(ctx context.Context, addr wire.PeerAddress, frame []byte) error
	// Request sends one request frame to addr and waits for its reply.
	Request(ctx context.Context, addr wire.PeerAddress, frame []byte) ([]byte, error)

	// OnPeer registers the inbound peer frame handler. Call before Start.
	OnPeer(fn PeerHandler)
	// OnRequest registers the inbound request handler. Call before Start.
	OnRequest(fn RequestHandler)
}
