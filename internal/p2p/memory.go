package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// DropFunc decides whether the in-memory network loses a peer frame.
type DropFunc func(from, to wire.PeerAddress, frame []byte) bool

// MemNetwork connects MemTransports inside one process. Used by tests and by
// single-process demos.
type MemNetwork struct {
	mu    sync.RWMutex
	nodes map[wire.PeerAddress]*MemTransport
	drop  DropFunc
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: make(map[wire.PeerAddress]*MemTransport)}
}

// SetDrop installs a frame filter; nil delivers everything.
func (n *MemNetwork) SetDrop(fn DropFunc) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Transport returns a transport bound to addr. It joins the network on Start.
func (n *MemNetwork) Transport(addr wire.PeerAddress) *MemTransport {
	return &MemTransport{net: n, addr: addr, in: newInbox()}
}

func (n *MemNetwork) lookup(addr wire.PeerAddress) (*MemTransport, DropFunc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[addr]
	return t, n.drop, ok
}

// Pending reports queued frames across all transports.
func (n *MemNetwork) Pending() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	total := 0
	for _, t := range n.nodes {
		total += t.in.len()
	}
	return total
}

// MemTransport is the in-process Transport.
type MemTransport struct {
	net       *MemNetwork
	addr      wire.PeerAddress
	in        *inbox
	mu        sync.RWMutex
	onRequest RequestHandler
	limiter   *RequestLimiter
	cancel    context.CancelFunc
}

var _ Transport = (*MemTransport)(nil)

// SetLimiter bounds concurrent inbound requests.
func (t *MemTransport) SetLimiter(l *RequestLimiter) { t.limiter = l }

func (t *MemTransport) Start(ctx context.Context) error {
	t.net.mu.Lock()
	if _, dup := t.net.nodes[t.addr]; dup {
		t.net.mu.Unlock()
		return fmt.Errorf("memory address %q in use", t.addr)
	}
	t.net.nodes[t.addr] = t
	t.net.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.in.start(ctx)
	return nil
}

func (t *MemTransport) Stop(_ context.Context) error {
	t.net.mu.Lock()
	if t.net.nodes[t.addr] == t {
		delete(t.net.nodes, t.addr)
	}
	t.net.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.in.wait()
	}
	return nil
}

func (t *MemTransport) Addr() wire.PeerAddress { return t.addr }

func (t *MemTransport) Send(_ context.Context, addr wire.PeerAddress, frame []byte) error {
	if len(frame) > wire.MaxFrame {
		return ErrFrameTooLarge
	}
	dst, drop, ok := t.net.lookup(addr)
	if !ok {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "tx", "result": "unreachable"})
		return fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	if drop != nil && drop(t.addr, addr, frame) {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "tx", "result": "dropped"})
		return nil
	}
	dst.in.push(append([]byte(nil), frame...))
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "tx", "result": "ok"})
	return nil
}

func (t *MemTransport) Request(ctx context.Context, addr wire.PeerAddress, frame []byte) ([]byte, error) {
	dst, _, ok := t.net.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	return dst.serve(ctx, append([]byte(nil), frame...))
}

func (t *MemTransport) serve(ctx context.Context, frame []byte) ([]byte, error) {
	if !t.limiter.TryAcquire() {
		return nil, ErrOverloaded
	}
	defer t.limiter.Release()
	t.mu.RLock()
	fn := t.onRequest
	t.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: %s serves no requests", ErrUnreachable, t.addr)
	}
	return fn(ctx, frame)
}

func (t *MemTransport) OnPeer(fn PeerHandler) { t.in.setHandler(fn) }

func (t *MemTransport) OnRequest(fn RequestHandler) {
	t.mu.Lock()
	t.onRequest = fn
	t.mu.Unlock()
}
