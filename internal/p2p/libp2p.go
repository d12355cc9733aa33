package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// Protocol ids. Peer frames are one-way; request streams carry exactly one
// request frame and one reply frame.
const (
	ProtocolPeer    protocol.ID = "/aequa-quorum/peer/1.0.0"
	ProtocolRequest protocol.ID = "/aequa-quorum/request/1.0.0"
)

// Libp2pTransport implements Transport over libp2p streams with varint
// length-prefixed frames.
type Libp2pTransport struct {
	cfg       NetConfig
	host      p2phost.Host
	self      wire.PeerAddress
	in        *inbox
	mu        sync.RWMutex
	onRequest RequestHandler
	limiter   *RequestLimiter
	cancel    context.CancelFunc
}

var _ Transport = (*Libp2pTransport)(nil)

// NewLibp2pTransport builds an unstarted transport.
func NewLibp2pTransport(cfg NetConfig) *Libp2pTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 30 * time.Second
	}
	return &Libp2pTransport{cfg: cfg, in: newInbox(), limiter: NewRequestLimiter(cfg.MaxInflight)}
}

func (t *Libp2pTransport) Start(ctx context.Context) error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}
	opts := []libp2p.Option{}
	if t.cfg.IdentityFile != "" {
		sk, err := LoadOrCreateIdentity(t.cfg.IdentityFile)
		if err != nil {
			return err
		}
		opts = append(opts, libp2p.Identity(sk))
	}
	if len(t.cfg.Listen) > 0 {
		var addrs []ma.Multiaddr
		for _, s := range t.cfg.Listen {
			a, err := ma.NewMultiaddr(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("listen %q: %w", s, err)
			}
			addrs = append(addrs, a)
		}
		opts = append(opts, libp2p.ListenAddrs(addrs...))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	t.host = h

	h.SetStreamHandler(ProtocolPeer, t.handlePeerStream)
	h.SetStreamHandler(ProtocolRequest, t.handleRequestStream)

	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	if err == nil && len(full) > 0 {
		t.self = wire.PeerAddress(full[0].String())
	} else {
		t.self = wire.PeerAddress("/p2p/" + h.ID().String())
	}
	// Log self peer id and listen addrs for operators to copy into bootnodes.txt
	for _, a := range full {
		logger.InfoJ("p2p_addr", map[string]any{"self_id": h.ID().String(), "addr": a.String()})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.in.start(runCtx)
	logger.InfoJ("p2p_start", map[string]any{"result": "ok", "self": string(t.self)})
	return nil
}

func (t *Libp2pTransport) Stop(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
		t.in.wait()
	}
	if t.host == nil {
		return nil
	}
	t.host.RemoveStreamHandler(ProtocolPeer)
	t.host.RemoveStreamHandler(ProtocolRequest)
	return t.host.Close()
}

func (t *Libp2pTransport) Addr() wire.PeerAddress { return t.self }

func (t *Libp2pTransport) OnPeer(fn PeerHandler) { t.in.setHandler(fn) }

func (t *Libp2pTransport) OnRequest(fn RequestHandler) {
	t.mu.Lock()
	t.onRequest = fn
	t.mu.Unlock()
}

// resolve parses addr and reports whether it names this host.
func (t *Libp2pTransport) resolve(addr wire.PeerAddress) (*peer.AddrInfo, bool, error) {
	if t.host == nil {
		return nil, false, ErrNotStarted
	}
	m, err := ma.NewMultiaddr(string(addr))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return info, info.ID == t.host.ID(), nil
}

func (t *Libp2pTransport) open(ctx context.Context, info *peer.AddrInfo, pid protocol.ID) (network.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	if err := t.host.Connect(dctx, *info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	s, err := t.host.NewStream(dctx, info.ID, pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	_ = s.SetDeadline(time.Now().Add(t.cfg.StreamTimeout))
	return s, nil
}

// Send writes one peer frame. Frames for this host skip the network.
func (t *Libp2pTransport) Send(ctx context.Context, addr wire.PeerAddress, frame []byte) error {
	if len(frame) > wire.MaxFrame {
		return ErrFrameTooLarge
	}
	if addr == t.self {
		t.in.push(append([]byte(nil), frame...))
		return nil
	}
	info, self, err := t.resolve(addr)
	if err != nil {
		return err
	}
	if self {
		t.in.push(append([]byte(nil), frame...))
		return nil
	}
	s, err := t.open(ctx, info, ProtocolPeer)
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "tx", "result": "unreachable"})
		return err
	}
	if err := msgio.NewVarintWriter(s).WriteMsg(frame); err != nil {
		_ = s.Reset()
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "tx", "result": "error"})
		return err
	}
	// Half-close and wait for the remote close so the frame is known to be read.
	_ = s.CloseWrite()
	_, _ = io.Copy(io.Discard, s)
	_ = s.Close()
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "tx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"proto": "peer", "direction": "tx"}, float64(len(frame)))
	return nil
}

// Request writes one request frame and reads one reply frame.
func (t *Libp2pTransport) Request(ctx context.Context, addr wire.PeerAddress, frame []byte) ([]byte, error) {
	if len(frame) > wire.MaxFrame {
		return nil, ErrFrameTooLarge
	}
	info, _, err := t.resolve(addr)
	if err != nil {
		return nil, err
	}
	s, err := t.open(ctx, info, ProtocolRequest)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := msgio.NewVarintWriter(s).WriteMsg(frame); err != nil {
		_ = s.Reset()
		return nil, err
	}
	_ = s.CloseWrite()
	r := msgio.NewVarintReaderSize(s, wire.MaxFrame)
	msg, err := r.ReadMsg()
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "request", "direction": "rx", "result": "error"})
		return nil, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	reply := append([]byte(nil), msg...)
	r.ReleaseMsg(msg)
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "request", "direction": "rx", "result": "ok"})
	return reply, nil
}

func (t *Libp2pTransport) handlePeerStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(t.cfg.StreamTimeout))
	r := msgio.NewVarintReaderSize(s, wire.MaxFrame)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "rx", "result": "read_error"})
				logger.DebugJ("p2p_rx", map[string]any{"proto": "peer", "result": "read_error", "remote": s.Conn().RemotePeer().String(), "err": err.Error()})
			}
			return
		}
		frame := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "peer", "direction": "rx", "result": "ok"})
		metrics.Add(MetricP2PBytesTotal, map[string]string{"proto": "peer", "direction": "rx"}, float64(len(frame)))
		t.in.push(frame)
	}
}

func (t *Libp2pTransport) handleRequestStream(s network.Stream) {
	if !t.limiter.TryAcquire() {
		_ = s.Reset()
		return
	}
	defer t.limiter.Release()
	_ = s.SetDeadline(time.Now().Add(t.cfg.StreamTimeout))

	r := msgio.NewVarintReaderSize(s, wire.MaxFrame)
	msg, err := r.ReadMsg()
	if err != nil {
		_ = s.Reset()
		return
	}
	frame := append([]byte(nil), msg...)
	r.ReleaseMsg(msg)

	t.mu.RLock()
	fn := t.onRequest
	t.mu.RUnlock()
	if fn == nil {
		_ = s.Reset()
		return
	}
	reply, err := fn(context.Background(), frame)
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"proto": "request", "direction": "tx", "result": "handler_error"})
		_ = s.Reset()
		return
	}
	if err := msgio.NewVarintWriter(s).WriteMsg(reply); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.Close()
}
