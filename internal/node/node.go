// Package node assembles an authority node: transport, peer registry, DKG
// coordinator and request server.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/zmlAEQ/aequa-quorum/internal/authority"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/registry"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/dkg"
	"github.com/zmlAEQ/aequa-quorum/pkg/bus"
	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

var (
	ErrInvalidQuorum = errors.New("quorum size must be at least 1")
	ErrNotStarted    = errors.New("node not started")
)

type Config struct {
	QuorumSize int
	// Bootnodes are announced to on start until the send succeeds.
	Bootnodes []wire.PeerAddress

	Processor authority.Processor
	Journal   authority.Log
	CacheSize int
	ApplyRate float64

	Bus  *bus.Bus
	Rand io.Reader

	DKGRetryBase      time.Duration
	DKGMaxRetries     uint64
	AnnounceRetryBase time.Duration // default 500ms
	AnnounceRetries   uint64        // default 20
}

func (c Config) Validate() error {
	if c.QuorumSize < 1 {
		return ErrInvalidQuorum
	}
	if c.Processor == nil {
		return errors.New("missing processor")
	}
	return nil
}

// Status is the node summary served by monitoring.
type Status struct {
	PeerID        string `json:"peer_id"`
	Addr          string `json:"addr"`
	Registry      int    `json:"registry_size"`
	Quorum        int    `json:"quorum_size"`
	DKG           string `json:"dkg_state"`
	KeysInstalled bool   `json:"keys_installed"`
}

// Node is one authority. Peer frames are handled one at a time under mu;
// client requests go to the server without taking mu.
type Node struct {
	cfg    Config
	id     wire.PeerID
	tr     p2p.Transport
	keys   *authority.KeyCell
	coord  *dkg.Coordinator
	server *authority.Server

	mu  sync.Mutex
	reg atomic.Pointer[registry.Registry]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ lifecycle.Service = (*Node)(nil)

// New wires a node to tr and registers its handlers. tr must not be started.
func New(cfg Config, tr p2p.Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AnnounceRetryBase <= 0 {
		cfg.AnnounceRetryBase = 500 * time.Millisecond
	}
	if cfg.AnnounceRetries == 0 {
		cfg.AnnounceRetries = 20
	}
	id, err := wire.NewPeerID(cfg.Rand)
	if err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, id: id, tr: tr, keys: &authority.KeyCell{}}
	n.server, err = authority.NewServer(authority.Config{
		Keys:      n.keys,
		Members:   n,
		Processor: cfg.Processor,
		Log:       cfg.Journal,
		CacheSize: cfg.CacheSize,
		ApplyRate: cfg.ApplyRate,
	})
	if err != nil {
		return nil, err
	}
	n.coord = dkg.NewCoordinator(dkg.Config{
		Self:       id,
		Lookup:     n.lookup,
		Send:       tr.Send,
		Install:    n.install,
		Bus:        cfg.Bus,
		Rand:       cfg.Rand,
		RetryBase:  cfg.DKGRetryBase,
		MaxRetries: cfg.DKGMaxRetries,
	})
	tr.OnPeer(n.handlePeer)
	tr.OnRequest(n.server.HandleRequest)
	return n, nil
}

func (n *Node) Name() string { return "authority-node" }

func (n *Node) ID() wire.PeerID { return n.id }

func (n *Node) Coordinator() *dkg.Coordinator { return n.coord }

func (n *Node) Keys() *authority.KeyCell { return n.keys }

// Start replays the request journal, starts the transport and announces
// this node to the bootnodes.
func (n *Node) Start(ctx context.Context) error {
	if err := n.server.Replay(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.tr.Start(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	addr := n.tr.Addr()
	reg := registry.New(n.id, addr, n.cfg.QuorumSize)
	n.reg.Store(reg)
	logger.InfoJ("node_start", map[string]any{"peer_id": n.id.Short(), "addr": string(addr), "quorum": n.cfg.QuorumSize})

	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	if reg.CheckQuorum() {
		n.quorumReached(actx, reg)
	}
	for _, b := range n.cfg.Bootnodes {
		if b == addr {
			continue
		}
		n.wg.Add(1)
		go n.announce(actx, b)
	}
	return nil
}

func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	// the dispatcher may still start the DKG until the transport is down
	err := n.tr.Stop(ctx)
	n.coord.Stop()
	return err
}

// announce sends this node's Announce to a bootnode, retrying while the
// bootnode is unreachable.
func (n *Node) announce(ctx context.Context, to wire.PeerAddress) {
	defer n.wg.Done()
	frame, err := wire.Marshal(wire.NewAnnounce(n.id, n.tr.Addr()))
	if err != nil {
		return
	}
	b := retry.WithMaxRetries(n.cfg.AnnounceRetries, retry.NewExponential(n.cfg.AnnounceRetryBase))
	b = retry.WithCappedDuration(10*time.Second, b)
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := n.tr.Send(ctx, to, frame); err != nil {
			metrics.Inc("node_announce_total", map[string]string{"result": "retry"})
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			metrics.Inc("node_announce_total", map[string]string{"result": "gave_up"})
			logger.WarnJ("node_announce", map[string]any{"to": string(to), "result": "gave_up", "err": err.Error()})
		}
		return
	}
	metrics.Inc("node_announce_total", map[string]string{"result": "ok"})
	logger.DebugJ("node_announce", map[string]any{"to": string(to), "result": "ok"})
}

func (n *Node) handlePeer(ctx context.Context, frame []byte) {
	env, err := wire.Unmarshal(frame)
	if err != nil || env.Peer == nil {
		metrics.Inc("node_peer_frames_total", map[string]string{"result": "decode_error"})
		logger.WarnJ("node_peer_frame", map[string]any{"result": "decode_error", "bytes": len(frame)})
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	reg := n.reg.Load()
	if reg == nil {
		return
	}
	switch {
	case env.Peer.Announce != nil:
		a := env.Peer.Announce
		n.onAnnounce(ctx, reg, a.ID, a.Addr)
	case env.Peer.DkgRelay != nil:
		r := env.Peer.DkgRelay
		if err := n.coord.Handle(ctx, r.From, r.Data); err != nil {
			metrics.Inc("node_peer_frames_total", map[string]string{"result": "dkg_error"})
			logger.WarnJ("node_peer_frame", map[string]any{"kind": "dkg", "from": r.From.Short(), "result": "error", "err": err.Error()})
			return
		}
	}
	metrics.Inc("node_peer_frames_total", map[string]string{"result": "ok"})
}

// onAnnounce admits a peer, introduces every known peer to it and starts
// the DKG on quorum. Must hold n.mu.
func (n *Node) onAnnounce(ctx context.Context, reg *registry.Registry, id wire.PeerID, addr wire.PeerAddress) {
	adm := reg.Admit(id, addr)
	if adm.Known {
		logger.DebugJ("peer_announce", map[string]any{"peer": id.Short(), "result": "known"})
		return
	}
	logger.InfoJ("peer_joined", map[string]any{"peer": id.Short(), "addr": string(addr), "registry_size": adm.Size})
	n.cfg.Bus.Publish(ctx, bus.Event{Kind: bus.KindPeer, Size: adm.Size, Body: wire.Member{ID: id, Addr: addr}})
	for _, m := range adm.Introductions {
		frame, err := wire.Marshal(wire.NewAnnounce(m.ID, m.Addr))
		if err != nil {
			continue
		}
		if err := n.tr.Send(ctx, addr, frame); err != nil {
			metrics.Inc("node_introductions_total", map[string]string{"result": "send_error"})
			logger.WarnJ("peer_introduce", map[string]any{"to": id.Short(), "peer": m.ID.Short(), "err": err.Error()})
			continue
		}
		metrics.Inc("node_introductions_total", map[string]string{"result": "ok"})
	}
	if adm.QuorumReached {
		n.quorumReached(ctx, reg)
	}
}

// quorumReached starts the DKG among the registry. Must hold n.mu.
func (n *Node) quorumReached(ctx context.Context, reg *registry.Registry) {
	ids := reg.IDs()
	logger.InfoJ("quorum_reached", map[string]any{"registry_size": len(ids), "threshold": dkg.Threshold(len(ids))})
	n.cfg.Bus.Publish(ctx, bus.Event{Kind: bus.KindQuorum, Size: len(ids), TraceID: uuid.NewString()})
	if err := n.coord.Start(ctx, ids); err != nil {
		logger.ErrorJ("dkg_start", map[string]any{"result": "error", "err": err.Error()})
	}
}

func (n *Node) install(km bls.KeyMaterial) {
	n.keys.Install(km)
}

func (n *Node) lookup(id wire.PeerID) (wire.PeerAddress, bool) {
	reg := n.reg.Load()
	if reg == nil {
		return "", false
	}
	return reg.Lookup(id)
}

// Snapshot is the registry as served to clients.
func (n *Node) Snapshot() []wire.Member {
	reg := n.reg.Load()
	if reg == nil {
		return nil
	}
	return reg.Snapshot()
}

func (n *Node) Status() Status {
	s := Status{
		PeerID:        n.id.String(),
		Quorum:        n.cfg.QuorumSize,
		DKG:           n.coord.State().String(),
		KeysInstalled: n.keys.Installed(),
	}
	if reg := n.reg.Load(); reg != nil {
		s.Addr = string(n.tr.Addr())
		s.Registry = reg.Len()
	}
	return s
}
