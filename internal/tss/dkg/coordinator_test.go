package dkg

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNode struct {
	id    wire.PeerID
	tr    *p2p.MemTransport
	coord *Coordinator
	keys  chan bls.KeyMaterial
}

// newCluster wires n coordinators over one in-memory network. Relay frames
// are decoded and handed to the coordinator the way the node does it.
func newCluster(t *testing.T, n int, retryBase time.Duration) (*p2p.MemNetwork, []*testNode) {
	t.Helper()
	net := p2p.NewMemNetwork()
	ids := newIDs(t, n)
	addrs := make(map[wire.PeerID]wire.PeerAddress, n)
	for i, id := range ids {
		addrs[id] = wire.PeerAddress("node-" + string(rune('a'+i)))
	}
	lookup := func(id wire.PeerID) (wire.PeerAddress, bool) {
		a, ok := addrs[id]
		return a, ok
	}
	nodes := make([]*testNode, n)
	for i, id := range ids {
		tn := &testNode{id: id, tr: net.Transport(addrs[id]), keys: make(chan bls.KeyMaterial, 1)}
		tn.coord = NewCoordinator(Config{
			Self:      id,
			Lookup:    lookup,
			Send:      tn.tr.Send,
			Install:   func(km bls.KeyMaterial) { tn.keys <- km },
			RetryBase: retryBase,
		})
		tn.tr.OnPeer(func(ctx context.Context, frame []byte) {
			env, err := wire.Unmarshal(frame)
			if err != nil || env.Peer == nil || env.Peer.DkgRelay == nil {
				t.Errorf("unexpected frame: %v", err)
				return
			}
			if err := tn.coord.Handle(ctx, env.Peer.DkgRelay.From, env.Peer.DkgRelay.Data); err != nil {
				t.Errorf("handle: %v", err)
			}
		})
		if err := tn.tr.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		nodes[i] = tn
	}
	t.Cleanup(func() {
		for _, tn := range nodes {
			tn.coord.Stop()
			_ = tn.tr.Stop(context.Background())
		}
	})
	return net, nodes
}

func startAll(t *testing.T, nodes []*testNode) {
	t.Helper()
	ids := make([]wire.PeerID, len(nodes))
	for i, tn := range nodes {
		ids[i] = tn.id
	}
	for _, tn := range nodes {
		if err := tn.coord.Start(context.Background(), ids); err != nil {
			t.Fatalf("start dkg: %v", err)
		}
	}
}

func collectKeys(t *testing.T, nodes []*testNode) []bls.KeyMaterial {
	t.Helper()
	out := make([]bls.KeyMaterial, 0, len(nodes))
	for _, tn := range nodes {
		select {
		case km := <-tn.keys:
			out = append(out, km)
		case <-time.After(10 * time.Second):
			t.Fatalf("node %s did not finalize (state %s)", tn.id.Short(), tn.coord.State())
		}
	}
	return out
}

func TestCoordinator_FinalizesOverMemNetwork(t *testing.T) {
	for _, n := range []int{3, 4} {
		_, nodes := newCluster(t, n, 10*time.Millisecond)
		startAll(t, nodes)
		kms := collectKeys(t, nodes)
		for _, km := range kms {
			if km.PublicKeySet.Threshold != n-1 {
				t.Fatalf("n=%d threshold %d", n, km.PublicKeySet.Threshold)
			}
			if !km.PublicKeySet.Equal(kms[0].PublicKeySet) {
				t.Fatalf("n=%d key sets differ", n)
			}
		}
		for _, tn := range nodes {
			if tn.coord.State() != StateFinalized {
				t.Fatalf("state %s", tn.coord.State())
			}
		}
	}
}

func TestCoordinator_DropsBeforeStartAndRecoversByResend(t *testing.T) {
	metrics.Reset()
	_, nodes := newCluster(t, 3, 10*time.Millisecond)
	ids := []wire.PeerID{nodes[0].id, nodes[1].id, nodes[2].id}
	// The last node learns about quorum late: everything sent to it before
	// its Start is dropped.
	for _, tn := range nodes[:2] {
		if err := tn.coord.Start(context.Background(), ids); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(metrics.DumpProm(), `result="dropped_idle"`) {
		if time.Now().After(deadline) {
			t.Fatalf("no idle drop recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if nodes[2].coord.State() != StateIdle {
		t.Fatalf("late node left idle early")
	}
	if err := nodes[2].coord.Start(context.Background(), ids); err != nil {
		t.Fatalf("late start: %v", err)
	}
	collectKeys(t, nodes)
}

func TestCoordinator_LostDealsAreResent(t *testing.T) {
	net, nodes := newCluster(t, 3, 10*time.Millisecond)
	var dropped atomic.Int32
	var once sync.Once
	net.SetDrop(func(_, to wire.PeerAddress, _ []byte) bool {
		drop := false
		if to == nodes[1].tr.Addr() {
			once.Do(func() { drop = true; dropped.Add(1) })
		}
		return drop
	})
	startAll(t, nodes)
	collectKeys(t, nodes)
	if dropped.Load() != 1 {
		t.Fatalf("drop filter never fired")
	}
}

func TestCoordinator_StartTwice(t *testing.T) {
	_, nodes := newCluster(t, 1, -1)
	startAll(t, nodes)
	collectKeys(t, nodes)
	if err := nodes[0].coord.Start(context.Background(), []wire.PeerID{nodes[0].id}); err != ErrAlreadyStarted {
		t.Fatalf("want ErrAlreadyStarted, got %v", err)
	}
	// Late frames are still decoded after finalization.
	if err := nodes[0].coord.Handle(context.Background(), nodes[0].id, []byte("junk")); err == nil {
		t.Fatalf("finalized coordinator accepted junk")
	}
	if nodes[0].coord.State() != StateFinalized {
		t.Fatalf("state %s", nodes[0].coord.State())
	}
}

func TestCoordinator_UnknownPeerIsSkipped(t *testing.T) {
	ids := newIDs(t, 2)
	var sent int
	c := NewCoordinator(Config{
		Self:      ids[0],
		Lookup:    func(id wire.PeerID) (wire.PeerAddress, bool) { return "self", id == ids[0] },
		Send:      func(context.Context, wire.PeerAddress, []byte) error { sent++; return nil },
		RetryBase: -1,
	})
	if err := c.Start(context.Background(), ids); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sent != 1 {
		t.Fatalf("want only the self deal sent, got %d", sent)
	}
	if c.State() != StateRunning {
		t.Fatalf("state %s", c.State())
	}
}

func TestCoordinator_AcksAfterFinalizeStopResend(t *testing.T) {
	ids := newIDs(t, 2)
	self, peer := ids[0], ids[1]
	addrs := map[wire.PeerID]wire.PeerAddress{self: "self", peer: "peer"}
	type frame struct {
		to  wire.PeerAddress
		msg wire.DKGMessage
	}
	var sent []frame
	c := NewCoordinator(Config{
		Self: self,
		Lookup: func(id wire.PeerID) (wire.PeerAddress, bool) {
			a, ok := addrs[id]
			return a, ok
		},
		Send: func(_ context.Context, addr wire.PeerAddress, b []byte) error {
			env, err := wire.Unmarshal(b)
			if err != nil {
				return err
			}
			m, err := wire.DecodeDKG(env.Peer.DkgRelay.Data)
			if err != nil {
				return err
			}
			sent = append(sent, frame{addr, m})
			return nil
		},
		RetryBase: -1,
	})
	handle := func(from wire.PeerID, m wire.DKGMessage) {
		t.Helper()
		data, err := wire.EncodeDKG(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := c.Handle(context.Background(), from, data); err != nil {
			t.Fatalf("handle %s: %v", m.Type, err)
		}
	}
	// deliverSelf feeds back what c sent to itself.
	deliverSelf := func() {
		t.Helper()
		out := sent
		sent = nil
		for _, f := range out {
			if f.to == "self" {
				handle(self, f.msg)
			} else {
				sent = append(sent, f)
			}
		}
	}

	if err := c.Start(context.Background(), ids); err != nil {
		t.Fatalf("start: %v", err)
	}
	deliverSelf()
	deliverSelf()

	remote, remoteOut, err := Initialize(peer, Threshold(2), ids, nil)
	if err != nil {
		t.Fatalf("remote init: %v", err)
	}
	for _, o := range remoteOut {
		if o.To == self {
			handle(peer, o.Msg)
		}
	}
	deliverSelf()
	if c.State() != StateFinalized {
		t.Fatalf("state %s", c.State())
	}

	c.mu.Lock()
	pending := len(c.session.Pending())
	c.mu.Unlock()
	if pending != 1 {
		t.Fatalf("want the peer's deal pending before its ack, got %d", pending)
	}

	var acks []wire.DKGMessage
	for _, f := range sent {
		if f.to != "peer" || f.msg.Type != wire.DKGDeal {
			continue
		}
		out, err := remote.Handle(self, f.msg)
		if err != nil {
			t.Fatalf("remote handle: %v", err)
		}
		for _, o := range out {
			acks = append(acks, o.Msg)
		}
	}
	if len(acks) == 0 {
		t.Fatalf("remote produced no ack")
	}
	for _, a := range acks {
		handle(peer, a)
	}

	c.mu.Lock()
	pending = len(c.session.Pending())
	c.mu.Unlock()
	if pending != 0 {
		t.Fatalf("ack after finalize not recorded, %d deals pending", pending)
	}
}
