package dkg

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/pkg/bus"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// State of a Coordinator. It only moves forward.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

var ErrAlreadyStarted = errors.New("dkg already started")

var errAwaitingAcks = errors.New("awaiting acks")

// Config wires a Coordinator to its node.
type Config struct {
	Self wire.PeerID
	// Lookup resolves a participant to its address, normally the peer registry.
	Lookup func(wire.PeerID) (wire.PeerAddress, bool)
	// Send writes one envelope frame to addr without waiting for a reply.
	Send func(ctx context.Context, addr wire.PeerAddress, frame []byte) error
	// Install receives the key material exactly once.
	Install func(bls.KeyMaterial)
	Bus     *bus.Bus
	Rand    io.Reader

	RetryBase  time.Duration // default 200ms; negative disables re-sending
	MaxRetries uint64        // default 8
}

// Coordinator drives one DKG session from quorum to installed keys.
// Idle until Start; messages that arrive while Idle are dropped, which the
// re-send loop of the remote dealers makes up for. A finalized coordinator
// keeps handling frames until its own deals are all acked.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	state   State
	session *Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 8
	}
	return &Coordinator{cfg: cfg}
}

// Threshold is the number of shares required for a quorum of size n. One
// absent member is tolerated.
func Threshold(n int) int {
	if n-1 < 1 {
		return 1
	}
	return n - 1
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the DKG among ids. It may be called once.
func (c *Coordinator) Start(ctx context.Context, ids []wire.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrAlreadyStarted
	}
	threshold := Threshold(len(ids))
	s, out, err := Initialize(c.cfg.Self, threshold, ids, c.cfg.Rand)
	if err != nil {
		metrics.Inc("dkg_sessions_total", map[string]string{"result": "init_error"})
		return err
	}
	c.session = s
	c.state = StateRunning
	metrics.Inc("dkg_sessions_total", map[string]string{"result": "start"})
	logger.InfoJ("dkg_start", map[string]any{"self": c.cfg.Self.Short(), "participants": len(ids), "threshold": threshold})
	c.relay(ctx, out)

	if c.cfg.RetryBase > 0 {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.wg.Add(1)
		go c.resendLoop(rctx)
	}
	return nil
}

// Handle processes one relayed DKG frame from a registry member.
func (c *Coordinator) Handle(ctx context.Context, from wire.PeerID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		metrics.Inc("dkg_msgs_total", map[string]string{"type": "unknown", "result": "dropped_idle"})
		logger.InfoJ("dkg_drop", map[string]any{"from": from.Short(), "state": c.state.String()})
		return nil
	}
	m, err := wire.DecodeDKG(data)
	if err != nil {
		metrics.Inc("dkg_msgs_total", map[string]string{"type": "unknown", "result": "decode_error"})
		return err
	}
	out, err := c.session.Handle(from, m)
	if err != nil {
		metrics.Inc("dkg_msgs_total", map[string]string{"type": m.Type, "result": "error"})
		return err
	}
	metrics.Inc("dkg_msgs_total", map[string]string{"type": m.Type, "result": "ok"})
	c.relay(ctx, out)

	// Acks and re-sent deals still count after finalizing: the former
	// end our re-send loop, the latter are answered with a fresh ack.
	if c.state == StateFinalized || !c.session.IsFinalized() {
		return nil
	}
	km, err := c.session.Finalize()
	if err != nil {
		// Nothing to install; the session cannot progress from here.
		metrics.Inc("dkg_sessions_total", map[string]string{"result": "finalize_error"})
		logger.ErrorJ("dkg_finalize", map[string]any{"result": "error", "err": err.Error()})
		return nil
	}
	c.state = StateFinalized
	if c.cfg.Install != nil {
		c.cfg.Install(km)
	}
	c.cfg.Bus.Publish(ctx, bus.Event{Kind: bus.KindKeys, Size: len(c.session.ids), Body: km.PublicKeySet})
	metrics.Inc("dkg_sessions_total", map[string]string{"result": "ok"})
	logger.InfoJ("dkg finalized", map[string]any{"index": km.Index, "threshold": km.PublicKeySet.Threshold})
	return nil
}

// relay sends each outbound message to its target. Must hold c.mu.
func (c *Coordinator) relay(ctx context.Context, out []Outbound) {
	for _, o := range out {
		addr, ok := c.cfg.Lookup(o.To)
		if !ok {
			metrics.Inc("dkg_relay_total", map[string]string{"result": "unknown_peer"})
			logger.WarnJ("dkg_relay", map[string]any{"to": o.To.Short(), "result": "unknown_peer"})
			continue
		}
		data, err := wire.EncodeDKG(o.Msg)
		if err != nil {
			metrics.Inc("dkg_relay_total", map[string]string{"result": "encode_error"})
			continue
		}
		frame, err := wire.Marshal(wire.NewDkgRelay(c.cfg.Self, data))
		if err != nil {
			metrics.Inc("dkg_relay_total", map[string]string{"result": "encode_error"})
			continue
		}
		if err := c.cfg.Send(ctx, addr, frame); err != nil {
			metrics.Inc("dkg_relay_total", map[string]string{"result": "send_error"})
			logger.WarnJ("dkg_relay", map[string]any{"to": o.To.Short(), "result": "send_error", "err": err.Error()})
			continue
		}
		metrics.Inc("dkg_relay_total", map[string]string{"result": "ok"})
	}
}

// resendLoop re-deals to participants that have not acked, backing off
// exponentially, until all acked or the retry budget is spent.
func (c *Coordinator) resendLoop(ctx context.Context) {
	defer c.wg.Done()
	b := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))
	first := true
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		pending := c.session.Pending()
		if len(pending) == 0 {
			return nil
		}
		if !first {
			metrics.Add("dkg_resend_total", nil, float64(len(pending)))
			logger.DebugJ("dkg_resend", map[string]any{"pending": len(pending)})
			c.relay(ctx, pending)
		}
		first = false
		return retry.RetryableError(errAwaitingAcks)
	})
	if err != nil && ctx.Err() == nil {
		logger.WarnJ("dkg_resend", map[string]any{"result": "gave_up", "err": err.Error()})
	}
}

// Stop ends the re-send loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
