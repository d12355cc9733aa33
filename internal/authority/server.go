// Package authority serves client requests on an authority node: discovery
// of the quorum and its public key set, and partial responses computed with
// the node's key share.
package authority

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// Processor computes a partial result for one request payload. Durable state
// changes belong in Applier.Apply, which runs once the request is journaled.
type Processor interface {
	Process(km bls.KeyMaterial, payload []byte) ([]byte, error)
}

// Applier is a Processor whose accepted requests change state. Accepted
// payloads are journaled before Apply and replayed through Apply on start.
type Applier interface {
	Processor
	Apply(payload []byte) error
}

// Membership yields the registry snapshot returned by Discover.
type Membership interface {
	Snapshot() []wire.Member
}

var (
	ErrNoJournal       = errors.New("stateful processor requires a journal")
	ErrNotRequest      = errors.New("envelope is not a client request")
	ErrMissingKeysCell = errors.New("missing key cell")
)

type Config struct {
	Keys      *KeyCell
	Members   Membership
	Processor Processor
	// Log is required when Processor is an Applier.
	Log Log
	// CacheSize bounds the reply cache; 0 picks a default, negative disables it.
	CacheSize int
	// ApplyRate limits Apply requests per second; 0 disables the limit.
	ApplyRate  float64
	ApplyBurst int
}

// Server answers Discover and Apply. Requests are serialized.
type Server struct {
	cfg     Config
	applier Applier

	mu      sync.Mutex
	cache   *lru.Cache[[32]byte, []byte]
	limiter *rate.Limiter
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Keys == nil {
		return nil, ErrMissingKeysCell
	}
	if cfg.Processor == nil {
		return nil, errors.New("missing processor")
	}
	s := &Server{cfg: cfg}
	if a, ok := cfg.Processor.(Applier); ok {
		if cfg.Log == nil {
			return nil, ErrNoJournal
		}
		s.applier = a
	}
	size := cfg.CacheSize
	if size == 0 {
		size = 1024
	}
	if size > 0 {
		c, err := lru.New[[32]byte, []byte](size)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	if cfg.ApplyRate > 0 {
		burst := cfg.ApplyBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ApplyRate), burst)
	}
	return s, nil
}

// Replay re-applies the journal. Call once before serving.
func (s *Server) Replay() error {
	if s.applier == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, err := s.cfg.Log.Replay(func(_ uint64, payload []byte) error { return s.applier.Apply(payload) })
	if err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}
	return nil
}

// HandleRequest decodes one request frame and encodes the reply. It is the
// transport's request handler.
func (s *Server) HandleRequest(ctx context.Context, frame []byte) ([]byte, error) {
	env, err := wire.Unmarshal(frame)
	if err != nil {
		metrics.Inc("authority_requests_total", map[string]string{"op": "decode", "result": "error"})
		return nil, err
	}
	if env.Request == nil || env.Request.Request == nil {
		metrics.Inc("authority_requests_total", map[string]string{"op": "decode", "result": "unexpected"})
		return nil, ErrNotRequest
	}
	req := env.Request.Request
	var reply wire.Envelope
	if req.Discover != nil {
		reply = s.Discover()
	} else {
		reply = s.Apply(ctx, req.Apply.Payload)
	}
	return wire.Marshal(reply)
}

// Discover reports the public key set, once installed, and the registry.
func (s *Server) Discover() wire.Envelope {
	var ks *wire.KeySet
	if km, ok := s.cfg.Keys.Get(); ok {
		ks = km.PublicKeySet.ToWire()
	}
	var members []wire.Member
	if s.cfg.Members != nil {
		members = s.cfg.Members.Snapshot()
	}
	metrics.Inc("authority_requests_total", map[string]string{"op": "discover", "result": "ok"})
	return wire.NewDiscoverReply(ks, members)
}

// Apply computes this node's partial result for payload.
func (s *Server) Apply(_ context.Context, payload []byte) wire.Envelope {
	traceID := uuid.NewString()
	begin := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := func(result string, env wire.Envelope) wire.Envelope {
		dur := time.Since(begin).Milliseconds()
		metrics.Inc("authority_requests_total", map[string]string{"op": "apply", "result": result})
		metrics.ObserveSummary("authority_apply_ms", map[string]string{"result": result}, float64(dur))
		logger.InfoJ("authority_apply", map[string]any{"trace_id": traceID, "result": result, "bytes": len(payload), "latency_ms": dur})
		return env
	}

	km, ok := s.cfg.Keys.Get()
	if !ok {
		return reply("not_ready", wire.NewApplyError(wire.NotReady()))
	}
	key := sha256.Sum256(payload)
	if s.cache != nil {
		if r, ok := s.cache.Get(key); ok {
			return reply("cached", wire.NewApplyResult(r))
		}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return reply("rate_limited", wire.NewApplyError(wire.Rejected("rate limited")))
	}
	result, err := s.cfg.Processor.Process(km, payload)
	if err != nil {
		logger.DebugJ("authority_apply", map[string]any{"trace_id": traceID, "result": "rejected", "err": err.Error()})
		return reply("rejected", wire.NewApplyError(wire.Rejected(err.Error())))
	}
	if s.applier != nil {
		if err := s.cfg.Log.Append(payload); err != nil {
			logger.ErrorJ("authority_apply", map[string]any{"trace_id": traceID, "result": "journal_error", "err": err.Error()})
			return reply("journal_error", wire.NewApplyError(wire.Internal("journal append failed")))
		}
		if err := s.applier.Apply(payload); err != nil {
			logger.ErrorJ("authority_apply", map[string]any{"trace_id": traceID, "result": "apply_error", "err": err.Error()})
			return reply("apply_error", wire.NewApplyError(wire.Internal(err.Error())))
		}
	}
	if s.cache != nil {
		s.cache.Add(key, result)
	}
	return reply("ok", wire.NewApplyResult(result))
}
