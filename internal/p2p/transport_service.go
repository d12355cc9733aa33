package p2p

import (
	"context"
	"time"

	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
)

// NetService is a thin lifecycle wrapper for a Transport.
type NetService struct{ t Transport }

func NewNetService(t Transport) *NetService { return &NetService{t: t} }
func (s *NetService) Name() string          { return "p2p-transport" }

func (s *NetService) Start(ctx context.Context) error {
	begin := time.Now()
	if err := s.t.Start(ctx); err != nil {
		return err
	}
	logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "ok", "addr": string(s.t.Addr()), "latency_ms": time.Since(begin).Milliseconds()})
	return nil
}

func (s *NetService) Stop(ctx context.Context) error { return s.t.Stop(ctx) }

var _ lifecycle.Service = (*NetService)(nil)
