// Package tss owns the threshold key lifecycle of a node: the DKG
// coordinator under dkg, the threshold primitives under bls.
package tss

import (
	"context"
	"time"

	"github.com/zmlAEQ/aequa-quorum/internal/tss/dkg"
	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// Service ties a DKG coordinator to the node lifecycle. The DKG itself
// starts on quorum, not on Start; Stop ends any re-send loop.
type Service struct{ coord *dkg.Coordinator }

func New(coord *dkg.Coordinator) *Service { return &Service{coord: coord} }

func (s *Service) Name() string { return "tss" }

func (s *Service) Start(ctx context.Context) error {
	state := "none"
	if s.coord != nil {
		state = s.coord.State().String()
	}
	logger.InfoJ("service_op", map[string]any{"service": "tss", "op": "start", "result": "ok", "dkg_state": state})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	begin := time.Now()
	if s.coord != nil {
		s.coord.Stop()
	}
	dur := time.Since(begin).Milliseconds()
	logger.InfoJ("service_op", map[string]any{"service": "tss", "op": "stop", "result": "ok", "latency_ms": dur})
	metrics.ObserveSummary("service_op_ms", map[string]string{"service": "tss", "op": "stop"}, float64(dur))
	return nil
}

var _ lifecycle.Service = (*Service)(nil)
