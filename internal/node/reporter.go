package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/pkg/bus"
	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
)

// Reporter prints a one-line status for each node event on the bus.
type Reporter struct {
	sub    bus.Subscriber
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	lines []string
}

var _ lifecycle.Service = (*Reporter)(nil)

func NewReporter(b *bus.Bus) *Reporter { return &Reporter{sub: b.Subscribe()} }

func (r *Reporter) Name() string { return "reporter" }

func (r *Reporter) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.sub:
				r.report(ev)
			}
		}
	}()
	return nil
}

func (r *Reporter) Stop(context.Context) error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}

func (r *Reporter) report(ev bus.Event) {
	var line string
	switch ev.Kind {
	case bus.KindPeer:
		if m, ok := ev.Body.(wire.Member); ok {
			line = fmt.Sprintf("peer %s joined at %s (%d known)", m.ID.Short(), m.Addr, ev.Size)
		}
	case bus.KindQuorum:
		line = fmt.Sprintf("quorum formed with %d members, starting key generation", ev.Size)
	case bus.KindKeys:
		line = fmt.Sprintf("key generation finalized among %d members", ev.Size)
	}
	if line == "" {
		return
	}
	logger.Info(line)
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

// Lines returns every status line printed so far.
func (r *Reporter) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
