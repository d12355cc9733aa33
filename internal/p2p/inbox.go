package p2p

import (
	"context"
	"sync"
)

// inbox is an unbounded FIFO of peer frames drained by one goroutine.
// push never blocks, so a handler may enqueue frames for its own node.
type inbox struct {
	mu      sync.Mutex
	q       [][]byte
	wake    chan struct{}
	handler PeerHandler
	done    chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) setHandler(fn PeerHandler) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
}

func (b *inbox) push(frame []byte) {
	b.mu.Lock()
	b.q = append(b.q, frame)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q)
}

// start runs the dispatcher until ctx is done.
func (b *inbox) start(ctx context.Context) {
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		for {
			for {
				b.mu.Lock()
				if len(b.q) == 0 {
					b.mu.Unlock()
					break
				}
				frame := b.q[0]
				b.q[0] = nil
				b.q = b.q[1:]
				fn := b.handler
				b.mu.Unlock()
				if fn != nil {
					fn(ctx, frame)
				}
				if ctx.Err() != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
			}
		}
	}()
}

// wait blocks until the dispatcher started by start has exited.
func (b *inbox) wait() {
	if b.done != nil {
		<-b.done
	}
}
