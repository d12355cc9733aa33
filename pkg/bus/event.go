package bus

import (
	"context"
)

type Kind string

const (
	// KindPeer is published when a new peer is admitted to the registry.
	KindPeer Kind = "peer"
	// KindQuorum fires once, when the registry first reaches quorum size.
	KindQuorum Kind = "quorum"
	// KindKeys fires once, when DKG key material is installed.
	KindKeys Kind = "keys"
)

type Event struct {
	Kind Kind
	// Size is the registry size at publish time.
	Size    int
	Body    any
	TraceID string
}

type Subscriber <-chan Event

type Bus struct {
	pub chan Event
}

func New(size int) *Bus {
	if size <= 0 {
		size = 128
	}
	return &Bus{pub: make(chan Event, size)}
}

// Publish never blocks; events are dropped on backpressure.
func (b *Bus) Publish(_ context.Context, ev Event) bool {
	if b == nil {
		return false
	}
	select {
	case b.pub <- ev:
		return true
	default:
		return false
	}
}

func (b *Bus) Subscribe() Subscriber { return b.pub }
