// Package registry tracks the authority peers a node knows about and gates
// DKG on the quorum size. It only grows: there is no removal.
package registry

import (
	"sync"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// Admission is the outcome of handling one announce.
type Admission struct {
	// Known is true when the id was already registered; nothing else is set.
	Known bool
	// Introductions are the peers registered before the newcomer, each of
	// which the caller must announce to the newcomer.
	Introductions []wire.Member
	// QuorumReached is true for exactly one admission over the registry's life.
	QuorumReached bool
	// Size is the registry size after the admission.
	Size int
}

// Registry maps PeerID to PeerAddress. It includes the local node from
// construction.
type Registry struct {
	mu      sync.RWMutex
	self    wire.PeerID
	quorum  int
	peers   map[wire.PeerID]wire.PeerAddress
	reached bool
}

func New(self wire.PeerID, addr wire.PeerAddress, quorumSize int) *Registry {
	r := &Registry{
		self:   self,
		quorum: quorumSize,
		peers:  map[wire.PeerID]wire.PeerAddress{self: addr},
	}
	metrics.SetGauge("registry_peers", nil, 1)
	return r
}

func (r *Registry) Self() wire.PeerID { return r.self }

func (r *Registry) QuorumSize() int { return r.quorum }

// Admit handles an announce for id at addr.
func (r *Registry) Admit(id wire.PeerID, addr wire.PeerAddress) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		metrics.Inc("registry_admissions_total", map[string]string{"result": "known"})
		return Admission{Known: true, Size: len(r.peers)}
	}
	intro := wire.Membership(r.peers)
	r.peers[id] = addr
	metrics.Inc("registry_admissions_total", map[string]string{"result": "new"})
	metrics.SetGauge("registry_peers", nil, float64(len(r.peers)))
	return Admission{Introductions: intro, QuorumReached: r.checkLocked(), Size: len(r.peers)}
}

// CheckQuorum reports quorum for a registry that is complete without any
// admission, i.e. a quorum of one. It fires at most once, shared with Admit.
func (r *Registry) CheckQuorum() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked()
}

func (r *Registry) checkLocked() bool {
	if r.reached || len(r.peers) != r.quorum {
		return false
	}
	r.reached = true
	metrics.SetGauge("registry_quorum_reached", nil, 1)
	return true
}

// Reached reports whether quorum has fired.
func (r *Registry) Reached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reached
}

func (r *Registry) Lookup(id wire.PeerID) (wire.PeerAddress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.peers[id]
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// IDs returns every registered id in PeerID order.
func (r *Registry) IDs() []wire.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]wire.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return wire.SortIDs(ids)
}

// Snapshot copies the registry. Later admissions do not show up in it.
func (r *Registry) Snapshot() []wire.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return wire.Membership(r.peers)
}
