package dkg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
)

var (
	ErrInvalidParams      = errors.New("invalid dkg params")
	ErrNotParticipant     = errors.New("not a dkg participant")
	ErrInvalidMsg         = errors.New("invalid dkg message")
	ErrConflictingDeal    = errors.New("conflicting deal")
	ErrNotFinalized       = errors.New("dkg not finalized")
	ErrUnexpectedSender   = errors.New("unexpected dkg sender")
	ErrCommitmentMismatch = errors.New("commitment count mismatch")
)

// Outbound is one DKG message addressed to one participant.
type Outbound struct {
	To  wire.PeerID
	Msg wire.DKGMessage
}

type deal struct {
	commitments [][]byte
	share       []byte
}

func (d deal) equal(o deal) bool {
	if !bytes.Equal(d.share, o.share) || len(d.commitments) != len(o.commitments) {
		return false
	}
	for i := range d.commitments {
		if !bytes.Equal(d.commitments[i], o.commitments[i]) {
			return false
		}
	}
	return true
}

// Session is one node's view of a Feldman DKG among a fixed participant set.
// Every participant deals a random polynomial of degree threshold-1 and sends
// each participant (itself included) its evaluation together with the
// commitments. The session is complete once a verified deal from every
// participant is held. Session is not safe for concurrent use.
type Session struct {
	self      wire.PeerID
	threshold int
	ids       []wire.PeerID
	index     map[wire.PeerID]int

	poly        *bls.Polynomial
	commitments [][]byte

	deals map[wire.PeerID]deal     // dealer -> deal received by self
	acked map[wire.PeerID]struct{} // participants that acked self's deal
}

// Initialize creates the session for self and returns the deals to send.
// ids need not be sorted; share indices follow PeerID order starting at 1.
func Initialize(self wire.PeerID, threshold int, ids []wire.PeerID, r io.Reader) (*Session, []Outbound, error) {
	if threshold < 1 || threshold > len(ids) {
		return nil, nil, fmt.Errorf("%w: threshold %d of %d", ErrInvalidParams, threshold, len(ids))
	}
	sorted := wire.SortIDs(append([]wire.PeerID(nil), ids...))
	index := make(map[wire.PeerID]int, len(sorted))
	for i, id := range sorted {
		if _, dup := index[id]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate participant %s", ErrInvalidParams, id.Short())
		}
		index[id] = i + 1
	}
	if _, ok := index[self]; !ok {
		return nil, nil, ErrNotParticipant
	}
	poly, err := bls.RandomPolynomial(r, threshold-1)
	if err != nil {
		return nil, nil, err
	}
	s := &Session{
		self:        self,
		threshold:   threshold,
		ids:         sorted,
		index:       index,
		poly:        poly,
		commitments: poly.Commitments(),
		deals:       make(map[wire.PeerID]deal, len(sorted)),
		acked:       make(map[wire.PeerID]struct{}, len(sorted)),
	}
	out, err := s.dealTo(sorted)
	if err != nil {
		return nil, nil, err
	}
	return s, out, nil
}

func (s *Session) dealTo(ids []wire.PeerID) ([]Outbound, error) {
	out := make([]Outbound, 0, len(ids))
	for _, id := range ids {
		share, err := s.poly.Eval(s.index[id])
		if err != nil {
			return nil, err
		}
		out = append(out, Outbound{To: id, Msg: wire.DKGMessage{
			Type:        wire.DKGDeal,
			Dealer:      s.self,
			Commitments: s.commitments,
			Share:       share,
		}})
	}
	return out, nil
}

func (s *Session) Self() wire.PeerID { return s.self }

func (s *Session) Threshold() int { return s.threshold }

// Participants returns the participant ids in share-index order.
func (s *Session) Participants() []wire.PeerID { return append([]wire.PeerID(nil), s.ids...) }

// Handle processes one message relayed from participant from.
func (s *Session) Handle(from wire.PeerID, m wire.DKGMessage) ([]Outbound, error) {
	if _, ok := s.index[from]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, from.Short())
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMsg, err)
	}
	switch m.Type {
	case wire.DKGDeal:
		return s.handleDeal(from, m)
	case wire.DKGAck:
		return nil, s.handleAck(from, m)
	}
	return nil, ErrInvalidMsg
}

func (s *Session) handleDeal(from wire.PeerID, m wire.DKGMessage) ([]Outbound, error) {
	if m.Dealer != from {
		return nil, fmt.Errorf("%w: deal from %s relayed by %s", ErrUnexpectedSender, m.Dealer.Short(), from.Short())
	}
	if len(m.Commitments) != s.threshold {
		return nil, fmt.Errorf("%w: got %d want %d", ErrCommitmentMismatch, len(m.Commitments), s.threshold)
	}
	d := deal{commitments: m.Commitments, share: m.Share}
	if prev, ok := s.deals[from]; ok {
		if !prev.equal(d) {
			return nil, fmt.Errorf("%w: dealer %s", ErrConflictingDeal, from.Short())
		}
		// Re-sent deal: our ack was probably lost.
		return []Outbound{s.ack(from)}, nil
	}
	if err := bls.VerifyDealtShare(m.Share, s.index[s.self], m.Commitments); err != nil {
		return nil, fmt.Errorf("%w: dealer %s: %v", ErrInvalidMsg, from.Short(), err)
	}
	s.deals[from] = d
	return []Outbound{s.ack(from)}, nil
}

func (s *Session) ack(dealer wire.PeerID) Outbound {
	return Outbound{To: dealer, Msg: wire.DKGMessage{Type: wire.DKGAck, Dealer: dealer, From: s.self}}
}

func (s *Session) handleAck(from wire.PeerID, m wire.DKGMessage) error {
	if m.From != from {
		return fmt.Errorf("%w: ack from %s relayed by %s", ErrUnexpectedSender, m.From.Short(), from.Short())
	}
	if m.Dealer != s.self {
		return fmt.Errorf("%w: ack for dealer %s", ErrUnexpectedSender, m.Dealer.Short())
	}
	s.acked[from] = struct{}{}
	return nil
}

// Pending re-creates the deals for participants that have not acked yet.
func (s *Session) Pending() []Outbound {
	var missing []wire.PeerID
	for _, id := range s.ids {
		if _, ok := s.acked[id]; !ok {
			missing = append(missing, id)
		}
	}
	out, err := s.dealTo(missing)
	if err != nil {
		return nil
	}
	return out
}

// Received reports how many dealers' deals are held.
func (s *Session) Received() int { return len(s.deals) }

func (s *Session) IsFinalized() bool { return len(s.deals) == len(s.ids) }

// Finalize derives this node's key material. It fails until IsFinalized.
func (s *Session) Finalize() (bls.KeyMaterial, error) {
	if !s.IsFinalized() {
		return bls.KeyMaterial{}, ErrNotFinalized
	}
	shares := make([][]byte, 0, len(s.ids))
	sets := make([][][]byte, 0, len(s.ids))
	for _, id := range s.ids {
		d := s.deals[id]
		shares = append(shares, d.share)
		sets = append(sets, d.commitments)
	}
	share, err := bls.SumShares(shares)
	if err != nil {
		return bls.KeyMaterial{}, err
	}
	commitments, err := bls.SumCommitments(sets)
	if err != nil {
		return bls.KeyMaterial{}, err
	}
	return bls.KeyMaterial{
		Index:        s.index[s.self],
		Share:        share,
		PublicKeySet: bls.PublicKeySet{Threshold: s.threshold, Commitments: commitments},
	}, nil
}
