package wire

import (
	"fmt"
)

// Envelope is the single unit written to a transport frame. Exactly one of
// Peer or Request is set.
type Envelope struct {
	Peer    *PeerMsg    `cbor:"1,keyasint,omitempty"`
	Request *RequestMsg `cbor:"2,keyasint,omitempty"`
}

// PeerMsg travels between authority nodes. Exactly one variant is set.
type PeerMsg struct {
	Announce *Announce `cbor:"1,keyasint,omitempty"`
	DkgRelay *DkgRelay `cbor:"2,keyasint,omitempty"`
}

type Announce struct {
	ID   PeerID      `cbor:"1,keyasint"`
	Addr PeerAddress `cbor:"2,keyasint"`
}

// DkgRelay carries an encoded DKG protocol message (see DKGMessage).
type DkgRelay struct {
	From PeerID `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// RequestMsg travels between a client and one authority node.
type RequestMsg struct {
	Request *ClientRequest `cbor:"1,keyasint,omitempty"`
	Reply   *ClientReply   `cbor:"2,keyasint,omitempty"`
}

type ClientRequest struct {
	Discover *Discover `cbor:"1,keyasint,omitempty"`
	Apply    *Apply    `cbor:"2,keyasint,omitempty"`
}

type Discover struct{}

type Apply struct {
	Payload []byte `cbor:"1,keyasint"`
}

type ClientReply struct {
	Discover *DiscoverReply `cbor:"1,keyasint,omitempty"`
	Apply    *ApplyReply    `cbor:"2,keyasint,omitempty"`
}

// DiscoverReply carries the verification material once keys exist and the
// registry snapshot in every case.
type DiscoverReply struct {
	KeySet  *KeySet  `cbor:"1,keyasint,omitempty"`
	Members []Member `cbor:"2,keyasint"`
}

// KeySet is the public half of the group key: Feldman commitments to the
// group polynomial (compressed G1) and the number of shares required.
type KeySet struct {
	Threshold   int      `cbor:"1,keyasint"`
	Commitments [][]byte `cbor:"2,keyasint"`
}

// ApplyReply carries either Result or Err. A nil Err means success.
type ApplyReply struct {
	Result []byte      `cbor:"1,keyasint,omitempty"`
	Err    *ReplyError `cbor:"2,keyasint,omitempty"`
}

// Constructors.

func NewAnnounce(id PeerID, addr PeerAddress) Envelope {
	return Envelope{Peer: &PeerMsg{Announce: &Announce{ID: id, Addr: addr}}}
}

func NewDkgRelay(from PeerID, data []byte) Envelope {
	return Envelope{Peer: &PeerMsg{DkgRelay: &DkgRelay{From: from, Data: data}}}
}

func NewDiscover() Envelope {
	return Envelope{Request: &RequestMsg{Request: &ClientRequest{Discover: &Discover{}}}}
}

func NewApply(payload []byte) Envelope {
	return Envelope{Request: &RequestMsg{Request: &ClientRequest{Apply: &Apply{Payload: payload}}}}
}

func NewDiscoverReply(ks *KeySet, members []Member) Envelope {
	if members == nil {
		members = []Member{}
	}
	return Envelope{Request: &RequestMsg{Reply: &ClientReply{Discover: &DiscoverReply{KeySet: ks, Members: members}}}}
}

func NewApplyResult(result []byte) Envelope {
	if result == nil {
		result = []byte{}
	}
	return Envelope{Request: &RequestMsg{Reply: &ClientReply{Apply: &ApplyReply{Result: result}}}}
}

func NewApplyError(e *ReplyError) Envelope {
	return Envelope{Request: &RequestMsg{Reply: &ClientReply{Apply: &ApplyReply{Err: e}}}}
}

// Marshal validates and encodes an envelope.
func Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return Encode(env)
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := Decode(b, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func one(set ...bool) bool {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	return n == 1
}

// Validate enforces the union shape.
func (e Envelope) Validate() error {
	if !one(e.Peer != nil, e.Request != nil) {
		return fmt.Errorf("%w: envelope needs exactly one protocol", ErrMalformed)
	}
	if e.Peer != nil {
		return e.Peer.validate()
	}
	return e.Request.validate()
}

func (p *PeerMsg) validate() error {
	if !one(p.Announce != nil, p.DkgRelay != nil) {
		return fmt.Errorf("%w: peer message needs exactly one variant", ErrMalformed)
	}
	if a := p.Announce; a != nil {
		if a.ID.IsZero() || a.Addr == "" {
			return fmt.Errorf("%w: announce without id or address", ErrMalformed)
		}
	}
	if d := p.DkgRelay; d != nil {
		if d.From.IsZero() || len(d.Data) == 0 {
			return fmt.Errorf("%w: empty dkg relay", ErrMalformed)
		}
	}
	return nil
}

func (r *RequestMsg) validate() error {
	if !one(r.Request != nil, r.Reply != nil) {
		return fmt.Errorf("%w: request message needs exactly one variant", ErrMalformed)
	}
	if q := r.Request; q != nil {
		if !one(q.Discover != nil, q.Apply != nil) {
			return fmt.Errorf("%w: request needs exactly one kind", ErrMalformed)
		}
		return nil
	}
	rp := r.Reply
	if !one(rp.Discover != nil, rp.Apply != nil) {
		return fmt.Errorf("%w: reply needs exactly one kind", ErrMalformed)
	}
	if a := rp.Apply; a != nil && a.Err != nil && len(a.Result) > 0 {
		return fmt.Errorf("%w: apply reply with both result and error", ErrMalformed)
	}
	return nil
}
