package wire

import "fmt"

// DKG message types carried inside DkgRelay.Data.
const (
	DKGDeal = "deal"
	DKGAck  = "ack"
)

// DKGMessage is the wire form of one Feldman DKG message.
//   - deal: Dealer sends its commitments and the receiver's share, point to
//     point. Shares travel in plaintext; transport security is external.
//   - ack: From confirms a valid deal from Dealer.
type DKGMessage struct {
	Type        string   `cbor:"1,keyasint"`
	Dealer      PeerID   `cbor:"2,keyasint"`
	From        PeerID   `cbor:"3,keyasint,omitempty"`
	Commitments [][]byte `cbor:"4,keyasint,omitempty"` // compressed G1 points (48B each)
	Share       []byte   `cbor:"5,keyasint,omitempty"` // scalar (32B)
}

func (m DKGMessage) Validate() error {
	switch m.Type {
	case DKGDeal:
		if m.Dealer.IsZero() || len(m.Commitments) == 0 || len(m.Share) == 0 {
			return fmt.Errorf("%w: incomplete deal", ErrMalformed)
		}
	case DKGAck:
		if m.Dealer.IsZero() || m.From.IsZero() {
			return fmt.Errorf("%w: incomplete ack", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: dkg type %q", ErrMalformed, m.Type)
	}
	return nil
}

func EncodeDKG(m DKGMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return Encode(m)
}

func DecodeDKG(b []byte) (DKGMessage, error) {
	var m DKGMessage
	if err := Decode(b, &m); err != nil {
		return DKGMessage{}, err
	}
	if err := m.Validate(); err != nil {
		return DKGMessage{}, err
	}
	return m, nil
}
