package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sort"
)

// PeerID identifies one authority process. It is drawn at random on start
// and never changes for the lifetime of the process.
type PeerID [32]byte

// PeerAddress is a dialable endpoint. For the libp2p transport it is a
// multiaddr string ending in /p2p/<id>.
type PeerAddress string

var ErrBadPeerID = errors.New("bad peer id")

// NewPeerID draws a PeerID from r (crypto/rand when nil).
func NewPeerID(r io.Reader) (PeerID, error) {
	if r == nil {
		r = rand.Reader
	}
	var id PeerID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return PeerID{}, err
	}
	return id, nil
}

func (id PeerID) IsZero() bool { return id == PeerID{} }

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

// Short is the first eight hex characters, for logs.
func (id PeerID) Short() string { return hex.EncodeToString(id[:4]) }

func (id PeerID) Less(o PeerID) bool { return bytes.Compare(id[:], o[:]) < 0 }

func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(PeerID{}) {
		return PeerID{}, ErrBadPeerID
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// Member is one entry of a registry snapshot.
type Member struct {
	ID   PeerID      `cbor:"1,keyasint"`
	Addr PeerAddress `cbor:"2,keyasint"`
}

// Membership converts a registry map into a snapshot ordered by PeerID.
func Membership(m map[PeerID]PeerAddress) []Member {
	out := make([]Member, 0, len(m))
	for id, a := range m {
		out = append(out, Member{ID: id, Addr: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// SortIDs orders ids in place and returns them.
func SortIDs(ids []PeerID) []PeerID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}
