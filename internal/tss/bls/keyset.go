// Package bls implements threshold BLS over BLS12-381: public keys and
// Feldman commitments in G1, signatures and signature shares in G2.
package bls

import (
	"bytes"
	"fmt"
	"sort"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
)

// PublicKeySet is the public half of a group key: commitments to the group
// polynomial. Threshold shares are required to form a signature.
type PublicKeySet struct {
	Threshold   int
	Commitments [][]byte
}

func (p PublicKeySet) Validate() error {
	if p.Threshold < 1 || len(p.Commitments) != p.Threshold {
		return fmt.Errorf("%w: threshold %d with %d commitments", ErrInvalidParams, p.Threshold, len(p.Commitments))
	}
	for _, c := range p.Commitments {
		if _, err := decodeG1(c); err != nil {
			return err
		}
	}
	return nil
}

// PublicKey is the group public key, the commitment to coefficient 0.
func (p PublicKeySet) PublicKey() []byte {
	if len(p.Commitments) == 0 {
		return nil
	}
	return p.Commitments[0]
}

// PublicKeyShare returns the public key of share index i.
func (p PublicKeySet) PublicKeyShare(i int) ([]byte, error) {
	pt, err := evalCommitments(p.Commitments, i)
	if err != nil {
		return nil, err
	}
	return pt.ToAffine().Compress(), nil
}

func (p PublicKeySet) Equal(o PublicKeySet) bool {
	if p.Threshold != o.Threshold || len(p.Commitments) != len(o.Commitments) {
		return false
	}
	for i := range p.Commitments {
		if !bytes.Equal(p.Commitments[i], o.Commitments[i]) {
			return false
		}
	}
	return true
}

// ToWire converts to the envelope form carried in a DiscoverReply.
func (p PublicKeySet) ToWire() *wire.KeySet {
	cs := make([][]byte, len(p.Commitments))
	for i, c := range p.Commitments {
		cs[i] = append([]byte(nil), c...)
	}
	return &wire.KeySet{Threshold: p.Threshold, Commitments: cs}
}

// FromWire validates and converts a received key set.
func FromWire(ks *wire.KeySet) (PublicKeySet, error) {
	if ks == nil {
		return PublicKeySet{}, ErrInvalidParams
	}
	p := PublicKeySet{Threshold: ks.Threshold, Commitments: ks.Commitments}
	if err := p.Validate(); err != nil {
		return PublicKeySet{}, err
	}
	return p, nil
}

// SigShare is one participant's signature share. Index is 1-based.
type SigShare struct {
	Index int    `cbor:"1,keyasint"`
	Sig   []byte `cbor:"2,keyasint"`
}

// KeyMaterial is what a finished DKG leaves on one node.
type KeyMaterial struct {
	Index        int
	Share        []byte
	PublicKeySet PublicKeySet
}

// SignShare signs msg with this node's share.
func (k KeyMaterial) SignShare(msg []byte, dst string) (SigShare, error) {
	sk, err := decodeScalar(k.Share)
	if err != nil {
		return SigShare{}, err
	}
	sig := new(blst.P2Affine).Sign(sk, msg, []byte(dst))
	return SigShare{Index: k.Index, Sig: sig.Compress()}, nil
}

// VerifyShare checks a share against the public key of its index.
func (p PublicKeySet) VerifyShare(s SigShare, msg []byte, dst string) bool {
	pkb, err := p.PublicKeyShare(s.Index)
	if err != nil {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pkb)
	sig := new(blst.P2Affine).Uncompress(s.Sig)
	if pk == nil || sig == nil {
		return false
	}
	return sig.Verify(true, pk, false, msg, []byte(dst))
}

// Combine interpolates a group signature from at least Threshold shares.
// The smallest Threshold indices are used so every combiner holding the same
// shares produces the same bytes.
func (p PublicKeySet) Combine(shares []SigShare) ([]byte, error) {
	k := p.Threshold
	if k <= 0 || len(shares) < k {
		return nil, fmt.Errorf("%w: have %d shares, need %d", ErrInvalidShare, len(shares), k)
	}
	sorted := append([]SigShare(nil), shares...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	sorted = sorted[:k]

	indices := make([]int, 0, k)
	seen := map[int]struct{}{}
	for _, s := range sorted {
		if s.Index <= 0 || len(s.Sig) == 0 {
			return nil, ErrInvalidShare
		}
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrInvalidShare, s.Index)
		}
		seen[s.Index] = struct{}{}
		indices = append(indices, s.Index)
	}

	acc := new(blst.P2)
	for _, s := range sorted {
		coeff, err := lagrangeAtZero(s.Index, indices)
		if err != nil {
			return nil, err
		}
		aff := new(blst.P2Affine).Uncompress(s.Sig)
		if aff == nil {
			return nil, ErrInvalidPoint
		}
		var pt blst.P2
		pt.FromAffine(aff)
		pt.MultAssign(coeff)
		acc.AddAssign(&pt)
	}
	return acc.ToAffine().Compress(), nil
}

// Verify checks a combined signature against the group public key.
func (p PublicKeySet) Verify(sig, msg []byte, dst string) bool {
	pk := new(blst.P1Affine).Uncompress(p.PublicKey())
	s := new(blst.P2Affine).Uncompress(sig)
	if pk == nil || s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, []byte(dst))
}
