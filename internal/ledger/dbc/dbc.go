// Package dbc defines digital bearer certificates: amounts owned by a BLS
// public key and signed by the mint group, and the transactions that spend
// them.
package dbc

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core/bls381"
)

const NonceSize = 16

var (
	ErrInvalidOwner    = errors.New("invalid owner key")
	ErrBadMintSig      = errors.New("mint signature invalid")
	ErrBadOwnerSig     = errors.New("owner signature invalid")
	ErrBadSpentProof   = errors.New("spent proof invalid")
	ErrEmptyTx         = errors.New("transaction has no inputs or outputs")
	ErrDuplicateInput  = errors.New("duplicate input")
	ErrDuplicateOutput = errors.New("duplicate output")
	ErrUnbalanced      = errors.New("inputs and outputs do not balance")
	ErrZeroAmount      = errors.New("zero amount output")
)

// KeyImage identifies a DBC for double-spend tracking. It is the owner key.
type KeyImage [bls381.PubKeySize]byte

func (k KeyImage) String() string { return hex.EncodeToString(k[:]) }

func (k KeyImage) Short() string { return hex.EncodeToString(k[:4]) }

// Content is the signed part of a DBC.
type Content struct {
	Owner  []byte `cbor:"1,keyasint"`
	Amount uint64 `cbor:"2,keyasint"`
	Nonce  []byte `cbor:"3,keyasint"`
}

// NewContent creates content for owner with a fresh nonce from r
// (crypto/rand when nil).
func NewContent(owner bls381.PubKey, amount uint64, r io.Reader) (Content, error) {
	if !bls381.ValidPubKey(owner) {
		return Content{}, ErrInvalidOwner
	}
	if r == nil {
		r = rand.Reader
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return Content{}, err
	}
	return Content{Owner: append([]byte(nil), owner...), Amount: amount, Nonce: nonce}, nil
}

// Hash is the message the mint signs.
func (c Content) Hash() [32]byte {
	b, err := wire.Encode(c)
	if err != nil {
		// Content holds only byte strings and an integer.
		panic(err)
	}
	return sha256.Sum256(b)
}

func (c Content) KeyImage() (KeyImage, error) {
	var k KeyImage
	if len(c.Owner) != len(k) {
		return k, ErrInvalidOwner
	}
	copy(k[:], c.Owner)
	return k, nil
}

func (c Content) Equal(o Content) bool {
	return c.Amount == o.Amount && bytes.Equal(c.Owner, o.Owner) && bytes.Equal(c.Nonce, o.Nonce)
}

// Dbc is content together with the mint group's combined signature.
type Dbc struct {
	Content Content `cbor:"1,keyasint"`
	MintSig []byte  `cbor:"2,keyasint"`
}

func (d Dbc) KeyImage() (KeyImage, error) { return d.Content.KeyImage() }

func (d Dbc) Amount() uint64 { return d.Content.Amount }

// Verify checks the mint signature under the mint group key.
func (d Dbc) Verify(mint bls.PublicKeySet) error {
	h := d.Content.Hash()
	if !mint.Verify(d.MintSig, h[:], core.DSTMint) {
		return ErrBadMintSig
	}
	return nil
}

func Encode(d Dbc) ([]byte, error) { return wire.Encode(d) }

func Decode(b []byte) (Dbc, error) {
	var d Dbc
	if err := wire.Decode(b, &d); err != nil {
		return Dbc{}, err
	}
	return d, nil
}

// Input spends one DBC. OwnerSig is the owner's signature over the
// transaction digest.
type Input struct {
	Dbc      Dbc    `cbor:"1,keyasint"`
	OwnerSig []byte `cbor:"2,keyasint"`
}

// Tx spends Inputs into new Outputs.
type Tx struct {
	Inputs  []Input   `cbor:"1,keyasint"`
	Outputs []Content `cbor:"2,keyasint"`
}

type txBody struct {
	KeyImages []KeyImage `cbor:"1,keyasint"`
	Outputs   []Content  `cbor:"2,keyasint"`
}

// Digest commits to the spent key images and the outputs. Owner signatures
// are not part of it.
func (tx Tx) Digest() ([32]byte, error) {
	body := txBody{Outputs: tx.Outputs}
	for _, in := range tx.Inputs {
		k, err := in.Dbc.KeyImage()
		if err != nil {
			return [32]byte{}, err
		}
		body.KeyImages = append(body.KeyImages, k)
	}
	b, err := wire.Encode(body)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HasInput reports whether k is spent by tx.
func (tx Tx) HasInput(k KeyImage) bool {
	for _, in := range tx.Inputs {
		if ki, err := in.Dbc.KeyImage(); err == nil && ki == k {
			return true
		}
	}
	return false
}

// Sign fills every input's owner signature with the matching secret key.
func (tx *Tx) Sign(keys map[KeyImage]bls381.SecretKey) error {
	d, err := tx.Digest()
	if err != nil {
		return err
	}
	for i := range tx.Inputs {
		k, err := tx.Inputs[i].Dbc.KeyImage()
		if err != nil {
			return err
		}
		sk, ok := keys[k]
		if !ok {
			return fmt.Errorf("no secret key for input %s", k.Short())
		}
		sig, err := bls381.Sign(sk, d[:], []byte(core.DSTOwner))
		if err != nil {
			return err
		}
		tx.Inputs[i].OwnerSig = sig
	}
	return nil
}

// VerifyOwners checks every input's owner signature over the digest.
func (tx Tx) VerifyOwners() error {
	d, err := tx.Digest()
	if err != nil {
		return err
	}
	for _, in := range tx.Inputs {
		ok, err := bls381.Verify(in.Dbc.Content.Owner, in.OwnerSig, d[:], []byte(core.DSTOwner))
		if err != nil || !ok {
			return ErrBadOwnerSig
		}
	}
	return nil
}

// CheckShape rejects empty transactions, repeated inputs or outputs, zero
// outputs and unbalanced amounts.
func (tx Tx) CheckShape() error {
	if len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		return ErrEmptyTx
	}
	seen := map[KeyImage]struct{}{}
	var in, out uint64
	for _, i := range tx.Inputs {
		k, err := i.Dbc.KeyImage()
		if err != nil {
			return err
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateInput, k.Short())
		}
		seen[k] = struct{}{}
		if in+i.Dbc.Amount() < in {
			return ErrUnbalanced
		}
		in += i.Dbc.Amount()
	}
	hashes := map[[32]byte]struct{}{}
	for _, o := range tx.Outputs {
		if !bls381.ValidPubKey(o.Owner) {
			return ErrInvalidOwner
		}
		if o.Amount == 0 {
			return ErrZeroAmount
		}
		h := o.Hash()
		if _, dup := hashes[h]; dup {
			return ErrDuplicateOutput
		}
		hashes[h] = struct{}{}
		if out+o.Amount < out {
			return ErrUnbalanced
		}
		out += o.Amount
	}
	if in != out {
		return fmt.Errorf("%w: in %d out %d", ErrUnbalanced, in, out)
	}
	return nil
}

// SpentProof is the spentbook group's signature that KeyImage was spent by
// the transaction with digest TxDigest.
type SpentProof struct {
	KeyImage KeyImage `cbor:"1,keyasint"`
	TxDigest [32]byte `cbor:"2,keyasint"`
	Sig      []byte   `cbor:"3,keyasint"`
}

// SpentMessage is what the spentbook signs for a spend.
func SpentMessage(k KeyImage, txDigest [32]byte) []byte {
	h := sha256.New()
	h.Write([]byte("spent"))
	h.Write(k[:])
	h.Write(txDigest[:])
	return h.Sum(nil)
}

func (p SpentProof) Verify(spentbook bls.PublicKeySet) error {
	if !spentbook.Verify(p.Sig, SpentMessage(p.KeyImage, p.TxDigest), core.DSTSpent) {
		return ErrBadSpentProof
	}
	return nil
}
