// Package bls381 wraps single-key BLS12-381 signatures (public keys in G1,
// signatures in G2) for DBC owner keys. Threshold signing lives in tss/bls.
package bls381

import (
	"crypto/rand"
	"errors"
	"io"

	blst "github.com/supranational/blst/bindings/go"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrBadRandom    = errors.New("bad randomness")
)

// Sizes of the encoded forms.
const (
	SecretKeySize = blst.BLST_SCALAR_BYTES
	PubKeySize    = blst.BLST_P1_COMPRESS_BYTES
	SignatureSize = blst.BLST_P2_COMPRESS_BYTES
)

type (
	SecretKey []byte // big-endian scalar (32 bytes)
	PubKey    []byte // compressed G1 (48 bytes)
	Signature []byte // compressed G2 (96 bytes)
)

// GenerateKey draws a fresh key pair from r (crypto/rand when nil).
func GenerateKey(r io.Reader) (SecretKey, PubKey, error) {
	if r == nil {
		r = rand.Reader
	}
	var ikm [32]byte
	if _, err := io.ReadFull(r, ikm[:]); err != nil {
		return nil, nil, err
	}
	sk := blst.KeyGen(ikm[:])
	if sk == nil {
		return nil, nil, ErrBadRandom
	}
	pk := new(blst.P1Affine).From(sk).Compress()
	return SecretKey(sk.Serialize()), PubKey(pk), nil
}

func secretKey(sk SecretKey) (*blst.SecretKey, error) {
	if len(sk) != SecretKeySize {
		return nil, ErrInvalidInput
	}
	s := new(blst.SecretKey).Deserialize(sk)
	if s == nil {
		return nil, ErrInvalidInput
	}
	return s, nil
}

// PublicKey derives the public key of sk.
func PublicKey(sk SecretKey) (PubKey, error) {
	s, err := secretKey(sk)
	if err != nil {
		return nil, err
	}
	return PubKey(new(blst.P1Affine).From(s).Compress()), nil
}

// Sign signs msg under dst.
func Sign(sk SecretKey, msg, dst []byte) (Signature, error) {
	s, err := secretKey(sk)
	if err != nil {
		return nil, err
	}
	sig := new(blst.P2Affine).Sign(s, msg, dst)
	return Signature(sig.Compress()), nil
}

// ValidPubKey reports whether pk decodes to a non-identity G1 point in the
// prime order subgroup.
func ValidPubKey(pk PubKey) bool {
	if len(pk) != PubKeySize {
		return false
	}
	aff := new(blst.P1Affine).Uncompress(pk)
	return aff != nil && aff.KeyValidate()
}

// Verify checks a signature against a public key and message under dst.
// Malformed keys or signatures are reported as ErrInvalidInput.
func Verify(pk PubKey, sig Signature, msg, dst []byte) (bool, error) {
	if len(pk) != PubKeySize || len(sig) != SignatureSize {
		return false, ErrInvalidInput
	}
	pkAff := new(blst.P1Affine).Uncompress(pk)
	if pkAff == nil {
		return false, ErrInvalidInput
	}
	sigAff := new(blst.P2Affine).Uncompress(sig)
	if sigAff == nil {
		return false, ErrInvalidInput
	}
	return sigAff.Verify(true, pkAff, true, msg, dst), nil
}
