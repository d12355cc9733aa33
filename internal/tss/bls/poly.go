package bls

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	blst "github.com/supranational/blst/bindings/go"
)

var (
	ErrInvalidParams = errors.New("invalid params")
	ErrInvalidPoint  = errors.New("invalid point")
	ErrInvalidShare  = errors.New("invalid share")
)

// Polynomial is a secret polynomial over the scalar field. Coefficient 0 is
// the dealer's contribution to the group secret.
type Polynomial struct {
	coeffs []*blst.Scalar
}

// RandomPolynomial draws degree+1 coefficients from r (crypto/rand when nil).
func RandomPolynomial(r io.Reader, degree int) (*Polynomial, error) {
	if degree < 0 {
		return nil, ErrInvalidParams
	}
	if r == nil {
		r = rand.Reader
	}
	coeffs := make([]*blst.Scalar, 0, degree+1)
	for j := 0; j <= degree; j++ {
		s, err := randScalar(r)
		if err != nil {
			return nil, err
		}
		coeffs = append(coeffs, s)
	}
	return &Polynomial{coeffs: coeffs}, nil
}

func (p *Polynomial) Degree() int { return len(p.coeffs) - 1 }

// Eval returns p(x) as a 32 byte big-endian scalar. x is a 1-based share
// index; evaluating at 0 would leak the secret.
func (p *Polynomial) Eval(x int) ([]byte, error) {
	s, err := evalPolyAt(p.coeffs, x)
	if err != nil {
		return nil, err
	}
	return s.Serialize(), nil
}

// Commitments returns the Feldman commitments C_j = g1^{a_j}, compressed.
func (p *Polynomial) Commitments() [][]byte {
	out := make([][]byte, 0, len(p.coeffs))
	for _, c := range p.coeffs {
		out = append(out, blst.P1Generator().Mult(c).ToAffine().Compress())
	}
	return out
}

func randScalar(r io.Reader) (*blst.Scalar, error) {
	var ikm [32]byte
	if _, err := io.ReadFull(r, ikm[:]); err != nil {
		return nil, err
	}
	sk := blst.KeyGen(ikm[:])
	if sk == nil {
		return nil, errors.New("bad randomness")
	}
	return sk, nil
}

func scalarFromInt(v int) *blst.Scalar {
	var buf [blst.BLST_SCALAR_BYTES]byte
	binary.BigEndian.PutUint64(buf[len(buf)-8:], uint64(v))
	var s blst.Scalar
	_ = s.FromBEndian(buf[:])
	return &s
}

func decodeScalar(b []byte) (*blst.Scalar, error) {
	if len(b) != blst.BLST_SCALAR_BYTES {
		return nil, ErrInvalidShare
	}
	s := new(blst.Scalar).Deserialize(b)
	if s == nil {
		return nil, ErrInvalidShare
	}
	return s, nil
}

func decodeG1(b []byte) (*blst.P1, error) {
	aff := new(blst.P1Affine).Uncompress(b)
	if aff == nil || !aff.InG1() {
		return nil, ErrInvalidPoint
	}
	var p blst.P1
	p.FromAffine(aff)
	return &p, nil
}

func evalPolyAt(coeffs []*blst.Scalar, x int) (*blst.Scalar, error) {
	if len(coeffs) == 0 || x <= 0 {
		return nil, ErrInvalidParams
	}
	xs := scalarFromInt(x)
	acc := scalarFromInt(0)
	pow := scalarFromInt(1)
	for _, c := range coeffs {
		term, ok := c.Mul(pow)
		if !ok {
			return nil, ErrInvalidShare
		}
		if _, ok := acc.AddAssign(term); !ok {
			return nil, ErrInvalidShare
		}
		nxt, ok := pow.Mul(xs)
		if !ok {
			return nil, ErrInvalidShare
		}
		pow = nxt
	}
	return acc, nil
}

// evalCommitments computes Σ C_j * x^j, the public image of p(x).
func evalCommitments(commitments [][]byte, x int) (*blst.P1, error) {
	if len(commitments) == 0 || x <= 0 {
		return nil, ErrInvalidParams
	}
	xs := scalarFromInt(x)
	pow := scalarFromInt(1)
	acc := new(blst.P1)
	for _, cb := range commitments {
		p, err := decodeG1(cb)
		if err != nil {
			return nil, err
		}
		p.MultAssign(pow)
		acc.AddAssign(p)
		nxt, ok := pow.Mul(xs)
		if !ok {
			return nil, ErrInvalidShare
		}
		pow = nxt
	}
	return acc, nil
}

// VerifyDealtShare checks g1^share == Σ C_j * x^j for a share dealt to index x.
func VerifyDealtShare(share []byte, x int, commitments [][]byte) error {
	s, err := decodeScalar(share)
	if err != nil {
		return err
	}
	rhs, err := evalCommitments(commitments, x)
	if err != nil {
		return err
	}
	lhs := blst.P1Generator().Mult(s)
	if !lhs.Equals(rhs) {
		return ErrInvalidShare
	}
	return nil
}

// SumShares adds scalars; it turns the shares a participant received from
// every dealer into its share of the group secret.
func SumShares(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInvalidParams
	}
	acc := scalarFromInt(0)
	for _, b := range shares {
		s, err := decodeScalar(b)
		if err != nil {
			return nil, err
		}
		if _, ok := acc.AddAssign(s); !ok {
			return nil, ErrInvalidShare
		}
	}
	return acc.Serialize(), nil
}

// SumCommitments adds commitment vectors coefficient-wise. All vectors must
// have the same length.
func SumCommitments(sets [][][]byte) ([][]byte, error) {
	if len(sets) == 0 || len(sets[0]) == 0 {
		return nil, ErrInvalidParams
	}
	width := len(sets[0])
	acc := make([]*blst.P1, width)
	for j := range acc {
		acc[j] = new(blst.P1)
	}
	for _, set := range sets {
		if len(set) != width {
			return nil, ErrInvalidParams
		}
		for j, cb := range set {
			p, err := decodeG1(cb)
			if err != nil {
				return nil, err
			}
			acc[j].AddAssign(p)
		}
	}
	out := make([][]byte, width)
	for j, p := range acc {
		out[j] = p.ToAffine().Compress()
	}
	return out, nil
}

// lagrangeAtZero computes λ_i(0) for the index set.
func lagrangeAtZero(i int, indices []int) (*blst.Scalar, error) {
	if i <= 0 || len(indices) == 0 {
		return nil, ErrInvalidParams
	}
	xi := scalarFromInt(i)
	num := scalarFromInt(1)
	den := scalarFromInt(1)
	zero := scalarFromInt(0)
	for _, j := range indices {
		if j == i {
			continue
		}
		if j <= 0 {
			return nil, ErrInvalidParams
		}
		xj := scalarFromInt(j)
		neg, ok := zero.Sub(xj)
		if !ok {
			return nil, ErrInvalidShare
		}
		if num, ok = num.Mul(neg); !ok {
			return nil, ErrInvalidShare
		}
		diff, ok := xi.Sub(xj)
		if !ok {
			return nil, ErrInvalidShare
		}
		if den, ok = den.Mul(diff); !ok {
			return nil, ErrInvalidShare
		}
	}
	out, ok := num.Mul(den.Inverse())
	if !ok {
		return nil, ErrInvalidShare
	}
	return out, nil
}
