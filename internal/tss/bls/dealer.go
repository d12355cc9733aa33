package bls

import "io"

// Deal produces key material for n participants the way a completed DKG
// would, with every dealer run locally. It is meant for tests and local
// single-process setups.
func Deal(r io.Reader, n, threshold int) ([]KeyMaterial, error) {
	if n < 1 || threshold < 1 || threshold > n {
		return nil, ErrInvalidParams
	}
	commitSets := make([][][]byte, 0, n)
	received := make([][][]byte, n)
	for d := 0; d < n; d++ {
		poly, err := RandomPolynomial(r, threshold-1)
		if err != nil {
			return nil, err
		}
		commitSets = append(commitSets, poly.Commitments())
		for i := 1; i <= n; i++ {
			s, err := poly.Eval(i)
			if err != nil {
				return nil, err
			}
			received[i-1] = append(received[i-1], s)
		}
	}
	sum, err := SumCommitments(commitSets)
	if err != nil {
		return nil, err
	}
	pks := PublicKeySet{Threshold: threshold, Commitments: sum}
	out := make([]KeyMaterial, n)
	for i := range out {
		share, err := SumShares(received[i])
		if err != nil {
			return nil, err
		}
		out[i] = KeyMaterial{Index: i + 1, Share: share, PublicKeySet: pks}
	}
	return out, nil
}
