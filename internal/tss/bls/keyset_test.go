package bls

import (
	"bytes"
	"errors"
	"testing"
)

const testDST = "AEQUA/QUORUM/v1/MINT"

// dealAll runs every dealer locally and returns each participant's key material.
func dealAll(t *testing.T, n, threshold int) []KeyMaterial {
	t.Helper()
	var commitSets [][][]byte
	received := make([][][]byte, n)
	for d := 0; d < n; d++ {
		poly, err := RandomPolynomial(nil, threshold-1)
		if err != nil {
			t.Fatalf("poly: %v", err)
		}
		cs := poly.Commitments()
		commitSets = append(commitSets, cs)
		for i := 1; i <= n; i++ {
			s, err := poly.Eval(i)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if err := VerifyDealtShare(s, i, cs); err != nil {
				t.Fatalf("dealt share %d from %d: %v", i, d, err)
			}
			received[i-1] = append(received[i-1], s)
		}
	}
	sum, err := SumCommitments(commitSets)
	if err != nil {
		t.Fatalf("sum commitments: %v", err)
	}
	pks := PublicKeySet{Threshold: threshold, Commitments: sum}
	out := make([]KeyMaterial, n)
	for i := range out {
		share, err := SumShares(received[i])
		if err != nil {
			t.Fatalf("sum shares: %v", err)
		}
		out[i] = KeyMaterial{Index: i + 1, Share: share, PublicKeySet: pks}
	}
	return out
}

func TestThreshold_SignCombineVerify(t *testing.T) {
	kms := dealAll(t, 4, 3)
	pks := kms[0].PublicKeySet
	if err := pks.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	msg := []byte("dbc content")
	var shares []SigShare
	for _, km := range kms {
		s, err := km.SignShare(msg, testDST)
		if err != nil {
			t.Fatalf("sign share: %v", err)
		}
		if !pks.VerifyShare(s, msg, testDST) {
			t.Fatalf("share %d does not verify", s.Index)
		}
		shares = append(shares, s)
	}
	sigA, err := pks.Combine(shares[:3])
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if !pks.Verify(sigA, msg, testDST) {
		t.Fatalf("combined signature does not verify")
	}
	// Any threshold subset interpolates the same unique signature.
	sigB, err := pks.Combine([]SigShare{shares[3], shares[1], shares[0]})
	if err != nil {
		t.Fatalf("combine subset: %v", err)
	}
	if !bytes.Equal(sigA, sigB) {
		t.Fatalf("signatures differ across subsets")
	}
	if pks.Verify(sigA, []byte("other"), testDST) {
		t.Fatalf("verified a different message")
	}
}

func TestCombine_Insufficient(t *testing.T) {
	kms := dealAll(t, 3, 2)
	s, _ := kms[0].SignShare([]byte("m"), testDST)
	if _, err := kms[0].PublicKeySet.Combine([]SigShare{s}); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("want ErrInvalidShare, got %v", err)
	}
	if _, err := kms[0].PublicKeySet.Combine([]SigShare{s, s}); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("duplicate index must fail, got %v", err)
	}
}

func TestVerifyShare_WrongIndex(t *testing.T) {
	kms := dealAll(t, 3, 2)
	s, _ := kms[0].SignShare([]byte("m"), testDST)
	s.Index = 2
	if kms[0].PublicKeySet.VerifyShare(s, []byte("m"), testDST) {
		t.Fatalf("share verified under the wrong index")
	}
}

func TestVerifyDealtShare_Tampered(t *testing.T) {
	poly, _ := RandomPolynomial(nil, 1)
	cs := poly.Commitments()
	s1, _ := poly.Eval(1)
	if err := VerifyDealtShare(s1, 2, cs); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("want ErrInvalidShare for wrong index, got %v", err)
	}
	if err := VerifyDealtShare([]byte{1}, 1, cs); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("want ErrInvalidShare for short share, got %v", err)
	}
	if err := VerifyDealtShare(s1, 1, [][]byte{{1, 2}}); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("want ErrInvalidPoint, got %v", err)
	}
}

func TestSingleMember(t *testing.T) {
	kms := dealAll(t, 1, 1)
	s, err := kms[0].SignShare([]byte("solo"), testDST)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig, err := kms[0].PublicKeySet.Combine([]SigShare{s})
	if err != nil || !kms[0].PublicKeySet.Verify(sig, []byte("solo"), testDST) {
		t.Fatalf("single member combine err=%v", err)
	}
}

func TestWireRoundtrip(t *testing.T) {
	kms := dealAll(t, 3, 2)
	pks := kms[0].PublicKeySet
	got, err := FromWire(pks.ToWire())
	if err != nil || !got.Equal(pks) {
		t.Fatalf("roundtrip err=%v", err)
	}
	bad := pks.ToWire()
	bad.Threshold = 3
	if _, err := FromWire(bad); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("want ErrInvalidParams, got %v", err)
	}
	if _, err := FromWire(nil); err == nil {
		t.Fatalf("nil key set accepted")
	}
}

func TestDeal_ProducesUsableShares(t *testing.T) {
	kms, err := Deal(nil, 3, 2)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	msg := []byte("deal")
	var shares []SigShare
	for _, km := range kms[1:] {
		s, err := km.SignShare(msg, testDST)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		shares = append(shares, s)
	}
	sig, err := kms[0].PublicKeySet.Combine(shares)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if !kms[2].PublicKeySet.Verify(sig, msg, testDST) {
		t.Fatalf("combined signature does not verify")
	}
	if _, err := Deal(nil, 2, 3); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("threshold above n: %v", err)
	}
}
