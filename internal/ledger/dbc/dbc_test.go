package dbc

import (
	"errors"
	"testing"

	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core/bls381"
)

type owner struct {
	sk bls381.SecretKey
	pk bls381.PubKey
}

func newOwner(t *testing.T) owner {
	t.Helper()
	sk, pk, err := bls381.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return owner{sk: sk, pk: pk}
}

// minted signs content with a locally dealt mint group.
func minted(t *testing.T, kms []bls.KeyMaterial, c Content) Dbc {
	t.Helper()
	h := c.Hash()
	var shares []bls.SigShare
	for _, km := range kms {
		s, err := km.SignShare(h[:], core.DSTMint)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		shares = append(shares, s)
	}
	sig, err := kms[0].PublicKeySet.Combine(shares)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	return Dbc{Content: c, MintSig: sig}
}

func TestDbc_MintSignatureAndEncoding(t *testing.T) {
	kms, err := bls.Deal(nil, 3, 2)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	o := newOwner(t)
	c, err := NewContent(o.pk, 100, nil)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	d := minted(t, kms, c)
	if err := d.Verify(kms[0].PublicKeySet); err != nil {
		t.Fatalf("verify: %v", err)
	}
	b, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.Content.Equal(c) || back.Verify(kms[0].PublicKeySet) != nil {
		t.Fatalf("decoded dbc differs")
	}
	back.Content.Amount = 1000
	if err := back.Verify(kms[0].PublicKeySet); !errors.Is(err, ErrBadMintSig) {
		t.Fatalf("inflated dbc verified: %v", err)
	}
	if _, err := NewContent([]byte("short"), 1, nil); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("bad owner accepted: %v", err)
	}
}

func TestTx_SignAndVerifyOwners(t *testing.T) {
	kms, _ := bls.Deal(nil, 1, 1)
	a, b := newOwner(t), newOwner(t)
	ca, _ := NewContent(a.pk, 60, nil)
	cb, _ := NewContent(b.pk, 40, nil)
	out, _ := NewContent(newOwner(t).pk, 100, nil)
	tx := Tx{
		Inputs:  []Input{{Dbc: minted(t, kms, ca)}, {Dbc: minted(t, kms, cb)}},
		Outputs: []Content{out},
	}
	ka, _ := ca.KeyImage()
	kb, _ := cb.KeyImage()
	if err := tx.Sign(map[KeyImage]bls381.SecretKey{ka: a.sk}); err == nil {
		t.Fatalf("signing without every key succeeded")
	}
	if err := tx.Sign(map[KeyImage]bls381.SecretKey{ka: a.sk, kb: b.sk}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.VerifyOwners(); err != nil {
		t.Fatalf("verify owners: %v", err)
	}
	if err := tx.CheckShape(); err != nil {
		t.Fatalf("shape: %v", err)
	}
	if !tx.HasInput(ka) || tx.HasInput(KeyImage{}) {
		t.Fatalf("HasInput wrong")
	}
	tx.Inputs[0].OwnerSig, tx.Inputs[1].OwnerSig = tx.Inputs[1].OwnerSig, tx.Inputs[0].OwnerSig
	if err := tx.VerifyOwners(); !errors.Is(err, ErrBadOwnerSig) {
		t.Fatalf("swapped signatures verified: %v", err)
	}
}

func TestTx_CheckShape(t *testing.T) {
	kms, _ := bls.Deal(nil, 1, 1)
	o := newOwner(t)
	in, _ := NewContent(o.pk, 10, nil)
	d := minted(t, kms, in)
	out7, _ := NewContent(o.pk, 7, nil)
	out3, _ := NewContent(o.pk, 3, nil)
	zero, _ := NewContent(o.pk, 0, nil)

	cases := []struct {
		name string
		tx   Tx
		want error
	}{
		{"empty", Tx{}, ErrEmptyTx},
		{"unbalanced", Tx{Inputs: []Input{{Dbc: d}}, Outputs: []Content{out7}}, ErrUnbalanced},
		{"dup input", Tx{Inputs: []Input{{Dbc: d}, {Dbc: d}}, Outputs: []Content{out7, out3, out7}}, ErrDuplicateInput},
		{"dup output", Tx{Inputs: []Input{{Dbc: d}}, Outputs: []Content{out3, out3, {Owner: o.pk, Amount: 4, Nonce: []byte{1}}}}, ErrDuplicateOutput},
		{"zero", Tx{Inputs: []Input{{Dbc: d}}, Outputs: []Content{out7, out3, zero}}, ErrZeroAmount},
		{"ok", Tx{Inputs: []Input{{Dbc: d}}, Outputs: []Content{out7, out3}}, nil},
	}
	for _, tc := range cases {
		err := tc.tx.CheckShape()
		if (tc.want == nil && err != nil) || (tc.want != nil && !errors.Is(err, tc.want)) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestSpentProof_Verify(t *testing.T) {
	kms, _ := bls.Deal(nil, 3, 2)
	o := newOwner(t)
	c, _ := NewContent(o.pk, 1, nil)
	k, _ := c.KeyImage()
	digest := [32]byte{7}
	msg := SpentMessage(k, digest)
	var shares []bls.SigShare
	for _, km := range kms[:2] {
		s, _ := km.SignShare(msg, core.DSTSpent)
		shares = append(shares, s)
	}
	sig, err := kms[0].PublicKeySet.Combine(shares)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	p := SpentProof{KeyImage: k, TxDigest: digest, Sig: sig}
	if err := p.Verify(kms[0].PublicKeySet); err != nil {
		t.Fatalf("verify: %v", err)
	}
	p.TxDigest = [32]byte{8}
	if err := p.Verify(kms[0].PublicKeySet); !errors.Is(err, ErrBadSpentProof) {
		t.Fatalf("proof for another tx verified")
	}
}
