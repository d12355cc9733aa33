package spentbook

import (
	"errors"
	"testing"

	"github.com/zmlAEQ/aequa-quorum/internal/ledger/dbc"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core/bls381"
)

type fixture struct {
	mint  []bls.KeyMaterial
	book  []bls.KeyMaterial
	sk    bls381.SecretKey
	input dbc.Dbc
	ki    dbc.KeyImage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mint, err := bls.Deal(nil, 1, 1)
	if err != nil {
		t.Fatalf("deal mint: %v", err)
	}
	book, err := bls.Deal(nil, 3, 2)
	if err != nil {
		t.Fatalf("deal book: %v", err)
	}
	sk, pk, err := bls381.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	c, _ := dbc.NewContent(pk, 50, nil)
	h := c.Hash()
	s, _ := mint[0].SignShare(h[:], core.DSTMint)
	sig, err := mint[0].PublicKeySet.Combine([]bls.SigShare{s})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	ki, _ := c.KeyImage()
	return &fixture{mint: mint, book: book, sk: sk, input: dbc.Dbc{Content: c, MintSig: sig}, ki: ki}
}

// spend builds a signed tx moving the input to a fresh owner.
func (f *fixture) spend(t *testing.T) dbc.Tx {
	t.Helper()
	_, pk, _ := bls381.GenerateKey(nil)
	out, _ := dbc.NewContent(pk, f.input.Amount(), nil)
	tx := dbc.Tx{Inputs: []dbc.Input{{Dbc: f.input}}, Outputs: []dbc.Content{out}}
	if err := tx.Sign(map[dbc.KeyImage]bls381.SecretKey{f.ki: f.sk}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func (f *fixture) request(t *testing.T, tx dbc.Tx) []byte {
	t.Helper()
	b, err := EncodeRequest(LogSpent{KeyImage: f.ki, Tx: tx})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestLogSpent_CombinesIntoProof(t *testing.T) {
	f := newFixture(t)
	tx := f.spend(t)
	req := f.request(t, tx)
	var shares []ProofShare
	for _, km := range f.book {
		b := New()
		res, err := b.Process(km, req)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if err := b.Apply(req); err != nil {
			t.Fatalf("apply: %v", err)
		}
		ps, err := DecodeReply(res)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		shares = append(shares, ps)
	}
	proof, err := Combine(f.book[0].PublicKeySet, shares[1:])
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	d, _ := tx.Digest()
	if proof.KeyImage != f.ki || proof.TxDigest != d {
		t.Fatalf("proof for the wrong spend")
	}
	if err := proof.Verify(f.book[0].PublicKeySet); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLogSpent_DoubleSpend(t *testing.T) {
	f := newFixture(t)
	b := New()
	first := f.request(t, f.spend(t))
	if _, err := b.Process(f.book[0], first); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := b.Apply(first); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := b.Process(f.book[0], first); err != nil {
		t.Fatalf("repeat of a recorded spend must be answered: %v", err)
	}
	if err := b.Apply(first); err != nil {
		t.Fatalf("repeat apply: %v", err)
	}
	second := f.request(t, f.spend(t))
	if _, err := b.Process(f.book[0], second); !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("want ErrDoubleSpend, got %v", err)
	}
	if err := b.Apply(second); !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("apply of a double spend: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("len %d", b.Len())
	}
	if _, ok := b.Spent(f.ki); !ok {
		t.Fatalf("spend not recorded")
	}
}

func TestLogSpent_Rejections(t *testing.T) {
	f := newFixture(t)
	b := New()
	tx := f.spend(t)

	other, _ := EncodeRequest(LogSpent{KeyImage: dbc.KeyImage{1}, Tx: tx})
	if _, err := b.Process(f.book[0], other); !errors.Is(err, ErrNotAnInput) {
		t.Fatalf("want ErrNotAnInput, got %v", err)
	}
	tx.Inputs[0].OwnerSig = nil
	if _, err := b.Process(f.book[0], f.request(t, tx)); !errors.Is(err, dbc.ErrBadOwnerSig) {
		t.Fatalf("want ErrBadOwnerSig, got %v", err)
	}
	if _, err := b.Process(f.book[0], []byte{0x01}); err == nil {
		t.Fatalf("garbage accepted")
	}
	if b.Len() != 0 {
		t.Fatalf("rejected spends recorded")
	}
}
