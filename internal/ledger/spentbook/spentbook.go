// Package spentbook records which key images have been spent and by which
// transaction. Each spentbook authority answers a spend with its share of
// the group's spent proof.
package spentbook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zmlAEQ/aequa-quorum/internal/authority"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/dbc"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

var (
	ErrDoubleSpend = errors.New("key image already spent by another transaction")
	ErrNotAnInput  = errors.New("key image is not an input of the transaction")
)

// LogSpent asks the spentbook to record KeyImage as spent by Tx.
type LogSpent struct {
	KeyImage dbc.KeyImage `cbor:"1,keyasint"`
	Tx       dbc.Tx       `cbor:"2,keyasint"`
}

// ProofShare is one authority's reply to a LogSpent.
type ProofShare struct {
	KeyImage dbc.KeyImage `cbor:"1,keyasint"`
	TxDigest [32]byte     `cbor:"2,keyasint"`
	Share    bls.SigShare `cbor:"3,keyasint"`
}

func EncodeRequest(r LogSpent) ([]byte, error) { return wire.Encode(r) }

func DecodeReply(b []byte) (ProofShare, error) {
	var p ProofShare
	err := wire.Decode(b, &p)
	return p, err
}

// Combine turns at least threshold proof shares for one spend into a spent
// proof. Shares for a different spend are rejected.
func Combine(pks bls.PublicKeySet, shares []ProofShare) (dbc.SpentProof, error) {
	if len(shares) == 0 {
		return dbc.SpentProof{}, bls.ErrInvalidShare
	}
	first := shares[0]
	sigs := make([]bls.SigShare, 0, len(shares))
	for _, s := range shares {
		if s.KeyImage != first.KeyImage || s.TxDigest != first.TxDigest {
			return dbc.SpentProof{}, fmt.Errorf("%w: shares disagree on the spend", bls.ErrInvalidShare)
		}
		sigs = append(sigs, s.Share)
	}
	sig, err := pks.Combine(sigs)
	if err != nil {
		return dbc.SpentProof{}, err
	}
	p := dbc.SpentProof{KeyImage: first.KeyImage, TxDigest: first.TxDigest, Sig: sig}
	if err := p.Verify(pks); err != nil {
		return dbc.SpentProof{}, err
	}
	return p, nil
}

// Book is the spentbook state: key image to spending transaction digest.
type Book struct {
	mu    sync.RWMutex
	spent map[dbc.KeyImage][32]byte
}

var _ authority.Applier = (*Book)(nil)

func New() *Book {
	return &Book{spent: map[dbc.KeyImage][32]byte{}}
}

func (b *Book) check(payload []byte) (LogSpent, [32]byte, error) {
	var req LogSpent
	if err := wire.Decode(payload, &req); err != nil {
		return req, [32]byte{}, err
	}
	if !req.Tx.HasInput(req.KeyImage) {
		return req, [32]byte{}, ErrNotAnInput
	}
	if err := req.Tx.VerifyOwners(); err != nil {
		return req, [32]byte{}, err
	}
	d, err := req.Tx.Digest()
	if err != nil {
		return req, [32]byte{}, err
	}
	b.mu.RLock()
	prev, ok := b.spent[req.KeyImage]
	b.mu.RUnlock()
	if ok && prev != d {
		return req, [32]byte{}, ErrDoubleSpend
	}
	return req, d, nil
}

// Process validates a LogSpent and signs its spent message. A repeat of a
// recorded spend is answered again.
func (b *Book) Process(km bls.KeyMaterial, payload []byte) ([]byte, error) {
	req, d, err := b.check(payload)
	if err != nil {
		metrics.Inc("spentbook_requests_total", map[string]string{"result": "rejected"})
		return nil, err
	}
	share, err := km.SignShare(dbc.SpentMessage(req.KeyImage, d), core.DSTSpent)
	if err != nil {
		return nil, err
	}
	metrics.Inc("spentbook_requests_total", map[string]string{"result": "ok"})
	return wire.Encode(ProofShare{KeyImage: req.KeyImage, TxDigest: d, Share: share})
}

// Apply records the spend. It is also the journal replay path.
func (b *Book) Apply(payload []byte) error {
	req, d, err := b.check(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.spent[req.KeyImage]; ok && prev != d {
		return ErrDoubleSpend
	}
	b.spent[req.KeyImage] = d
	metrics.SetGauge("spentbook_spent", nil, float64(len(b.spent)))
	logger.DebugJ("spentbook", map[string]any{"op": "apply", "key_image": req.KeyImage.Short(), "result": "ok"})
	return nil
}

// Spent returns the digest of the transaction that spent k.
func (b *Book) Spent(k dbc.KeyImage) ([32]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.spent[k]
	return d, ok
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.spent)
}
