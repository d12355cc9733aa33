// Package mint signs new DBCs: the one genesis DBC of a mint process and
// the outputs of reissue transactions whose inputs the spentbook has
// recorded as spent.
package mint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zmlAEQ/aequa-quorum/internal/authority"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/dbc"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

var (
	ErrGenesisIssued   = errors.New("genesis already issued")
	ErrMissingProof    = errors.New("missing spent proof for input")
	ErrProofMismatch   = errors.New("spent proof is for another transaction")
	ErrEmptyRequest    = errors.New("empty mint request")
	ErrSpentbookAbsent = errors.New("spentbook keys unavailable")
)

// Request is either a Genesis or a Reissue.
type Request struct {
	Genesis *Genesis `cbor:"1,keyasint,omitempty"`
	Reissue *Reissue `cbor:"2,keyasint,omitempty"`
}

type Genesis struct {
	Content dbc.Content `cbor:"1,keyasint"`
}

type Reissue struct {
	Tx          dbc.Tx           `cbor:"1,keyasint"`
	SpentProofs []dbc.SpentProof `cbor:"2,keyasint"`
}

// Reply holds one signature share per output, in output order.
type Reply struct {
	Shares []bls.SigShare `cbor:"1,keyasint"`
}

func EncodeRequest(r Request) ([]byte, error) { return wire.Encode(r) }

func DecodeReply(b []byte) (Reply, error) {
	var r Reply
	err := wire.Decode(b, &r)
	return r, err
}

// Combine builds DBCs for outputs from the replies of at least threshold
// mint members.
func Combine(pks bls.PublicKeySet, outputs []dbc.Content, replies []Reply) ([]dbc.Dbc, error) {
	out := make([]dbc.Dbc, 0, len(outputs))
	for i, c := range outputs {
		shares := make([]bls.SigShare, 0, len(replies))
		for _, r := range replies {
			if len(r.Shares) != len(outputs) {
				return nil, fmt.Errorf("%w: reply has %d shares for %d outputs", bls.ErrInvalidShare, len(r.Shares), len(outputs))
			}
			shares = append(shares, r.Shares[i])
		}
		sig, err := pks.Combine(shares)
		if err != nil {
			return nil, err
		}
		d := dbc.Dbc{Content: c, MintSig: sig}
		if err := d.Verify(pks); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// KeySource yields the spentbook group key.
type KeySource func(ctx context.Context) (bls.PublicKeySet, error)

// fetchTimeout bounds a background spentbook key fetch.
const fetchTimeout = 30 * time.Second

// Mint keeps no durable state; a restarted mint may issue genesis again.
type Mint struct {
	spentbook KeySource
	fetch     singleflight.Group

	mu          sync.Mutex
	genesisDone bool
	sbKeys      *bls.PublicKeySet
}

var _ authority.Processor = (*Mint)(nil)

func New(spentbook KeySource) *Mint {
	return &Mint{spentbook: spentbook}
}

func (m *Mint) Process(km bls.KeyMaterial, payload []byte) ([]byte, error) {
	var req Request
	if err := wire.Decode(payload, &req); err != nil {
		return nil, err
	}
	var (
		outputs []dbc.Content
		err     error
		op      string
	)
	switch {
	case req.Genesis != nil:
		op = "genesis"
		outputs, err = m.genesis(req.Genesis)
	case req.Reissue != nil:
		op = "reissue"
		outputs, err = m.reissue(km, req.Reissue)
	default:
		return nil, ErrEmptyRequest
	}
	if err != nil {
		metrics.Inc("mint_requests_total", map[string]string{"op": op, "result": "rejected"})
		return nil, err
	}
	var reply Reply
	for _, c := range outputs {
		h := c.Hash()
		s, err := km.SignShare(h[:], core.DSTMint)
		if err != nil {
			return nil, err
		}
		reply.Shares = append(reply.Shares, s)
	}
	metrics.Inc("mint_requests_total", map[string]string{"op": op, "result": "ok"})
	logger.InfoJ("mint", map[string]any{"op": op, "result": "ok", "outputs": len(outputs)})
	return wire.Encode(reply)
}

func (m *Mint) genesis(g *Genesis) ([]dbc.Content, error) {
	if _, err := g.Content.KeyImage(); err != nil {
		return nil, err
	}
	if g.Content.Amount == 0 {
		return nil, dbc.ErrZeroAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genesisDone {
		return nil, ErrGenesisIssued
	}
	m.genesisDone = true
	return []dbc.Content{g.Content}, nil
}

func (m *Mint) reissue(km bls.KeyMaterial, r *Reissue) ([]dbc.Content, error) {
	tx := r.Tx
	if err := tx.CheckShape(); err != nil {
		return nil, err
	}
	for _, in := range tx.Inputs {
		if err := in.Dbc.Verify(km.PublicKeySet); err != nil {
			return nil, err
		}
	}
	if err := tx.VerifyOwners(); err != nil {
		return nil, err
	}
	digest, err := tx.Digest()
	if err != nil {
		return nil, err
	}
	proofs := make(map[dbc.KeyImage]dbc.SpentProof, len(r.SpentProofs))
	for _, p := range r.SpentProofs {
		proofs[p.KeyImage] = p
	}
	used := make([]dbc.SpentProof, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		k, _ := in.Dbc.KeyImage()
		p, ok := proofs[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingProof, k.Short())
		}
		if p.TxDigest != digest {
			return nil, fmt.Errorf("%w: %s", ErrProofMismatch, k.Short())
		}
		used = append(used, p)
	}
	sb, ok := m.cachedKeys()
	if !ok {
		m.fetchAsync()
		return nil, fmt.Errorf("%w: fetch pending, retry", ErrSpentbookAbsent)
	}
	for _, p := range used {
		if err := p.Verify(sb); err != nil {
			return nil, err
		}
	}
	return tx.Outputs, nil
}

func (m *Mint) cachedKeys() (bls.PublicKeySet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sbKeys == nil {
		return bls.PublicKeySet{}, false
	}
	return *m.sbKeys, true
}

// FetchSpentbookKeys resolves the spentbook key set and caches it.
// Concurrent callers share one call to the KeySource. Process never
// waits on the network; a node should call this once it is started.
func (m *Mint) FetchSpentbookKeys(ctx context.Context) (bls.PublicKeySet, error) {
	if pks, ok := m.cachedKeys(); ok {
		return pks, nil
	}
	if m.spentbook == nil {
		return bls.PublicKeySet{}, ErrSpentbookAbsent
	}
	v, err, _ := m.fetch.Do("spentbook", func() (any, error) {
		pks, err := m.spentbook(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sbKeys = &pks
		m.mu.Unlock()
		return pks, nil
	})
	if err != nil {
		metrics.Inc("mint_key_fetch_total", map[string]string{"result": "error"})
		return bls.PublicKeySet{}, fmt.Errorf("%w: %v", ErrSpentbookAbsent, err)
	}
	metrics.Inc("mint_key_fetch_total", map[string]string{"result": "ok"})
	return v.(bls.PublicKeySet), nil
}

func (m *Mint) fetchAsync() {
	if m.spentbook == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if _, err := m.FetchSpentbookKeys(ctx); err != nil {
			logger.WarnJ("mint", map[string]any{"op": "fetch_spentbook_keys", "err": err.Error()})
		}
	}()
}
