// Package wallet holds owner keys and DBCs and drives the spend flow against
// a spentbook group and a mint group.
package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zmlAEQ/aequa-quorum/internal/client"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/dbc"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/mint"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/spentbook"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core/bls381"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
)

var (
	ErrNotJoined    = errors.New("not joined, run join first")
	ErrInsufficient = errors.New("insufficient balance")
	ErrZeroAmount   = errors.New("amount must be positive")
	ErrNotOwned     = errors.New("dbc owner key is not in this wallet")
	ErrDuplicateDbc = errors.New("dbc already in wallet")
	ErrNoSuchDbc    = errors.New("no such dbc")
)

// Key is one owner key pair. Every DBC gets its own key, since the owner
// key is the key image.
type Key struct {
	Secret []byte `json:"secret"`
	Public []byte `json:"public"`
}

// State is what a wallet persists.
type State struct {
	Spentbook string    `json:"spentbook,omitempty"`
	Mint      string    `json:"mint,omitempty"`
	Keys      []Key     `json:"keys"`
	Dbcs      []dbc.Dbc `json:"dbcs"`
}

type Wallet struct {
	tr     client.Requester
	policy client.Policy
	store  *Store

	mu        sync.Mutex
	state     State
	spentbook *client.Client
	mint      *client.Client
}

// New opens a wallet. A nil store keeps the wallet in memory only.
func New(tr client.Requester, policy client.Policy, store *Store) (*Wallet, error) {
	w := &Wallet{tr: tr, policy: policy, store: store}
	if store != nil {
		st, err := store.Load()
		switch {
		case err == nil:
			w.state = st
		case errors.Is(err, ErrNotFound):
		default:
			return nil, err
		}
	}
	return w, nil
}

func (w *Wallet) saveLocked() error {
	if w.store == nil {
		return nil
	}
	return w.store.Save(w.state)
}

// Save writes the wallet file.
func (w *Wallet) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveLocked()
}

// Join discovers both authority groups. Both must have finished key
// generation.
func (w *Wallet) Join(ctx context.Context, spentbookAddr, mintAddr wire.PeerAddress) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	sb := client.New(w.tr, w.policy)
	v, err := sb.Discover(ctx, spentbookAddr)
	if err != nil {
		return fmt.Errorf("spentbook: %w", err)
	}
	if v.Keys == nil {
		return fmt.Errorf("spentbook: %w", client.ErrNoKeys)
	}
	mc := client.New(w.tr, w.policy)
	v, err = mc.Discover(ctx, mintAddr)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	if v.Keys == nil {
		return fmt.Errorf("mint: %w", client.ErrNoKeys)
	}
	w.spentbook, w.mint = sb, mc
	w.state.Spentbook, w.state.Mint = string(spentbookAddr), string(mintAddr)
	logger.InfoJ("wallet_join", map[string]any{"spentbook": string(spentbookAddr), "mint": string(mintAddr)})
	return w.saveLocked()
}

// Groups returns the addresses last joined, if any.
func (w *Wallet) Groups() (spentbookAddr, mintAddr wire.PeerAddress) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wire.PeerAddress(w.state.Spentbook), wire.PeerAddress(w.state.Mint)
}

// Views returns the spentbook and mint views from the last Join.
func (w *Wallet) Views() (sb, mt client.View, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.views()
}

func (w *Wallet) views() (sb, mt client.View, err error) {
	if w.spentbook == nil || w.mint == nil {
		return sb, mt, ErrNotJoined
	}
	sb, _ = w.spentbook.View()
	mt, _ = w.mint.View()
	return sb, mt, nil
}

// generateKey makes a key without storing it. Callers that need it for an
// output add it to the wallet once the mint has signed.
func generateKey() (Key, error) {
	sk, pk, err := bls381.GenerateKey(nil)
	if err != nil {
		return Key{}, err
	}
	return Key{Secret: sk, Public: pk}, nil
}

func (w *Wallet) newKeyLocked() (bls381.PubKey, error) {
	k, err := generateKey()
	if err != nil {
		return nil, err
	}
	w.state.Keys = append(w.state.Keys, k)
	return k.Public, nil
}

// NewKey adds an owner key, for receiving a DBC from another wallet.
func (w *Wallet) NewKey() (bls381.PubKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pk, err := w.newKeyLocked()
	if err != nil {
		return nil, err
	}
	return pk, w.saveLocked()
}

func (w *Wallet) Keys() []bls381.PubKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]bls381.PubKey, 0, len(w.state.Keys))
	for _, k := range w.state.Keys {
		out = append(out, append(bls381.PubKey(nil), k.Public...))
	}
	return out
}

func (w *Wallet) secretFor(owner []byte) (bls381.SecretKey, bool) {
	for _, k := range w.state.Keys {
		if bytes.Equal(k.Public, owner) {
			return k.Secret, true
		}
	}
	return nil, false
}

func (w *Wallet) Unspent() []dbc.Dbc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]dbc.Dbc(nil), w.state.Dbcs...)
}

func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sum uint64
	for _, d := range w.state.Dbcs {
		sum += d.Amount()
	}
	return sum
}

// Genesis asks the mint for its genesis DBC, owned by a new key.
func (w *Wallet) Genesis(ctx context.Context, amount uint64) (dbc.Dbc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount == 0 {
		return dbc.Dbc{}, ErrZeroAmount
	}
	_, mv, err := w.views()
	if err != nil {
		return dbc.Dbc{}, err
	}
	k, err := generateKey()
	if err != nil {
		return dbc.Dbc{}, err
	}
	c, err := dbc.NewContent(k.Public, amount, nil)
	if err != nil {
		return dbc.Dbc{}, err
	}
	out, err := w.issue(ctx, mv, mint.Request{Genesis: &mint.Genesis{Content: c}}, []dbc.Content{c})
	if err != nil {
		return dbc.Dbc{}, err
	}
	w.state.Keys = append(w.state.Keys, k)
	w.state.Dbcs = append(w.state.Dbcs, out[0])
	logger.InfoJ("wallet_genesis", map[string]any{"amount": amount})
	return out[0], w.saveLocked()
}

// Reissue pays amount to owner, or to a new key of this wallet when owner is
// nil, and returns change to a new key. It returns the output DBCs, payment
// first.
func (w *Wallet) Reissue(ctx context.Context, amount uint64, owner bls381.PubKey) ([]dbc.Dbc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	sv, mv, err := w.views()
	if err != nil {
		return nil, err
	}

	var (
		inputs []dbc.Input
		sum    uint64
	)
	keys := map[dbc.KeyImage]bls381.SecretKey{}
	for _, d := range w.state.Dbcs {
		if sum >= amount {
			break
		}
		ki, err := d.KeyImage()
		if err != nil {
			return nil, err
		}
		sk, ok := w.secretFor(d.Content.Owner)
		if !ok {
			return nil, ErrNotOwned
		}
		keys[ki] = sk
		inputs = append(inputs, dbc.Input{Dbc: d})
		sum += d.Amount()
	}
	if sum < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficient, sum, amount)
	}
	var fresh []Key
	if owner == nil {
		k, err := generateKey()
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, k)
		owner = k.Public
	}
	pay, err := dbc.NewContent(owner, amount, nil)
	if err != nil {
		return nil, err
	}
	outputs := []dbc.Content{pay}
	if change := sum - amount; change > 0 {
		k, err := generateKey()
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, k)
		c, err := dbc.NewContent(k.Public, change, nil)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, c)
	}
	tx := dbc.Tx{Inputs: inputs, Outputs: outputs}
	if err := tx.Sign(keys); err != nil {
		return nil, err
	}

	proofs := make([]dbc.SpentProof, 0, len(inputs))
	for ki := range keys {
		p, err := w.logSpent(ctx, sv, ki, tx)
		if err != nil {
			return nil, fmt.Errorf("spentbook: %w", err)
		}
		proofs = append(proofs, p)
	}
	out, err := w.issue(ctx, mv, mint.Request{Reissue: &mint.Reissue{Tx: tx, SpentProofs: proofs}}, outputs)
	if err != nil {
		return nil, err
	}

	spent := map[dbc.KeyImage]struct{}{}
	for ki := range keys {
		spent[ki] = struct{}{}
	}
	kept := w.state.Dbcs[:0]
	for _, d := range w.state.Dbcs {
		if ki, _ := d.KeyImage(); !isSpent(spent, ki) {
			kept = append(kept, d)
		}
	}
	w.state.Dbcs = kept
	w.state.Keys = append(w.state.Keys, fresh...)
	for _, d := range out {
		if _, ok := w.secretFor(d.Content.Owner); ok {
			w.state.Dbcs = append(w.state.Dbcs, d)
		}
	}
	logger.InfoJ("wallet_reissue", map[string]any{"amount": amount, "inputs": len(inputs), "outputs": len(out)})
	return out, w.saveLocked()
}

func isSpent(spent map[dbc.KeyImage]struct{}, ki dbc.KeyImage) bool {
	_, ok := spent[ki]
	return ok
}

func (w *Wallet) logSpent(ctx context.Context, sv client.View, ki dbc.KeyImage, tx dbc.Tx) (dbc.SpentProof, error) {
	payload, err := spentbook.EncodeRequest(spentbook.LogSpent{KeyImage: ki, Tx: tx})
	if err != nil {
		return dbc.SpentProof{}, err
	}
	replies, err := w.spentbook.Broadcast(ctx, payload)
	if err != nil {
		return dbc.SpentProof{}, err
	}
	shares := make([]spentbook.ProofShare, 0, len(replies))
	for _, r := range replies {
		ps, err := spentbook.DecodeReply(r.Result)
		if err != nil {
			return dbc.SpentProof{}, &client.MemberError{Member: r.Member, Err: err}
		}
		shares = append(shares, ps)
	}
	return spentbook.Combine(*sv.Keys, shares)
}

func (w *Wallet) issue(ctx context.Context, mv client.View, req mint.Request, outputs []dbc.Content) ([]dbc.Dbc, error) {
	payload, err := mint.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	replies, err := w.mint.Broadcast(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}
	decoded := make([]mint.Reply, 0, len(replies))
	for _, r := range replies {
		mr, err := mint.DecodeReply(r.Result)
		if err != nil {
			return nil, &client.MemberError{Member: r.Member, Err: err}
		}
		decoded = append(decoded, mr)
	}
	return mint.Combine(*mv.Keys, outputs, decoded)
}

// Deposit adds a DBC received from another wallet. Its owner key must be in
// this wallet and its mint signature must verify.
func (w *Wallet) Deposit(encoded string) (dbc.Dbc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, mv, err := w.views()
	if err != nil {
		return dbc.Dbc{}, err
	}
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return dbc.Dbc{}, err
	}
	d, err := dbc.Decode(b)
	if err != nil {
		return dbc.Dbc{}, err
	}
	if err := d.Verify(*mv.Keys); err != nil {
		return dbc.Dbc{}, err
	}
	if _, ok := w.secretFor(d.Content.Owner); !ok {
		return dbc.Dbc{}, ErrNotOwned
	}
	for _, have := range w.state.Dbcs {
		if bytes.Equal(have.Content.Owner, d.Content.Owner) {
			return dbc.Dbc{}, ErrDuplicateDbc
		}
	}
	w.state.Dbcs = append(w.state.Dbcs, d)
	return d, w.saveLocked()
}

// Export hex-encodes the i-th unspent DBC (0-based).
func (w *Wallet) Export(i int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= len(w.state.Dbcs) {
		return "", ErrNoSuchDbc
	}
	return EncodeDbc(w.state.Dbcs[i])
}

func EncodeDbc(d dbc.Dbc) (string, error) {
	b, err := dbc.Encode(d)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MintKeys returns the mint group key after Join.
func (w *Wallet) MintKeys() (bls.PublicKeySet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, mv, err := w.views()
	if err != nil {
		return bls.PublicKeySet{}, err
	}
	return *mv.Keys, nil
}
