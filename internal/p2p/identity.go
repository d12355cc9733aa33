package p2p

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
)

// LoadOrCreateIdentity reads a marshalled libp2p private key from path, or
// generates an Ed25519 key and writes it atomically when path does not exist.
// A stable identity keeps a node's address valid across restarts.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		sk, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", path, err)
		}
		return sk, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	logger.InfoJ("p2p_identity", map[string]any{"op": "create", "result": "ok", "path": path})
	return sk, nil
}
