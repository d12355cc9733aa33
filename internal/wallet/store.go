package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/argon2"

	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

var (
	ErrNotFound     = errors.New("wallet file not found")
	ErrBadFile      = errors.New("corrupt wallet file")
	ErrNeedPassword = errors.New("wallet file is encrypted")
	ErrBadPassword  = errors.New("wrong wallet passphrase")
)

const (
	magicWallet uint32 = 0x41514c57 // 'AQLW'
	version     uint16 = 1
	flagEncrypt uint16 = 1 << 0

	headerSize = 4 + 2 + 2 + 4 + 4
	saltSize   = 16
	nonceSize  = 12
)

// Argon2id parameters for the passphrase key.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

// Store persists wallet state to one file, written atomically with the
// previous version kept as <path>.bak. With a passphrase the payload is
// sealed with AES-256-GCM under an argon2id key.
//
// On disk: [magic u32][version u16][flags u16][length u32][crc32 u32][body]
// where body is the JSON state, or salt(16)||nonce(12)||ciphertext.
type Store struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

func NewStore(path string, passphrase []byte) *Store {
	s := &Store{path: path}
	if len(passphrase) > 0 {
		s.passphrase = append([]byte(nil), passphrase...)
	}
	return s
}

func (s *Store) Path() string { return s.path }

func (s *Store) Encrypted() bool { return len(s.passphrase) > 0 }

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (s *Store) encode(st State) ([]byte, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	flags := uint16(0)
	body := payload
	if s.Encrypted() {
		salt := make([]byte, saltSize)
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		key := deriveKey(s.passphrase, salt)
		aead, err := newAESGCM(key)
		zero(key)
		if err != nil {
			return nil, err
		}
		sealed := aead.Seal(nil, nonce, payload, nil)
		zero(payload)
		body = make([]byte, 0, saltSize+nonceSize+len(sealed))
		body = append(body, salt...)
		body = append(body, nonce...)
		body = append(body, sealed...)
		flags |= flagEncrypt
	}
	out := make([]byte, headerSize, headerSize+len(body))
	binary.BigEndian.PutUint32(out[0:], magicWallet)
	binary.BigEndian.PutUint16(out[4:], version)
	binary.BigEndian.PutUint16(out[6:], flags)
	binary.BigEndian.PutUint32(out[8:], uint32(len(body)))
	binary.BigEndian.PutUint32(out[12:], crc32.ChecksumIEEE(body))
	return append(out, body...), nil
}

func (s *Store) decode(b []byte) (State, error) {
	if len(b) < headerSize || binary.BigEndian.Uint32(b[0:]) != magicWallet {
		return State{}, ErrBadFile
	}
	flags := binary.BigEndian.Uint16(b[6:])
	length := binary.BigEndian.Uint32(b[8:])
	want := binary.BigEndian.Uint32(b[12:])
	body := b[headerSize:]
	if length == 0 || int(length) != len(body) || crc32.ChecksumIEEE(body) != want {
		return State{}, ErrBadFile
	}
	plain := body
	if flags&flagEncrypt != 0 {
		if !s.Encrypted() {
			return State{}, ErrNeedPassword
		}
		if len(body) < saltSize+nonceSize {
			return State{}, ErrBadFile
		}
		salt, nonce, ct := body[:saltSize], body[saltSize:saltSize+nonceSize], body[saltSize+nonceSize:]
		key := deriveKey(s.passphrase, salt)
		aead, err := newAESGCM(key)
		zero(key)
		if err != nil {
			return State{}, err
		}
		p, err := aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return State{}, ErrBadPassword
		}
		plain = p
	}
	var st State
	err := json.Unmarshal(plain, &st)
	if flags&flagEncrypt != 0 {
		zero(plain)
	}
	if err != nil {
		return State{}, ErrBadFile
	}
	return st, nil
}

// Save writes st atomically, keeping the previous file as a backup.
func (s *Store) Save(st State) error {
	begin := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.save(st)
	if err != nil {
		metrics.Inc("wallet_persist_total", map[string]string{"result": "error"})
		logger.ErrorJ("wallet_store", map[string]any{"op": "persist", "result": "error", "err": err.Error()})
		return err
	}
	ms := time.Since(begin).Milliseconds()
	metrics.Inc("wallet_persist_total", map[string]string{"result": "ok"})
	metrics.ObserveSummary("wallet_persist_ms", nil, float64(ms))
	logger.DebugJ("wallet_store", map[string]any{"op": "persist", "result": "ok", "latency_ms": ms})
	return nil
}

func (s *Store) save(st State) error {
	data, err := s.encode(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if cur, err := os.ReadFile(s.path); err == nil {
		if err := renameio.WriteFile(s.path+".bak", cur, 0o600); err != nil {
			return err
		}
	}
	return renameio.WriteFile(s.path, data, 0o600)
}

// Load reads the state, falling back to the backup when the main file is
// damaged. A wallet that was never saved is ErrNotFound.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.readFile(s.path)
	if err == nil {
		metrics.Inc("wallet_recovery_total", map[string]string{"result": "ok"})
		return st, nil
	}
	if errors.Is(err, ErrNeedPassword) || errors.Is(err, ErrBadPassword) {
		return State{}, err
	}
	primary := err
	if st, err := s.readFile(s.path + ".bak"); err == nil {
		metrics.Inc("wallet_recovery_total", map[string]string{"result": "fallback"})
		logger.WarnJ("wallet_store", map[string]any{"op": "recovery", "result": "fallback", "err": primary.Error()})
		return st, nil
	}
	if errors.Is(primary, os.ErrNotExist) {
		return State{}, ErrNotFound
	}
	metrics.Inc("wallet_recovery_total", map[string]string{"result": "fail"})
	return State{}, primary
}

func (s *Store) readFile(path string) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return State{}, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return State{}, err
	}
	return s.decode(b)
}
