package wallet

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleState() State {
	return State{
		Spentbook: "sb-0",
		Mint:      "mint-0",
		Keys:      []Key{{Secret: []byte{1, 2, 3}, Public: []byte{4, 5, 6}}},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "w", "wallet.dat"), nil)
	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Save(sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Spentbook != "sb-0" || got.Mint != "mint-0" || len(got.Keys) != 1 || got.Keys[0].Public[2] != 6 {
		t.Fatalf("state mismatch: %+v", got)
	}
}

func TestStore_Encrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.dat")
	s := NewStore(path, []byte("correct horse"))
	if err := s.Save(sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if len(raw) == 0 || bytes.Contains(raw, []byte("mint-0")) {
		t.Fatalf("plaintext leaked into encrypted file")
	}
	if got, err := s.Load(); err != nil || got.Mint != "mint-0" {
		t.Fatalf("load: %+v %v", got, err)
	}
	if _, err := NewStore(path, []byte("wrong")).Load(); !errors.Is(err, ErrBadPassword) {
		t.Fatalf("want ErrBadPassword, got %v", err)
	}
	if _, err := NewStore(path, nil).Load(); !errors.Is(err, ErrNeedPassword) {
		t.Fatalf("want ErrNeedPassword, got %v", err)
	}
}

func TestStore_FallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.dat")
	s := NewStore(path, nil)
	first := sampleState()
	if err := s.Save(first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := sampleState()
	second.Mint = "mint-1"
	if err := s.Save(second); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Mint != "mint-0" {
		t.Fatalf("expected the previous version from backup, got %q", got.Mint)
	}
}

func TestStore_CorruptWithoutBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.dat")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewStore(path, nil).Load(); !errors.Is(err, ErrBadFile) {
		t.Fatalf("want ErrBadFile, got %v", err)
	}
}
