package authority

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
)

func appendRaw(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		t.Fatalf("write raw: %v", err)
	}
}

func replayed(t *testing.T, j *Journal) (payloads []string, seqs []uint64, skipped int) {
	t.Helper()
	_, skipped, err := j.Replay(func(seq uint64, p []byte) error {
		payloads = append(payloads, string(p))
		seqs = append(seqs, seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return payloads, seqs, skipped
}

func TestJournal_TornTailIsCutOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Append([]byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	before, _ := os.Stat(path)
	appendRaw(t, path, []byte(`{"seq":2,"ts":1,"payl`))

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if after, _ := os.Stat(path); after.Size() != before.Size() {
		t.Fatalf("torn tail kept: %d bytes, want %d", after.Size(), before.Size())
	}
	if err := j2.Append([]byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, seqs, skipped := replayed(t, j2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" || skipped != 0 {
		t.Fatalf("replayed %v skipped %d", got, skipped)
	}
	if seqs[1] != 2 {
		t.Fatalf("seq after repair %d", seqs[1])
	}
}

func TestJournal_OverlongLineIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Append([]byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	long := append(bytes.Repeat([]byte("x"), 2*wire.MaxFrame+10), '\n')
	appendRaw(t, path, long)

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen with an over-long line: %v", err)
	}
	if err := j2.Append([]byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, seqs, skipped := replayed(t, j2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" || skipped != 1 {
		t.Fatalf("replayed %v skipped %d", got, skipped)
	}
	if seqs[1] != 2 {
		t.Fatalf("seq %d", seqs[1])
	}
}

func TestJournal_MissingFileIsEmpty(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "none", "journal.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got, _, _ := replayed(t, j); len(got) != 0 {
		t.Fatalf("replayed %v", got)
	}
}
