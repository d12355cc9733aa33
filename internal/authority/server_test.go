package authority

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/registry"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
)

// ledger is a stateful processor that records applied payloads.
type ledger struct {
	mu        sync.Mutex
	processed int
	applied   []string
}

func (l *ledger) Process(km bls.KeyMaterial, payload []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed++
	if bytes.Equal(payload, []byte("invalid")) {
		return nil, errors.New("invalid payload")
	}
	if km.Index == 0 {
		return nil, errors.New("no share")
	}
	return append([]byte("ok:"), payload...), nil
}

func (l *ledger) Apply(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bytes.Equal(payload, []byte("poison")) {
		return errors.New("poison")
	}
	l.applied = append(l.applied, string(payload))
	return nil
}

func (l *ledger) state() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.applied...)
}

type stateless struct{ calls int }

func (s *stateless) Process(bls.KeyMaterial, []byte) ([]byte, error) {
	s.calls++
	return []byte("share"), nil
}

type brokenLog struct{}

func (brokenLog) Append([]byte) error { return errors.New("disk full") }

func (brokenLog) Replay(func(uint64, []byte) error) (int, int, error) { return 0, 0, nil }

func installedCell(t *testing.T) *KeyCell {
	t.Helper()
	kms, err := bls.Deal(nil, 1, 1)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	c := &KeyCell{}
	if !c.Install(kms[0]) {
		t.Fatalf("install failed")
	}
	return c
}

func applyReply(t *testing.T, env wire.Envelope) *wire.ApplyReply {
	t.Helper()
	if env.Request == nil || env.Request.Reply == nil || env.Request.Reply.Apply == nil {
		t.Fatalf("not an apply reply: %+v", env)
	}
	return env.Request.Reply.Apply
}

func TestApply_NotReadyNeverReachesProcessor(t *testing.T) {
	p := &stateless{}
	s, err := NewServer(Config{Keys: &KeyCell{}, Processor: p})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	r := applyReply(t, s.Apply(context.Background(), []byte("x")))
	if r.Err == nil || r.Err.Code != wire.CodeNotReady {
		t.Fatalf("want not_ready, got %+v", r)
	}
	if p.calls != 0 {
		t.Fatalf("processor called %d times", p.calls)
	}
}

func TestApply_JournalFailureFailsRequest(t *testing.T) {
	l := &ledger{}
	s, err := NewServer(Config{Keys: installedCell(t), Processor: l, Log: brokenLog{}})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	r := applyReply(t, s.Apply(context.Background(), []byte("spend-1")))
	if r.Err == nil || r.Err.Code != wire.CodeInternal {
		t.Fatalf("want internal error, got %+v", r)
	}
	if l.processed != 1 {
		t.Fatalf("processor should have run once, ran %d", l.processed)
	}
	if len(l.state()) != 0 {
		t.Fatalf("state mutated without a durable record: %v", l.state())
	}
}

func TestApply_JournalsBeforeReply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l := &ledger{}
	s, err := NewServer(Config{Keys: installedCell(t), Processor: l, Log: j})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	r := applyReply(t, s.Apply(context.Background(), []byte("spend-1")))
	if r.Err != nil || string(r.Result) != "ok:spend-1" {
		t.Fatalf("unexpected reply %+v", r)
	}
	var got [][]byte
	if _, _, err := j.Replay(func(_ uint64, p []byte) error { got = append(got, p); return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "spend-1" {
		t.Fatalf("journal contents: %q", got)
	}
}

func TestApply_CollaboratorErrorIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l := &ledger{}
	s, err := NewServer(Config{Keys: installedCell(t), Processor: l, Log: j})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	r := applyReply(t, s.Apply(context.Background(), []byte("invalid")))
	if r.Err == nil || r.Err.Code != wire.CodeRejected {
		t.Fatalf("want rejected, got %+v", r)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rejected request reached the journal: %v", err)
	}
}

func TestReplay_ReproducesLiveState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	live := &ledger{}
	s, err := NewServer(Config{Keys: installedCell(t), Processor: live, Log: j})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	for _, p := range []string{"a", "b", "c", "d"} {
		if r := applyReply(t, s.Apply(context.Background(), []byte(p))); r.Err != nil {
			t.Fatalf("apply %s: %+v", p, r.Err)
		}
	}
	// a torn line and an entry the processor refuses on replay
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if err := j.Append([]byte("poison")); err != nil {
		t.Fatalf("append: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	restarted := &ledger{}
	s2, err := NewServer(Config{Keys: installedCell(t), Processor: restarted, Log: j2})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := s2.Replay(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	want, got := live.state(), restarted.state()
	if len(want) != len(got) {
		t.Fatalf("replayed %v, live %v", got, want)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("replayed %v, live %v", got, want)
		}
	}
	if err := j2.Append([]byte("e")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	var last uint64
	if _, _, err := j2.Replay(func(seq uint64, _ []byte) error { last = seq; return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if last != 6 {
		t.Fatalf("sequence not continued across reopen: %d", last)
	}
}

func TestApply_CacheAndRateLimit(t *testing.T) {
	p := &stateless{}
	s, err := NewServer(Config{Keys: installedCell(t), Processor: p, ApplyRate: 0.001})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ctx := context.Background()
	if r := applyReply(t, s.Apply(ctx, []byte("genesis"))); r.Err != nil {
		t.Fatalf("first: %+v", r.Err)
	}
	if r := applyReply(t, s.Apply(ctx, []byte("genesis"))); r.Err != nil || string(r.Result) != "share" {
		t.Fatalf("retry should be served from cache: %+v", r)
	}
	if p.calls != 1 {
		t.Fatalf("processor calls %d", p.calls)
	}
	r := applyReply(t, s.Apply(ctx, []byte("other")))
	if r.Err == nil || r.Err.Code != wire.CodeRejected || r.Err.Message != "rate limited" {
		t.Fatalf("want rate limited, got %+v", r)
	}
	if p.calls != 1 {
		t.Fatalf("rate limited request reached processor")
	}
}

func TestDiscover_ReturnsSnapshot(t *testing.T) {
	self, _ := wire.NewPeerID(nil)
	reg := registry.New(self, "self", 3)
	cell := &KeyCell{}
	s, err := NewServer(Config{Keys: cell, Members: reg, Processor: &stateless{}})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	before := s.Discover().Request.Reply.Discover
	if before.KeySet != nil || len(before.Members) != 1 {
		t.Fatalf("pre-quorum discover: %+v", before)
	}
	late, _ := wire.NewPeerID(nil)
	reg.Admit(late, "late")
	if len(before.Members) != 1 {
		t.Fatalf("earlier reply saw a later join")
	}
	kms, _ := bls.Deal(nil, 1, 1)
	cell.Install(kms[0])
	after := s.Discover().Request.Reply.Discover
	if after.KeySet == nil || len(after.Members) != 2 {
		t.Fatalf("post-install discover: %+v", after)
	}
}

func TestHandleRequest_Frames(t *testing.T) {
	s, err := NewServer(Config{Keys: installedCell(t), Processor: &stateless{}})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	frame, _ := wire.Marshal(wire.NewApply([]byte("p")))
	out, err := s.HandleRequest(context.Background(), frame)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	env, err := wire.Unmarshal(out)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if r := applyReply(t, env); string(r.Result) != "share" {
		t.Fatalf("result %q", r.Result)
	}
	id, _ := wire.NewPeerID(nil)
	peer, _ := wire.Marshal(wire.NewAnnounce(id, "x"))
	if _, err := s.HandleRequest(context.Background(), peer); !errors.Is(err, ErrNotRequest) {
		t.Fatalf("peer frame on request path: %v", err)
	}
	if _, err := s.HandleRequest(context.Background(), []byte{0xff}); err == nil {
		t.Fatalf("garbage decoded")
	}
}

func TestNewServer_StatefulNeedsJournal(t *testing.T) {
	if _, err := NewServer(Config{Keys: &KeyCell{}, Processor: &ledger{}}); !errors.Is(err, ErrNoJournal) {
		t.Fatalf("want ErrNoJournal, got %v", err)
	}
}

func TestKeyCell_WriteOnce(t *testing.T) {
	kms, err := bls.Deal(nil, 2, 1)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	var c KeyCell
	if c.Installed() {
		t.Fatalf("empty cell reports installed")
	}
	if !c.Install(kms[0]) || c.Install(kms[1]) {
		t.Fatalf("install must succeed exactly once")
	}
	got, _ := c.Get()
	if got.Index != kms[0].Index {
		t.Fatalf("key material replaced")
	}
}
