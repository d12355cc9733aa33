package authority

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// Log is the durable record of accepted requests.
type Log interface {
	Append(payload []byte) error
	Replay(fn func(seq uint64, payload []byte) error) (applied, skipped int, err error)
}

// Journal is an append-only request log, one JSON line per accepted
// request. Every append opens, writes, fsyncs and closes the file, so a
// returned nil means the entry survives a crash.
type Journal struct {
	mu   sync.Mutex
	path string
	seq  uint64
}

type journalEntry struct {
	Seq     uint64 `json:"seq"`
	TS      int64  `json:"ts"`
	Payload []byte `json:"payload"`
}

var _ Log = (*Journal)(nil)

// maxLine bounds one journal line: a base64 frame plus the JSON envelope.
const maxLine = 2 * wire.MaxFrame

type scanResult struct {
	applied, skipped int
	end              int64 // offset just past the last complete line
	torn             bool  // the file ends in a line with no newline
}

// OpenJournal binds a journal to path. A missing file is an empty journal.
// A torn last line, left by a crash during an append, is cut off so later
// appends start on a fresh line.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("empty journal path")
	}
	j := &Journal{path: path}
	res, err := j.scan(func(e journalEntry) error {
		if e.Seq > j.seq {
			j.seq = e.Seq
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	if res.torn {
		if err := os.Truncate(path, res.end); err != nil {
			return nil, err
		}
		metrics.Inc("journal_repair_total", map[string]string{"result": "truncated"})
		logger.WarnJ("journal", map[string]any{"op": "open", "result": "torn_tail_truncated", "offset": res.end})
	}
	return j, nil
}

func (j *Journal) Path() string { return j.path }

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(journalEntry{Seq: j.seq + 1, TS: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		metrics.Inc("journal_appends_total", map[string]string{"result": "error"})
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err = f.Write(append(b, '\n')); err == nil {
		err = f.Sync()
	}
	if err != nil {
		// cut a partial write so the next entry starts on its own line
		_ = f.Truncate(fi.Size())
		_ = f.Close()
		metrics.Inc("journal_appends_total", map[string]string{"result": "error"})
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	j.seq++
	metrics.Inc("journal_appends_total", map[string]string{"result": "ok"})
	logger.DebugJ("journal", map[string]any{"op": "append", "result": "ok", "seq": j.seq, "bytes": len(payload)})
	return nil
}

// Replay feeds entries to fn in file order. Lines that fail to decode,
// over-long lines and entries fn rejects are logged and skipped.
func (j *Journal) Replay(fn func(seq uint64, payload []byte) error) (int, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.scan(func(e journalEntry) error { return fn(e.Seq, e.Payload) })
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return res.applied, res.skipped, err
	}
	metrics.Inc("journal_replay_total", map[string]string{"result": "ok"})
	logger.InfoJ("journal", map[string]any{"op": "replay", "result": "ok", "applied": res.applied, "skipped": res.skipped})
	return res.applied, res.skipped, nil
}

func (j *Journal) scan(fn func(journalEntry) error) (res scanResult, err error) {
	f, err := os.Open(j.path)
	if err != nil {
		return res, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 64*1024)
	line := 0
	for {
		b, n, long, complete, err := readLine(r, maxLine)
		if err != nil && !errors.Is(err, io.EOF) {
			return res, err
		}
		if n == 0 {
			return res, nil
		}
		if !complete {
			res.torn = true
			res.skipped++
			logger.WarnJ("journal", map[string]any{"op": "scan", "result": "torn_tail", "offset": res.end, "bytes": n})
			return res, nil
		}
		res.end += n
		line++
		if long {
			res.skipped++
			logger.WarnJ("journal", map[string]any{"op": "scan", "result": "line_too_long", "line": line, "bytes": n})
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(b, &e); err != nil {
			res.skipped++
			logger.WarnJ("journal", map[string]any{"op": "scan", "result": "decode_error", "line": line, "err": err.Error()})
			continue
		}
		if err := fn(e); err != nil {
			res.skipped++
			logger.WarnJ("journal", map[string]any{"op": "replay", "result": "apply_error", "seq": e.Seq, "err": err.Error()})
			continue
		}
		res.applied++
	}
}

// readLine reads up to and including the next newline. n counts every byte
// consumed. A line longer than max is consumed but not returned (long).
// complete is false when the input ends before a newline.
func readLine(r *bufio.Reader, max int) (line []byte, n int64, long, complete bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		n += int64(len(chunk))
		if !long {
			if len(line)+len(chunk) > max+1 {
				long, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			return bytes.TrimSuffix(line, []byte{'\n'}), n, long, true, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, n, long, false, err
		}
	}
}
