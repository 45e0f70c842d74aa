// Package audit provides a tamper-evident, append-only audit logger whose
// entries are SHA-256 hash-chained (spec.md §3, §4.4).
//
// # Hash chain
//
// The this_hash_hex for entry N is computed as:
//
//	SHA256( JSON(entry with this_hash_hex = "") )
//
// The genesis entry's prev_hash_hex is 64 ASCII zero characters. A sidecar
// file, audit.tail, holds the latest this_hash_hex so Append does not need
// to replay the whole log to find the current chain tip.
//
// # Single-writer discipline
//
// spec.md §5 requires concurrent appenders across processes to serialize on
// an OS-level exclusive lock on audit.jsonl, not just an in-process mutex.
// Append acquires a github.com/gofrs/flock exclusive lock before reading the
// tail, and releases it only after both the audit.jsonl append and the
// audit.tail overwrite have succeeded, per the write-then-rename discipline
// spec.md §9 calls for.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// GenesisHash is the all-zero SHA-256 hex digest used as prev_hash_hex for
// the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken corresponds to spec error kind AuditChainBroken: detected at
// verification time, never raised at append time.
var ErrChainBroken = errors.New("audit: chain broken")

// Entry is the wire format for one audit log line.
type Entry struct {
	V            int             `json:"v"`
	Timestamp    time.Time       `json:"ts"`
	Event        string          `json:"event"`
	Details      json.RawMessage `json:"details"`
	PrevHashHex  string          `json:"prev_hash_hex"`
	ThisHashHex  string          `json:"this_hash_hex"`
}

// Log is a tamper-evident, append-only audit log writer bound to one
// logs/audit.jsonl + logs/audit.tail pair. Safe for concurrent use within a
// process (mutex) and across processes (flock).
type Log struct {
	mu       sync.Mutex
	jsonlPath string
	tailPath  string
	flock     *flock.Flock
}

// Open prepares a Log rooted at <root>/logs. The files are created lazily on
// first Append, per spec.md §3's lifecycle note.
func Open(root string) (*Log, error) {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir %q: %w", dir, err)
	}
	jsonlPath := filepath.Join(dir, "audit.jsonl")
	tailPath := filepath.Join(dir, "audit.tail")

	return &Log{
		jsonlPath: jsonlPath,
		tailPath:  tailPath,
		flock:     flock.New(jsonlPath + ".lock"),
	}, nil
}

// Append writes a new tamper-evident entry recording event with the given
// JSON-serializable details. It implements spec.md §4.4's four-step Append
// algorithm under both an in-process mutex and an OS-level exclusive lock.
func (l *Log) Append(ctx context.Context, event string, details any) (Entry, error) {
	detailsRaw, err := json.Marshal(details)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal details: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	locked, err := l.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return Entry{}, fmt.Errorf("audit: acquire exclusive lock on %q: %w", l.jsonlPath, err)
	}
	defer l.flock.Unlock()

	prev, err := l.readTail()
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		V:           1,
		Timestamp:   time.Now().UTC(),
		Event:       event,
		Details:     detailsRaw,
		PrevHashHex: prev,
	}
	e.ThisHashHex = hashEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.jsonlPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: open %q for append: %w", l.jsonlPath, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("audit: sync entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("audit: close after append: %w", err)
	}

	// Write-then-rename discipline so audit.tail is never left half-written.
	tmp := l.tailPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(e.ThisHashHex), 0o600); err != nil {
		return Entry{}, fmt.Errorf("audit: write tail tmp: %w", err)
	}
	if err := os.Rename(tmp, l.tailPath); err != nil {
		return Entry{}, fmt.Errorf("audit: rename tail tmp: %w", err)
	}

	return e, nil
}

// readTail returns the current chain tip, or GenesisHash if audit.tail does
// not yet exist.
func (l *Log) readTail() (string, error) {
	raw, err := os.ReadFile(l.tailPath)
	if err != nil {
		if os.IsNotExist(err) {
			return GenesisHash, nil
		}
		return "", fmt.Errorf("audit: read tail %q: %w", l.tailPath, err)
	}
	return string(raw), nil
}

// hashEntry computes the SHA-256 hex digest of e with ThisHashHex cleared,
// per spec.md §3's this_hash_hex definition.
func hashEntry(e Entry) string {
	e.ThisHashHex = ""
	raw, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entry for hashing: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Verify walks <root>/logs/audit.jsonl once, checking both the recomputed
// digest of each entry and prev/this hash linkage. It returns the ordered
// entries on success, or ErrChainBroken (wrapped with details) on the first
// failure. An absent or empty log is valid and returns an empty slice.
func Verify(root string) ([]Entry, error) {
	path := filepath.Join(root, "logs", "audit.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prev := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	seq := 0
	for scanner.Scan() {
		seq++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: malformed entry at line %d: %v", ErrChainBroken, seq, err)
		}
		if e.PrevHashHex != prev {
			return nil, fmt.Errorf("%w: entry %d: expected prev_hash_hex %q, got %q", ErrChainBroken, seq, prev, e.PrevHashHex)
		}
		computed := hashEntry(e)
		if computed != e.ThisHashHex {
			return nil, fmt.Errorf("%w: entry %d: stored hash %q != computed %q", ErrChainBroken, seq, e.ThisHashHex, computed)
		}
		entries = append(entries, e)
		prev = e.ThisHashHex
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %q: %w", path, err)
	}
	return entries, nil
}
