// Package ledger implements the tamper-evident, hash-chained append-only
// JSON-lines log. Each entry's hash covers its payload and the previous
// entry's hash, so any in-place edit to a payload invalidates both that
// entry's hash and every successor's previous-hash link.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/latentfields/openclaw/pkg/canon"
	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// Genesis is the previous-hash value recorded for the first entry.
const Genesis = "GENESIS"

// hashInput mirrors the exact shape hashed for each entry:
// {index, payload, previous_hash}.
type hashInput struct {
	Index        int                    `json:"index"`
	Payload      map[string]interface{} `json:"payload"`
	PreviousHash string                 `json:"previous_hash"`
}

// ArchiveSink optionally mirrors each appended entry off-host.
type ArchiveSink interface {
	Archive(entry types.LedgerEntry) error
}

// Ledger is a file-backed, append-only, hash-chained log. The runtime
// exclusively owns the underlying file; it is created (parent
// directories made, file touched) at construction and never truncated.
type Ledger struct {
	mu     sync.Mutex
	path   string
	clock  func() time.Time
	sink   ArchiveSink
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithClock overrides the ledger's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithArchiveSink mirrors each appended entry to an external sink (for
// example S3) in addition to the required local file.
func WithArchiveSink(sink ArchiveSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// Open creates the ledger file (and parent directories) if it does not
// already exist, and returns a Ledger bound to it.
func Open(path string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rterr.Wrap(rterr.CodeLedgerFault, "failed to create ledger directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeLedgerFault, "failed to create ledger file", err)
	}
	_ = f.Close()

	l := &Ledger{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append reads all existing entries, computes the next index and
// previous hash, computes the entry hash over the canonical JSON of
// {index, payload, previous_hash}, and appends one sorted-key JSON line.
func (l *Ledger) Append(payload map[string]interface{}) (types.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readAllLocked()
	if err != nil {
		return types.LedgerEntry{}, err
	}

	previousHash := Genesis
	if len(existing) > 0 {
		previousHash = existing[len(existing)-1].EntryHash
	}
	index := len(existing)

	entryHash, err := canon.Hash(hashInput{Index: index, Payload: payload, PreviousHash: previousHash})
	if err != nil {
		return types.LedgerEntry{}, rterr.Wrap(rterr.CodeLedgerFault, "failed to compute entry hash", err)
	}

	entry := types.LedgerEntry{
		Index:        index,
		Timestamp:    l.clock().UTC(),
		Payload:      payload,
		PreviousHash: previousHash,
		EntryHash:    entryHash,
	}

	line, err := canon.Marshal(entry)
	if err != nil {
		return types.LedgerEntry{}, rterr.Wrap(rterr.CodeLedgerFault, "failed to marshal entry", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return types.LedgerEntry{}, rterr.Wrap(rterr.CodeLedgerFault, "failed to open ledger for append", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return types.LedgerEntry{}, rterr.Wrap(rterr.CodeLedgerFault, "failed to append ledger entry", err)
	}

	if l.sink != nil {
		if err := l.sink.Archive(entry); err != nil {
			// Archival is best-effort durability, not the source of
			// truth; the local append already succeeded, so a sink
			// failure is surfaced but does not unwind the append.
			return entry, rterr.Wrap(rterr.CodeLedgerFault, "archive sink failed", err)
		}
	}

	return entry, nil
}

// ReadAll returns every ledger entry in index order.
func (l *Ledger) ReadAll() ([]types.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAllLocked()
}

func (l *Ledger) readAllLocked() ([]types.LedgerEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rterr.Wrap(rterr.CodeLedgerFault, "failed to open ledger for read", err)
	}
	defer f.Close()

	var entries []types.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry types.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, rterr.Wrap(rterr.CodeLedgerFault, "failed to decode ledger line", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, rterr.Wrap(rterr.CodeLedgerFault, "failed to scan ledger file", err)
	}
	return entries, nil
}

// VerifyChain recomputes the chain left-to-right. It returns false on the
// first index/prev-hash/hash mismatch, along with a description.
func (l *Ledger) VerifyChain() (bool, string) {
	entries, err := l.ReadAll()
	if err != nil {
		return false, err.Error()
	}
	return VerifyEntries(entries)
}

// VerifyEntries recomputes and checks a slice of entries independent of
// any file, for callers that already have the decoded entries in hand.
func VerifyEntries(entries []types.LedgerEntry) (bool, string) {
	previousHash := Genesis
	for i, entry := range entries {
		if entry.Index != i {
			return false, fmt.Sprintf("unexpected index at position %d: got %d", i, entry.Index)
		}
		if entry.PreviousHash != previousHash {
			return false, fmt.Sprintf("chain broken at index %d: expected previous_hash %s, got %s", i, previousHash, entry.PreviousHash)
		}

		computed, err := canon.Hash(hashInput{Index: entry.Index, Payload: entry.Payload, PreviousHash: entry.PreviousHash})
		if err != nil {
			return false, fmt.Sprintf("failed to recompute hash at index %d: %v", i, err)
		}
		if computed != entry.EntryHash {
			return false, fmt.Sprintf("hash mismatch at index %d", i)
		}

		previousHash = entry.EntryHash
	}
	return true, "chain verified"
}
