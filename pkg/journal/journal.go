// Package journal tracks which epochs have been finalized. It is the
// pipeline's monotonicity guard: epochs append strictly in order, and a run
// targeting anything other than the next epoch is rejected as stale before
// any output is written.
package journal

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrStaleJournal indicates an epoch that is not the journal's successor:
// already finalized, or ahead of the journal with a gap.
var ErrStaleJournal = errors.New("stale journal for target epoch")

// Entry records one finalized epoch. Slot is the ledger slot the revenue
// snapshot was taken at.
type Entry struct {
	Epoch       uint64    `json:"epoch"`
	Root        string    `json:"root"` // hex-encoded commitment root
	Total       uint64    `json:"total"`
	Payees      int       `json:"payees"`
	Slot        uint64    `json:"slot"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// FormatEntry renders an entry for logs and notifications.
func FormatEntry(e Entry) string {
	return fmt.Sprintf("epoch %d: %d units to %d payees at slot %d, root %s",
		e.Epoch, e.Total, e.Payees, e.Slot, e.Root)
}

// Log is the append-only journal store. Implementations must be safe for
// concurrent use.
type Log interface {
	// Last returns the most recent entry. ok is false when the journal is
	// empty.
	Last() (entry Entry, ok bool, err error)

	// Append records an epoch as finalized. Implementations persist before
	// returning; a returned nil means the entry is durable.
	Append(entry Entry) error
}

// Check validates that epoch is an acceptable next epoch for the journal:
// any epoch when the journal is empty (genesis), otherwise exactly last+1.
func Check(log Log, epoch uint64) error {
	last, ok, err := log.Last()
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	if !ok {
		return nil
	}
	if epoch != last.Epoch+1 {
		return fmt.Errorf("%w: journal at epoch %d, target %d", ErrStaleJournal, last.Epoch, epoch)
	}
	return nil
}

// ValidateEntry rejects structurally broken entries before they reach a
// store.
func ValidateEntry(e Entry) error {
	raw, err := hex.DecodeString(e.Root)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("entry root %q is not a 32-byte hex hash", e.Root)
	}
	if e.Payees < 0 {
		return fmt.Errorf("entry has negative payee count %d", e.Payees)
	}
	return nil
}

// MemoryLog is an in-memory Log for tests and dry runs.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Last() (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	return m.entries[len(m.entries)-1], true, nil
}

func (m *MemoryLog) Append(entry Entry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 && entry.Epoch != m.entries[len(m.entries)-1].Epoch+1 {
		return fmt.Errorf("%w: journal at epoch %d, appending %d",
			ErrStaleJournal, m.entries[len(m.entries)-1].Epoch, entry.Epoch)
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of the journal contents.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// FileLog is a Log persisted as JSON lines, one entry per line. Appends
// rewrite via a temp file and rename so a crash never leaves a torn tail.
type FileLog struct {
	mu   sync.Mutex
	path string
}

func NewFileLog(path string) (*FileLog, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	return &FileLog{path: path}, nil
}

func (f *FileLog) Last() (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.load()
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (f *FileLog) Append(entry Entry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	if len(entries) > 0 && entry.Epoch != entries[len(entries)-1].Epoch+1 {
		return fmt.Errorf("%w: journal at epoch %d, appending %d",
			ErrStaleJournal, entries[len(entries)-1].Epoch, entry.Epoch)
	}
	entries = append(entries, entry)

	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding journal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".journal-*")
	if err != nil {
		return fmt.Errorf("creating journal temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing journal temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing journal temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing journal temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("replacing journal file: %w", err)
	}
	return nil
}

// Entries returns all journal contents in append order.
func (f *FileLog) Entries() ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileLog) load() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal file: %w", err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decoding journal file %s: %w", f.path, err)
		}
		entries = append(entries, e)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Epoch != entries[i-1].Epoch+1 {
			return nil, fmt.Errorf("journal file %s is not contiguous at epoch %d", f.path, entries[i].Epoch)
		}
	}
	return entries, nil
}
