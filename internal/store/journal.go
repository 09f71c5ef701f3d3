package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"taskwarden/internal/core"
)

// AppendJournal appends one entry to the execution journal, one JSON object
// per line, and syncs before returning. The journal is append-only and never
// rewritten; a torn final line after a crash is tolerated by the readers.
func (s *Store) AppendJournal(entry core.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	f, err := os.OpenFile(s.JournalPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return f.Sync()
}

// ReadJournal returns every parseable journal entry in write order. Lines
// that do not decode (a torn tail from a crash) are skipped.
func (s *Store) ReadJournal() ([]core.LogEntry, error) {
	f, err := os.Open(s.JournalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []core.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var entry core.LogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// TailJournal returns the last n entries in write order.
func (s *Store) TailJournal(n int) ([]core.LogEntry, error) {
	entries, err := s.ReadJournal()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
