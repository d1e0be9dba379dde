package approval

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var errJournalClosed = errors.New("approval: journal closed")

// Journal is an append-only JSONL log of approval records. Each line is the
// latest version of one record; replaying the file front to back
// reconstructs the final state. Corrupt trailing lines (from a crash mid
// write) are skipped on load.
type Journal struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	records []Record
	closed  bool
}

// OpenJournal opens (or creates) the journal at path, creating parent
// directories as needed.
func OpenJournal(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("approval: journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("approval: mkdir %s: %w", filepath.Dir(path), err)
	}
	records, err := loadRecords(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("approval: open %s: %w", path, err)
	}
	return &Journal{
		path:    path,
		f:       f,
		w:       bufio.NewWriter(f),
		records: records,
	}, nil
}

func loadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail write; everything before it is intact.
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("approval: read %s: %w", path, err)
	}
	return out, nil
}

// Append writes one record to the log and flushes it to the OS.
func (j *Journal) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}
	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("approval: append: %w", err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("approval: append: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("approval: flush: %w", err)
	}
	j.records = append(j.records, cloneRecord(rec))
	return nil
}

// All returns the final state of every journaled record: the last line per
// record id wins, in first-seen order.
func (j *Journal) All() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	latest := map[string]Record{}
	var order []string
	for _, rec := range j.records {
		if _, seen := latest[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		latest[rec.ID] = rec
	}
	out := make([]Record, 0, len(order))
	for _, id := range order {
		out = append(out, cloneRecord(latest[id]))
	}
	return out
}

// Prune rewrites the journal keeping only records requested within maxAge
// of now, compacting each surviving record to its final state. The rewrite
// goes through a temp file and rename so a crash never loses the log.
func (j *Journal) Prune(maxAge time.Duration, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}

	cutoff := now.Add(-maxAge)
	latest := map[string]Record{}
	var order []string
	for _, rec := range j.records {
		if rec.Requested.Before(cutoff) {
			delete(latest, rec.ID)
			continue
		}
		if _, seen := latest[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		latest[rec.ID] = rec
	}
	kept := make([]Record, 0, len(latest))
	for _, id := range order {
		if rec, ok := latest[id]; ok {
			kept = append(kept, rec)
		}
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("approval: prune: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range kept {
		data, err := json.Marshal(rec)
		if err != nil {
			_ = f.Close()
			return err
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("approval: prune flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("approval: prune close: %w", err)
	}

	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("approval: prune flush live log: %w", err)
	}
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("approval: prune close live log: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("approval: prune rename: %w", err)
	}
	nf, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("approval: prune reopen: %w", err)
	}
	j.f = nf
	j.w = bufio.NewWriter(nf)
	j.records = kept
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.w.Flush(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}
