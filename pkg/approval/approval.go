// Package approval tracks the human decisions made for mid-stream tool
// approval requests. A Tracker remembers which tool invocations were
// approved so identical requests in the same session can be answered
// automatically, and journals every decision for audit and restart
// recovery.
package approval

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Decision captures the lifecycle state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Record stores a single approval decision.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Payload   map[string]any `json:"payload,omitempty"`
	Decision  Decision       `json:"decision"`
	Requested time.Time      `json:"requested_at"`
	Decided   *time.Time     `json:"decided_at,omitempty"`
	// Auto marks decisions answered from the whitelist without a prompt.
	Auto bool `json:"auto,omitempty"`
}

func cloneRecord(rec Record) Record {
	cp := rec
	if rec.Payload != nil {
		cp.Payload = make(map[string]any, len(rec.Payload))
		for k, v := range rec.Payload {
			cp.Payload[k] = v
		}
	}
	if rec.Decided != nil {
		t := *rec.Decided
		cp.Decided = &t
	}
	return cp
}

// Whitelist caches approvals within a session so a tool invocation with the
// same payload is not prompted twice.
type Whitelist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewWhitelist constructs an empty whitelist.
func NewWhitelist() *Whitelist {
	return &Whitelist{entries: map[string]time.Time{}}
}

// Allowed reports whether the exact tool+payload was already approved in
// this session.
func (w *Whitelist) Allowed(sessionID, tool string, payload map[string]any) bool {
	key := whitelistKey(sessionID, tool, payload)
	w.mu.RLock()
	_, ok := w.entries[key]
	w.mu.RUnlock()
	return ok
}

// Add records an admission. Idempotent; the first admission time wins.
func (w *Whitelist) Add(sessionID, tool string, payload map[string]any, now time.Time) {
	key := whitelistKey(sessionID, tool, payload)
	w.mu.Lock()
	if _, exists := w.entries[key]; !exists {
		w.entries[key] = now.UTC()
	}
	w.mu.Unlock()
}

func whitelistKey(sessionID, tool string, payload map[string]any) string {
	var buf bytes.Buffer
	buf.WriteString(sessionID)
	buf.WriteString("|")
	buf.WriteString(tool)
	buf.WriteString("|")
	buf.WriteString(hashPayload(payload))
	return buf.String()
}

func hashPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "empty"
	}
	var buf bytes.Buffer
	encodeValue(&buf, payload)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// encodeValue produces a deterministic traversal over maps and slices so
// hashes are stable across runs.
func encodeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("{")
		for _, k := range keys {
			buf.WriteString(k)
			buf.WriteString(":")
			encodeValue(buf, val[k])
			buf.WriteString(";")
		}
		buf.WriteString("}")
	case []any:
		buf.WriteString("[")
		for _, item := range val {
			encodeValue(buf, item)
			buf.WriteByte(',')
		}
		buf.WriteString("]")
	case []string:
		buf.WriteString("[")
		for _, item := range val {
			buf.WriteString(item)
			buf.WriteByte(',')
		}
		buf.WriteString("]")
	default:
		fmt.Fprintf(buf, "%v", val)
	}
}

// Tracker coordinates approval requests, whitelist checks and the journal.
// All methods are safe for concurrent use. A nil journal keeps everything
// in memory.
type Tracker struct {
	mu      sync.RWMutex
	journal *Journal
	wl      *Whitelist
	now     func() time.Time

	index   map[string]Record
	pending map[string]Record
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker restores tracker state from the journal. Approved records seed
// the whitelist; pending ones resurface as pending.
func NewTracker(journal *Journal, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		journal: journal,
		wl:      NewWhitelist(),
		now:     time.Now,
		index:   map[string]Record{},
		pending: map[string]Record{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if journal != nil {
		for _, rec := range journal.All() {
			t.index[rec.ID] = cloneRecord(rec)
			switch rec.Decision {
			case DecisionApproved:
				if !rec.Auto && rec.SessionID != "" && rec.Tool != "" {
					t.wl.Add(rec.SessionID, rec.Tool, rec.Payload, rec.Requested)
				}
			case DecisionPending:
				t.pending[rec.ID] = cloneRecord(rec)
			}
		}
	}
	return t
}

// Request registers an incoming approval request. The returned bool reports
// whether the request is auto-approved from the whitelist, in which case no
// prompt is needed and the record is already decided.
func (t *Tracker) Request(requestID, sessionID, tool string, payload map[string]any) (Record, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Record{}, false, fmt.Errorf("approval: request id required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wl.Allowed(sessionID, tool, payload) {
		now := t.now().UTC()
		rec := Record{
			ID:        requestID,
			SessionID: sessionID,
			Tool:      tool,
			Payload:   payload,
			Decision:  DecisionApproved,
			Requested: now,
			Decided:   &now,
			Auto:      true,
		}
		t.index[rec.ID] = cloneRecord(rec)
		t.appendLocked(rec)
		return rec, true, nil
	}

	rec := Record{
		ID:        requestID,
		SessionID: sessionID,
		Tool:      tool,
		Payload:   payload,
		Decision:  DecisionPending,
		Requested: t.now().UTC(),
	}
	t.index[rec.ID] = cloneRecord(rec)
	t.pending[rec.ID] = cloneRecord(rec)
	t.appendLocked(rec)
	return rec, false, nil
}

// Decide resolves a pending request. Approvals are remembered in the
// session whitelist so the same tool+payload is not prompted again.
// Deciding an unknown request is recorded anyway so that decisions made
// while the tracker was restarting are not lost.
func (t *Tracker) Decide(requestID string, approved bool) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[requestID]
	if !ok {
		rec = t.index[requestID]
		rec.ID = requestID
	}
	now := t.now().UTC()
	rec.Decided = &now
	if approved {
		rec.Decision = DecisionApproved
		// A decision for an ID we never saw carries no session or tool;
		// whitelisting its zero key would auto-approve unrelated requests.
		if rec.SessionID != "" && rec.Tool != "" {
			t.wl.Add(rec.SessionID, rec.Tool, rec.Payload, now)
		}
	} else {
		rec.Decision = DecisionRejected
	}
	t.index[requestID] = cloneRecord(rec)
	delete(t.pending, requestID)
	t.appendLocked(rec)
	return rec
}

// Pending returns a snapshot of unresolved requests. With an empty
// sessionID all sessions are returned, oldest first.
func (t *Tracker) Pending(sessionID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Record
	for _, rec := range t.pending {
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requested.Before(out[j].Requested) })
	return out
}

// Lookup returns the latest known record by request id.
func (t *Tracker) Lookup(requestID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.index[requestID]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// Close flushes and closes the journal when one is attached.
func (t *Tracker) Close() error {
	if t == nil || t.journal == nil {
		return nil
	}
	return t.journal.Close()
}

func (t *Tracker) appendLocked(rec Record) {
	if t.journal == nil {
		return
	}
	// The in-memory view is authoritative; a journal write failure only
	// costs durability, not correctness.
	_ = t.journal.Append(rec)
}
