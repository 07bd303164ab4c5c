// Package audit keeps a hash-chained log of admin events. Each entry's hash
// covers its fields plus the previous entry's hash, so any in-place tampering
// breaks the chain for every later entry. Details are serialized canonically
// (sorted keys, no whitespace, stable numbers) so the chain verifies across
// implementations.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           int64          `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	Actor        string         `json:"actor"`
	ActorType    string         `json:"actorType,omitempty"`
	Target       string         `json:"target"`
	TargetType   string         `json:"targetType,omitempty"`
	Source       string         `json:"source,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previousHash"`
	Hash         string         `json:"hash"`
}

// genesisHash seeds the chain before any entry exists.
const genesisHash = "0"

// Trail is the bounded, hash-chained audit log.
type Trail struct {
	mu         sync.Mutex
	entries    []Entry
	nextID     int64
	lastHash   string
	maxEntries int
	now        func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithMaxEntries bounds the retained log; older entries are evicted. The
// chain stays verifiable within the retained window because previousHash
// values were fixed at append time. Default 10000.
func WithMaxEntries(n int) Option {
	return func(t *Trail) { t.maxEntries = n }
}

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// NewTrail creates an empty Trail.
func NewTrail(opts ...Option) *Trail {
	t := &Trail{
		nextID:     1,
		lastHash:   genesisHash,
		maxEntries: 10000,
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record carries the optional fields of an appended entry.
type Record struct {
	ActorType  string
	TargetType string
	Source     string
	Details    map[string]any
}

// Append adds one entry to the chain and returns it.
func (t *Trail) Append(action, actor, target string, rec Record) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		ID:           t.nextID,
		Timestamp:    t.now(),
		Action:       action,
		Actor:        actor,
		ActorType:    rec.ActorType,
		Target:       target,
		TargetType:   rec.TargetType,
		Source:       rec.Source,
		Details:      rec.Details,
		PreviousHash: t.lastHash,
	}
	e.Hash = hashEntry(&e)

	t.nextID++
	t.lastHash = e.Hash
	t.entries = append(t.entries, e)
	if len(t.entries) > t.maxEntries {
		over := len(t.entries) - t.maxEntries
		t.entries = append(t.entries[:0], t.entries[over:]...)
	}
	return e
}

// hashEntry computes SHA-256 over id || timestamp || action || actor ||
// target || canonical(details) || previousHash, hex-encoded.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d", e.ID)
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Target))
	h.Write(canonicalJSON(e.Details))
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every retained hash and walks the links. It returns
// the index of the first broken entry, or -1 when the chain is intact.
func (t *Trail) VerifyChain() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if hashEntry(e) != e.Hash {
			return i, false
		}
		if i > 0 && e.PreviousHash != t.entries[i-1].Hash {
			return i, false
		}
	}
	return -1, true
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Action string
	Actor  string
	Target string
	Since  time.Time
	Until  time.Time
	Offset int
	Limit  int
}

// Query returns matching entries newest-first with offset/limit pagination.
// A zero limit returns everything after the offset.
func (t *Trail) Query(f Filter) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	skipped := 0
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := &t.entries[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.Target != "" && e.Target != f.Target {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of the retained log oldest-first, for snapshots.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}
