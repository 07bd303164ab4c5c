package keystore

import (
	"encoding/json"
	"fmt"
)

// SnapshotVersion identifies the persisted document layout.
const SnapshotVersion = 1

// Document is the JSON state handed to the persistence collaborator.
// Transient state (limiter windows, rings, traces, rollover history) is
// deliberately absent; the collaborator stores and restores this document
// verbatim.
type Document struct {
	Version int             `json:"version"`
	Keys    map[string]*Key `json:"keys"`
	Audit   json.RawMessage `json:"audit,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Snapshot captures every key record into a Document. audit and config are
// opaque sections supplied by the owning aggregate.
func (s *Store) Snapshot(audit, config json.RawMessage) *Document {
	doc := &Document{
		Version: SnapshotVersion,
		Keys:    make(map[string]*Key, s.Len()),
		Audit:   audit,
		Config:  config,
	}
	for _, k := range s.List(ListFilter{}) {
		doc.Keys[k.Key] = k
	}
	return doc
}

// Restore replaces the store's contents with the document's keys. Aliases
// are not part of the persisted document and are left untouched.
func (s *Store) Restore(doc *Document) error {
	if doc.Version != SnapshotVersion {
		return fmt.Errorf("keystore: unsupported snapshot version %d", doc.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*Key, len(doc.Keys))
	for id, k := range doc.Keys {
		copied := cloneKey(k)
		copied.Key = id
		s.keys[id] = copied
	}
	return nil
}
