// Package meter records per-call usage events in a bounded ring and serves
// streaming aggregates over them. Both allowed and denied outcomes are
// metered; the ring drops its oldest quarter when capacity is exceeded.
package meter

import (
	"sync"
	"time"

	"github.com/toolgate/toolgate/keystore"
)

// Event is one immutable usage record. APIKey is always the truncated form.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	APIKey         string    `json:"apiKey"`
	KeyName        string    `json:"keyName,omitempty"`
	Tool           string    `json:"tool"`
	CreditsCharged int64     `json:"creditsCharged"`
	Allowed        bool      `json:"allowed"`
	DenyReason     string    `json:"denyReason,omitempty"`
	Namespace      string    `json:"namespace,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
}

// ToolStats aggregates one tool's usage.
type ToolStats struct {
	Calls   int64 `json:"calls"`
	Credits int64 `json:"credits"`
	Denied  int64 `json:"denied"`
}

// Summary is a streaming aggregate over the retained events.
type Summary struct {
	TotalCalls        int64                 `json:"totalCalls"`
	TotalCreditsSpent int64                 `json:"totalCreditsSpent"`
	TotalDenied       int64                 `json:"totalDenied"`
	PerTool           map[string]*ToolStats `json:"perTool"`
	PerKey            map[string]*ToolStats `json:"perKey"`
	DenyReasons       map[string]int64      `json:"denyReasons"`
}

// KeyUsage is the per-key view: aggregates, the most recent events
// newest-first (at most 50), and hourly buckets keyed by the hour's ISO
// timestamp.
type KeyUsage struct {
	Summary
	Recent []Event          `json:"recent"`
	Hourly map[string]int64 `json:"hourly"`
}

const recentEvents = 50

// Meter is the bounded usage ring.
type Meter struct {
	mu        sync.Mutex
	events    []Event
	maxEvents int
}

// New creates a Meter retaining at most maxEvents events. Values below 4
// fall back to the default of 10000.
func New(maxEvents int) *Meter {
	if maxEvents < 4 {
		maxEvents = 10000
	}
	return &Meter{maxEvents: maxEvents}
}

// Record appends an event, truncating the key if the caller passed a full
// bearer string. When the ring exceeds capacity the oldest quarter is
// dropped in one step.
func (m *Meter) Record(e Event) {
	e.APIKey = keystore.Truncate(e.APIKey)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)
	if len(m.events) > m.maxEvents {
		drop := m.maxEvents / 4
		if drop < 1 {
			drop = 1
		}
		m.events = append(m.events[:0], m.events[drop:]...)
	}
}

// Len returns the number of retained events.
func (m *Meter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newSummary() Summary {
	return Summary{
		PerTool:     make(map[string]*ToolStats),
		PerKey:      make(map[string]*ToolStats),
		DenyReasons: make(map[string]int64),
	}
}

func (s *Summary) add(e Event) {
	tool := s.PerTool[e.Tool]
	if tool == nil {
		tool = &ToolStats{}
		s.PerTool[e.Tool] = tool
	}
	key := s.PerKey[e.APIKey]
	if key == nil {
		key = &ToolStats{}
		s.PerKey[e.APIKey] = key
	}

	if e.Allowed {
		s.TotalCalls++
		s.TotalCreditsSpent += e.CreditsCharged
		tool.Calls++
		tool.Credits += e.CreditsCharged
		key.Calls++
		key.Credits += e.CreditsCharged
	} else {
		s.TotalDenied++
		tool.Denied++
		key.Denied++
		if e.DenyReason != "" {
			s.DenyReasons[e.DenyReason]++
		}
	}
}

// SummaryFilter narrows Summary. Zero values match everything.
type SummaryFilter struct {
	Since     time.Time
	Namespace string
}

// Summary streams one pass over the ring and aggregates matching events.
func (m *Meter) Summary(f SummaryFilter) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newSummary()
	for i := range m.events {
		e := &m.events[i]
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if f.Namespace != "" && e.Namespace != f.Namespace {
			continue
		}
		s.add(*e)
	}
	return s
}

// KeyUsage aggregates one key's events. apiKey may be the full bearer string
// or the truncated form.
func (m *Meter) KeyUsage(apiKey string, since time.Time) KeyUsage {
	truncated := keystore.Truncate(apiKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := KeyUsage{
		Summary: newSummary(),
		Hourly:  make(map[string]int64),
	}
	for i := range m.events {
		e := &m.events[i]
		if e.APIKey != truncated {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out.add(*e)
		out.Hourly[e.Timestamp.UTC().Truncate(time.Hour).Format("2006-01-02T15:00:00")]++
		out.Recent = append(out.Recent, *e)
	}

	// Newest first, capped.
	for i, j := 0, len(out.Recent)-1; i < j; i, j = i+1, j-1 {
		out.Recent[i], out.Recent[j] = out.Recent[j], out.Recent[i]
	}
	if len(out.Recent) > recentEvents {
		out.Recent = out.Recent[:recentEvents]
	}
	return out
}
