// Package trace keeps in-memory request traces with spans, understands W3C
// traceparent propagation, and exports completed spans as OTLP JSON over
// HTTP.
package trace

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanStatus marks span outcome.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// Span is one timed step inside a trace.
type Span struct {
	SpanID     string            `json:"spanId"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    time.Time         `json:"endTime"`
	DurationMs int64             `json:"durationMs"`
	Status     SpanStatus        `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Summary condenses a trace for dashboards: per-stage milliseconds derived
// from span name prefixes plus the call's commercial outcome.
type Summary struct {
	GateMs        int64  `json:"gateMs"`
	BackendMs     int64  `json:"backendMs"`
	TransformMs   int64  `json:"transformMs"`
	RetryAttempts int    `json:"retryAttempts"`
	CacheHit      bool   `json:"cacheHit"`
	CircuitState  string `json:"circuitState,omitempty"`
	CreditsCost   int64  `json:"creditsCost"`
	StatusCode    int    `json:"statusCode"`
	Error         string `json:"error,omitempty"`
}

// Trace is one request's record from StartTrace to EndTrace.
type Trace struct {
	TraceID         string    `json:"traceId"`
	ParentSpanID    string    `json:"parentSpanId,omitempty"`
	RequestID       string    `json:"requestId"`
	APIKey          string    `json:"apiKey,omitempty"`
	Tool            string    `json:"tool,omitempty"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	Spans           []Span    `json:"spans"`
	Summary         Summary   `json:"summary"`
}

// Config configures a Tracer.
type Config struct {
	// SampleRate in [0,1] selects the fraction of requests traced.
	// Default 1 (trace everything).
	SampleRate float64

	// MaxTraces bounds the completed ring with FIFO eviction.
	// Default 1000.
	MaxTraces int

	// MaxAge evicts completed traces older than this. Zero disables age
	// eviction.
	MaxAge time.Duration
}

// Tracer owns active and completed traces.
type Tracer struct {
	mu        sync.Mutex
	cfg       Config
	active    map[string]*Trace
	completed []*Trace
	rng       *rand.Rand
	now       func() time.Time
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// NewTracer creates a Tracer.
func NewTracer(cfg Config, opts ...Option) *Tracer {
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.MaxTraces <= 0 {
		cfg.MaxTraces = 1000
	}
	t := &Tracer{
		cfg:    cfg,
		active: make(map[string]*Trace),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StartTrace registers a trace and returns its ID, or "" when the sampler
// skipped this request. A well-formed traceparent seeds the trace ID and
// parent span; malformed values yield a fresh root trace.
func (t *Tracer) StartTrace(requestID, method, path, apiKey, traceparent string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.SampleRate < 1 && t.rng.Float64() >= t.cfg.SampleRate {
		return ""
	}

	traceID := ""
	parentSpan := ""
	if tp, ok := ParseTraceparent(traceparent); ok {
		traceID = tp.TraceID
		parentSpan = tp.SpanID
	}
	if traceID == "" {
		traceID = newTraceID()
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	t.active[traceID] = &Trace{
		TraceID:      traceID,
		ParentSpanID: parentSpan,
		RequestID:    requestID,
		APIKey:       apiKey,
		Method:       method,
		Path:         path,
		StartTime:    t.now(),
	}
	return traceID
}

// AddSpan appends a completed span to an active trace. Unknown trace IDs
// (unsampled requests) are a no-op.
func (t *Tracer) AddSpan(traceID, name string, duration time.Duration, status SpanStatus, attrs map[string]string) {
	if traceID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.active[traceID]
	if !ok {
		return
	}
	end := t.now()
	tr.Spans = append(tr.Spans, Span{
		SpanID:     newTraceID()[:16],
		Name:       name,
		StartTime:  end.Add(-duration),
		EndTime:    end,
		DurationMs: duration.Milliseconds(),
		Status:     status,
		Attributes: attrs,
	})
}

// SetTool records the tool once the gate has resolved it.
func (t *Tracer) SetTool(traceID, tool string) {
	if traceID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.active[traceID]; ok {
		tr.Tool = tool
	}
}

// EndTrace finalises a trace: computes the total duration, folds span
// durations into the summary by name prefix ("gate.", "backend.",
// "transform."), merges the caller's summary fields, and moves the trace to
// the completed ring.
func (t *Tracer) EndTrace(traceID string, summary Summary) *Trace {
	if traceID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.active[traceID]
	if !ok {
		return nil
	}
	delete(t.active, traceID)

	tr.EndTime = t.now()
	tr.TotalDurationMs = tr.EndTime.Sub(tr.StartTime).Milliseconds()
	tr.Summary = summary
	for _, sp := range tr.Spans {
		switch {
		case strings.HasPrefix(sp.Name, "gate."):
			tr.Summary.GateMs += sp.DurationMs
		case strings.HasPrefix(sp.Name, "backend."):
			tr.Summary.BackendMs += sp.DurationMs
		case strings.HasPrefix(sp.Name, "transform."):
			tr.Summary.TransformMs += sp.DurationMs
		}
	}

	t.completed = append(t.completed, tr)
	if len(t.completed) > t.cfg.MaxTraces {
		over := len(t.completed) - t.cfg.MaxTraces
		t.completed = append(t.completed[:0], t.completed[over:]...)
	}
	return tr
}

// Purge drops completed traces older than MaxAge. The background ticker
// calls this; it is a no-op without an age bound.
func (t *Tracer) Purge() int {
	if t.cfg.MaxAge <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.MaxAge)
	kept := t.completed[:0]
	dropped := 0
	for _, tr := range t.completed {
		if tr.EndTime.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, tr)
	}
	t.completed = kept
	return dropped
}

// Completed returns a copy of the completed ring, oldest first.
func (t *Tracer) Completed() []*Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Trace(nil), t.completed...)
}

// Get returns a completed trace by ID.
func (t *Tracer) Get(traceID string) (*Trace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.completed {
		if tr.TraceID == traceID {
			return tr, true
		}
	}
	return nil, false
}

// ActiveCount reports how many traces are between StartTrace and EndTrace.
func (t *Tracer) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
