package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// OTLP span kinds.
const (
	KindUnspecified = 0
	KindInternal    = 1
	KindServer      = 2
	KindClient      = 3
)

// EmitterConfig configures the OTLP exporter.
type EmitterConfig struct {
	// Endpoint is the collector base URL; spans are POSTed to
	// Endpoint + "/v1/traces".
	Endpoint string

	// Authorization, when set, is sent verbatim in the Authorization
	// header.
	Authorization string

	// ServiceName and ServiceVersion populate resource.attributes.
	ServiceName    string
	ServiceVersion string

	// ResourceAttributes are extra resource attributes.
	ResourceAttributes map[string]string

	// MaxBatchSize caps spans per export request. Default 512.
	MaxBatchSize int

	// MaxQueueSize caps buffered spans; excess batches are dropped and
	// counted. Default 4096.
	MaxQueueSize int

	// FlushInterval drives the background flush. Default 5s.
	FlushInterval time.Duration

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client

	// Logger receives export failures. Default slog.Default().
	Logger *slog.Logger
}

// otlpSpan is a span staged for export.
type otlpSpan struct {
	TraceID       string         `json:"traceId"`
	SpanID        string         `json:"spanId"`
	ParentSpanID  string         `json:"parentSpanId,omitempty"`
	Name          string         `json:"name"`
	Kind          int            `json:"kind"`
	StartUnixNano string         `json:"startTimeUnixNano"`
	EndUnixNano   string         `json:"endTimeUnixNano"`
	Attributes    []otlpKeyValue `json:"attributes,omitempty"`
	Status        otlpStatus     `json:"status"`
}

type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue string `json:"stringValue"`
}

type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Emitter batches completed trace spans and ships them as OTLP JSON.
type Emitter struct {
	mu      sync.Mutex
	cfg     EmitterConfig
	queue   []otlpSpan
	dropped int64
	client  *http.Client
	logger  *slog.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("trace: emitter endpoint is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 512
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolgate"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{cfg: cfg, client: client, logger: logger}, nil
}

// Enqueue stages a completed trace's spans for export. Spans beyond the
// queue bound are dropped and counted.
func (e *Emitter) Enqueue(tr *Trace) {
	if tr == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sp := range tr.Spans {
		if len(e.queue) >= e.cfg.MaxQueueSize {
			e.dropped++
			continue
		}
		e.queue = append(e.queue, convertSpan(tr, sp))
	}
}

func convertSpan(tr *Trace, sp Span) otlpSpan {
	out := otlpSpan{
		TraceID:       tr.TraceID,
		SpanID:        sp.SpanID,
		ParentSpanID:  tr.ParentSpanID,
		Name:          sp.Name,
		Kind:          KindInternal,
		StartUnixNano: strconv.FormatInt(sp.StartTime.UnixNano(), 10),
		EndUnixNano:   strconv.FormatInt(sp.EndTime.UnixNano(), 10),
	}
	if sp.Status == SpanError {
		out.Status = otlpStatus{Code: 2, Message: "error"}
	}
	for k, v := range sp.Attributes {
		out.Attributes = append(out.Attributes, otlpKeyValue{Key: k, Value: otlpAnyValue{StringValue: v}})
	}
	return out
}

// Flush exports up to one batch. A failed POST re-prepends the batch when
// the queue has room; otherwise the batch is dropped and counted.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	n := len(e.queue)
	if n > e.cfg.MaxBatchSize {
		n = e.cfg.MaxBatchSize
	}
	batch := make([]otlpSpan, n)
	copy(batch, e.queue[:n])
	e.queue = append(e.queue[:0], e.queue[n:]...)
	e.mu.Unlock()

	if err := e.export(ctx, batch); err != nil {
		e.mu.Lock()
		if len(e.queue)+len(batch) <= e.cfg.MaxQueueSize {
			e.queue = append(batch, e.queue...)
		} else {
			e.dropped += int64(len(batch))
		}
		e.mu.Unlock()
		e.logger.Warn("otlp export failed", "spans", len(batch), "error", err)
		return err
	}
	return nil
}

func (e *Emitter) export(ctx context.Context, batch []otlpSpan) error {
	payload := map[string]any{
		"resourceSpans": []any{
			map[string]any{
				"resource": map[string]any{
					"attributes": e.resourceAttributes(),
				},
				"scopeSpans": []any{
					map[string]any{
						"scope": map[string]any{"name": "toolgate"},
						"spans": batch,
					},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.Authorization != "" {
		req.Header.Set("Authorization", e.cfg.Authorization)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trace: collector returned %d", resp.StatusCode)
	}
	return nil
}

func (e *Emitter) resourceAttributes() []otlpKeyValue {
	attrs := []otlpKeyValue{
		{Key: "service.name", Value: otlpAnyValue{StringValue: e.cfg.ServiceName}},
	}
	if e.cfg.ServiceVersion != "" {
		attrs = append(attrs, otlpKeyValue{Key: "service.version", Value: otlpAnyValue{StringValue: e.cfg.ServiceVersion}})
	}
	for k, v := range e.cfg.ResourceAttributes {
		attrs = append(attrs, otlpKeyValue{Key: k, Value: otlpAnyValue{StringValue: v}})
	}
	return attrs
}

// Run flushes on FlushInterval until ctx is cancelled, then drains the
// queue.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = e.Flush(ctx)
		case <-ctx.Done():
			e.drain()
			return
		}
	}
}

// drain attempts to export everything left, with a short deadline detached
// from the cancelled run context.
func (e *Emitter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		e.mu.Lock()
		empty := len(e.queue) == 0
		e.mu.Unlock()
		if empty {
			return
		}
		if err := e.Flush(ctx); err != nil {
			return
		}
	}
}

// Dropped reports spans lost to queue saturation or unexportable batches.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// QueueLen reports spans awaiting export.
func (e *Emitter) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
