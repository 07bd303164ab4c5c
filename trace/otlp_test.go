package trace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedExport struct {
	mu     sync.Mutex
	bodies [][]byte
	auth   []string
	status int
}

func (c *capturedExport) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func completedTrace() *Trace {
	start := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	return &Trace{
		TraceID:      "0af7651916cd43dd8448eb211c80319c",
		ParentSpanID: "b7ad6b7169203331",
		Spans: []Span{
			{
				SpanID:     "1111111111111111",
				Name:       "gate.evaluate",
				StartTime:  start,
				EndTime:    start.Add(3 * time.Millisecond),
				Status:     SpanOK,
				Attributes: map[string]string{"tool": "search"},
			},
			{
				SpanID:    "2222222222222222",
				Name:      "backend.call",
				StartTime: start,
				EndTime:   start.Add(40 * time.Millisecond),
				Status:    SpanError,
			},
		},
	}
}

func TestEmitter_RequiresEndpoint(t *testing.T) {
	_, err := NewEmitter(EmitterConfig{})
	assert.Error(t, err)
}

func TestEmitter_FlushExportsOTLP(t *testing.T) {
	col := &capturedExport{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	e, err := NewEmitter(EmitterConfig{
		Endpoint:       srv.URL,
		Authorization:  "Bearer collector-token",
		ServiceName:    "gateway",
		ServiceVersion: "1.2.3",
	})
	require.NoError(t, err)

	e.Enqueue(completedTrace())
	assert.Equal(t, 2, e.QueueLen())

	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 0, e.QueueLen())

	require.Len(t, col.bodies, 1)
	assert.Equal(t, "Bearer collector-token", col.auth[0])

	var payload struct {
		ResourceSpans []struct {
			Resource struct {
				Attributes []struct {
					Key   string `json:"key"`
					Value struct {
						StringValue string `json:"stringValue"`
					} `json:"value"`
				} `json:"attributes"`
			} `json:"resource"`
			ScopeSpans []struct {
				Spans []struct {
					TraceID      string `json:"traceId"`
					SpanID       string `json:"spanId"`
					ParentSpanID string `json:"parentSpanId"`
					Name         string `json:"name"`
					Status       struct {
						Code int `json:"code"`
					} `json:"status"`
				} `json:"spans"`
			} `json:"scopeSpans"`
		} `json:"resourceSpans"`
	}
	require.NoError(t, json.Unmarshal(col.bodies[0], &payload))
	require.Len(t, payload.ResourceSpans, 1)

	attrs := map[string]string{}
	for _, a := range payload.ResourceSpans[0].Resource.Attributes {
		attrs[a.Key] = a.Value.StringValue
	}
	assert.Equal(t, "gateway", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])

	spans := payload.ResourceSpans[0].ScopeSpans[0].Spans
	require.Len(t, spans, 2)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", spans[0].TraceID)
	assert.Equal(t, "gate.evaluate", spans[0].Name)
	assert.Equal(t, "b7ad6b7169203331", spans[0].ParentSpanID)
	assert.Equal(t, 0, spans[0].Status.Code)
	assert.Equal(t, 2, spans[1].Status.Code, "error spans carry OTLP status 2")
}

func TestEmitter_FailedExportRequeues(t *testing.T) {
	col := &capturedExport{status: http.StatusBadGateway}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	e, err := NewEmitter(EmitterConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	e.Enqueue(completedTrace())
	assert.Error(t, e.Flush(context.Background()))
	assert.Equal(t, 2, e.QueueLen(), "failed batch returns to the queue")
	assert.Equal(t, int64(0), e.Dropped())
}

func TestEmitter_QueueBoundDrops(t *testing.T) {
	e, err := NewEmitter(EmitterConfig{Endpoint: "http://localhost:0", MaxQueueSize: 3})
	require.NoError(t, err)

	e.Enqueue(completedTrace()) // 2 spans
	e.Enqueue(completedTrace()) // 1 fits, 1 dropped
	assert.Equal(t, 3, e.QueueLen())
	assert.Equal(t, int64(1), e.Dropped())
}

func TestEmitter_BatchSizeSplitsFlushes(t *testing.T) {
	col := &capturedExport{}
	srv := httptest.NewServer(col.handler())
	defer srv.Close()

	e, err := NewEmitter(EmitterConfig{Endpoint: srv.URL, MaxBatchSize: 1})
	require.NoError(t, err)

	e.Enqueue(completedTrace())
	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 1, e.QueueLen())
	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 0, e.QueueLen())
	assert.Len(t, col.bodies, 2)
}
