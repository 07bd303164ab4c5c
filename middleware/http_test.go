package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toolgate/toolgate"
	"github.com/toolgate/toolgate/keystore"
	"github.com/toolgate/toolgate/middleware"
)

func newCore(t *testing.T, backend toolgate.Backend) (*toolgate.Core, string) {
	t.Helper()
	if backend == nil {
		backend = toolgate.BackendFunc(func(ctx context.Context, call toolgate.ToolCall) (*toolgate.BackendResponse, error) {
			return &toolgate.BackendResponse{
				StatusCode: 200,
				Result:     json.RawMessage(`{"echo":true}`),
			}, nil
		})
	}
	core, err := toolgate.NewBuilder().
		Backend(backend).
		Proxy(toolgate.ProxyConfig{MaxAttempts: 1}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	k, err := core.CreateKey("test", keystore.CreateParams{Name: "http", Credits: 100})
	if err != nil {
		t.Fatal(err)
	}
	return core, k.Key
}

func rpcBody(method, tool string) []byte {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  map[string]any{"name": tool, "arguments": map[string]any{"q": "hi"}},
	})
	return b
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

func post(t *testing.T, h http.Handler, key string, body []byte) (*httptest.ResponseRecorder, rpcReply) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/rpc", bytes.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	h.ServeHTTP(w, req)

	var reply rpcReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return w, reply
}

func TestHandler_Success(t *testing.T) {
	core, key := newCore(t, nil)
	h := middleware.Handler(core)

	w, reply := post(t, h, key, rpcBody("tools/call", "search"))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	if string(reply.Result) != `{"echo":true}` {
		t.Errorf("result = %s", reply.Result)
	}
}

func TestHandler_ParseError(t *testing.T) {
	core, _ := newCore(t, nil)
	h := middleware.Handler(core)

	_, reply := post(t, h, "", []byte("{not json"))
	if reply.Error == nil || reply.Error.Code != middleware.CodeParse {
		t.Fatalf("expected parse error, got %+v", reply.Error)
	}
}

func TestHandler_MethodNotFound(t *testing.T) {
	core, key := newCore(t, nil)
	h := middleware.Handler(core)

	_, reply := post(t, h, key, rpcBody("tools/list", "search"))
	if reply.Error == nil || reply.Error.Code != middleware.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", reply.Error)
	}
}

func TestHandler_DeniesInvalidKey(t *testing.T) {
	core, _ := newCore(t, nil)
	h := middleware.Handler(core)

	_, reply := post(t, h, "tg_unknown", rpcBody("tools/call", "search"))
	if reply.Error == nil || reply.Error.Code != middleware.CodeDenied {
		t.Fatalf("expected denial, got %+v", reply.Error)
	}
	if reply.Error.Message != toolgate.ReasonInvalidAPIKey {
		t.Errorf("message = %q", reply.Error.Message)
	}
}

func TestHandler_RateLimitedSetsRetryAfter(t *testing.T) {
	backend := toolgate.BackendFunc(func(ctx context.Context, call toolgate.ToolCall) (*toolgate.BackendResponse, error) {
		return &toolgate.BackendResponse{StatusCode: 200}, nil
	})
	core, err := toolgate.NewBuilder().
		Backend(backend).
		Gate(toolgate.GateConfig{RateLimitPerMin: 1}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	k, err := core.CreateKey("test", keystore.CreateParams{Name: "http", Credits: 100})
	if err != nil {
		t.Fatal(err)
	}
	h := middleware.Handler(core)

	if w, _ := post(t, h, k.Key, rpcBody("tools/call", "search")); w.Code != 200 {
		t.Fatal("first call should pass")
	}
	w, reply := post(t, h, k.Key, rpcBody("tools/call", "search"))
	if reply.Error == nil || reply.Error.Code != middleware.CodeDenied {
		t.Fatalf("expected denial, got %+v", reply.Error)
	}
	if reply.Error.Message != toolgate.ReasonRateLimited {
		t.Errorf("message = %q", reply.Error.Message)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if reply.Error.Data["retryAfterMs"] == nil {
		t.Error("expected retryAfterMs in error data")
	}
}

func TestHandler_BackendErrorIsInternal(t *testing.T) {
	backend := toolgate.BackendFunc(func(ctx context.Context, call toolgate.ToolCall) (*toolgate.BackendResponse, error) {
		return nil, errors.New("connection refused")
	})
	core, key := newCore(t, backend)
	h := middleware.Handler(core)

	_, reply := post(t, h, key, rpcBody("tools/call", "search"))
	if reply.Error == nil || reply.Error.Code != middleware.CodeInternal {
		t.Fatalf("expected internal error, got %+v", reply.Error)
	}
	if reply.Error.Message != toolgate.ReasonBackendError {
		t.Errorf("message = %q", reply.Error.Message)
	}
}

func TestAPIKeyFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/rpc", nil)
	req.Header.Set("Authorization", "Bearer tg_abc")
	if got := middleware.APIKeyFromRequest(req); got != "tg_abc" {
		t.Errorf("bearer = %q", got)
	}

	req = httptest.NewRequest("POST", "/rpc", nil)
	req.Header.Set("X-API-Key", "tg_xyz")
	if got := middleware.APIKeyFromRequest(req); got != "tg_xyz" {
		t.Errorf("x-api-key = %q", got)
	}
}

func TestStatusForReason(t *testing.T) {
	tests := []struct {
		reason string
		want   int
	}{
		{toolgate.ReasonInvalidAPIKey, 401},
		{toolgate.ReasonInsufficientCredit, 402},
		{toolgate.ReasonSpendingLimit, 402},
		{toolgate.ReasonRateLimited, 429},
		{toolgate.ReasonConcurrencyLimit, 429},
		{"quota_daily_calls", 429},
		{"hourly_credit_cap", 429},
		{"server_daily_call_cap", 429},
		{toolgate.ReasonCircuitOpen, 503},
		{toolgate.ReasonBackendError, 503},
		{toolgate.ReasonInternalError, 500},
		{toolgate.ReasonKeyRevoked, 403},
		{toolgate.ToolReason(toolgate.ReasonToolDenied, "delete"), 403},
		{"sandbox_tool_not_allowed", 403},
	}
	for _, tt := range tests {
		if got := middleware.StatusForReason(tt.reason); got != tt.want {
			t.Errorf("StatusForReason(%q) = %d, want %d", tt.reason, got, tt.want)
		}
	}
}
