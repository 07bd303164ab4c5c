// Package middleware provides the HTTP front door for the gateway: a JSON-RPC
// "tools/call" handler that authenticates, admits and proxies each request
// through a Core.
//
// Usage with net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/rpc", middleware.Handler(core))
//
// Usage with chi:
//
//	r := chi.NewRouter()
//	r.Handle("/rpc", middleware.Handler(core))
//
// Framework-specific admission middleware lives in the ginmw, echomw, fibermw
// and grpcmw subpackages so that importing this package pulls in no framework
// dependencies.
package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/toolgate/toolgate"
)

// CallHandler admits and executes one tool call. Both *toolgate.Core and the
// metrics-instrumented wrapper satisfy it.
type CallHandler interface {
	Handle(ctx context.Context, apiKey string, call toolgate.ToolCall) *toolgate.Outcome
}

// JSON-RPC error codes. Denials use the payment-required convention; a
// backend that could not be reached is an internal error.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeDenied         = -32402
	CodeInternal       = -32603
)

const methodToolsCall = "tools/call"

// KeyFunc extracts the bearer API key from a request. An empty return is
// treated as an unauthenticated call.
type KeyFunc func(r *http.Request) string

// Config holds the handler configuration.
type Config struct {
	// Handler executes admitted calls (required).
	Handler CallHandler

	// KeyFunc extracts the API key. Default: Authorization Bearer token,
	// then the X-API-Key header.
	KeyFunc KeyFunc

	// MaxBodyBytes bounds the request body. Default 1 MiB.
	MaxBodyBytes int64
}

// Handler creates a JSON-RPC handler with default settings.
func Handler(h CallHandler) http.Handler {
	return HandlerWithConfig(Config{Handler: h})
}

// HandlerWithConfig creates a JSON-RPC handler with full configuration
// control.
func HandlerWithConfig(cfg Config) http.Handler {
	if cfg.Handler == nil {
		panic("toolgate/middleware: Handler is required")
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = APIKeyFromRequest
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, nil, CodeParse, "unreadable body", nil)
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, nil, CodeParse, "parse error", nil)
			return
		}
		if req.JSONRPC != "2.0" {
			writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be 2.0", nil)
			return
		}
		if req.Method != methodToolsCall {
			writeError(w, req.ID, CodeMethodNotFound, "method not found", nil)
			return
		}
		if req.Params.Name == "" {
			writeError(w, req.ID, CodeInvalidRequest, "missing tool name", nil)
			return
		}

		call := toolgate.ToolCall{
			Name:        req.Params.Name,
			Arguments:   req.Params.Arguments,
			ClientIP:    clientIP(r),
			Traceparent: r.Header.Get("traceparent"),
		}

		out := cfg.Handler.Handle(r.Context(), cfg.KeyFunc(r), call)
		d := out.Decision

		if !d.Allowed {
			data := map[string]any{"reason": d.Reason}
			if ms := d.RetryAfterMillis(); ms > 0 {
				data["retryAfterMs"] = ms
				w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
			}
			code := CodeDenied
			if d.Reason == toolgate.ReasonBackendError {
				code = CodeInternal
			}
			writeError(w, req.ID, code, d.Reason, data)
			return
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if out.Response != nil {
			resp.Result = out.Response.Result
		}
		if resp.Result == nil {
			resp.Result = json.RawMessage(`null`)
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// StatusForReason maps a deny reason to an HTTP status. Detail suffixes
// ("tool_denied:search") are ignored.
func StatusForReason(reason string) int {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		reason = reason[:i]
	}
	switch reason {
	case toolgate.ReasonInvalidAPIKey:
		return http.StatusUnauthorized
	case toolgate.ReasonInsufficientCredit, toolgate.ReasonSpendingLimit:
		return http.StatusPaymentRequired
	case toolgate.ReasonRateLimited, toolgate.ReasonConcurrencyLimit:
		return http.StatusTooManyRequests
	case toolgate.ReasonCircuitOpen, toolgate.ReasonBackendError:
		return http.StatusServiceUnavailable
	case toolgate.ReasonInternalError:
		return http.StatusInternalServerError
	}
	switch {
	case strings.HasPrefix(reason, "quota_"),
		strings.HasPrefix(reason, "hourly_"),
		strings.HasPrefix(reason, "server_"):
		return http.StatusTooManyRequests
	}
	// Lifecycle, ACL, scope, policy and sandbox denials.
	return http.StatusForbidden
}

// APIKeyFromRequest reads the Authorization Bearer token, falling back to the
// X-API-Key header.
func APIKeyFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  callParams      `json:"params"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, msg string, data any) {
	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
