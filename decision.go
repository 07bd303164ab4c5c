package toolgate

import (
	"encoding/json"
	"time"

	"github.com/toolgate/toolgate/keystore"
)

// ToolCall is one inbound tool invocation as seen by the admission pipeline.
// The transport collaborator fills it in from the wire request.
type ToolCall struct {
	// Name is the tool being invoked.
	Name string

	// Arguments is the raw JSON argument payload. Its size feeds per-KB
	// input pricing.
	Arguments json.RawMessage

	// ClientIP is the caller's address, used by policy rules. Optional.
	ClientIP string

	// RequestID identifies the request for tracing. If empty, one is
	// generated.
	RequestID string

	// Traceparent is an incoming W3C trace context header. Malformed or
	// absent values yield a fresh root trace.
	Traceparent string
}

// Deny reasons produced by the admission pipeline. Reasons that carry a
// detail suffix (tool name, rule name, original shadow reason) are built with
// the corresponding helper.
const (
	ReasonInvalidAPIKey      = "invalid_api_key"
	ReasonKeyRevoked         = "key_revoked"
	ReasonKeySuspended       = "key_suspended"
	ReasonKeyExpired         = "key_expired"
	ReasonToolDenied         = "tool_denied"
	ReasonToolNotAllowed     = "tool_not_allowed"
	ReasonScopeMissing       = "scope_missing"
	ReasonPolicyDenied       = "policy_denied"
	ReasonInsufficientCredit = "insufficient_credits"
	ReasonSpendingLimit      = "spending_limit_exceeded"
	ReasonRateLimited        = "rate_limited"
	ReasonConcurrencyLimit   = "concurrency_limit"
	ReasonCircuitOpen        = "circuit_open"
	ReasonBackendError       = "backend_error"
	ReasonInternalError      = "internal_error"
)

// ToolReason renders a reason that names the offending tool, e.g.
// "tool_not_allowed:delete".
func ToolReason(reason, tool string) string {
	return reason + ":" + tool
}

// ShadowReason marks a denial that was converted to an allow by shadow mode.
func ShadowReason(original string) string {
	return "shadow:" + original
}

// Decision is the structured result of Gate.Evaluate. Denials short-circuit
// at the first failing check; an allowed Decision carries everything the
// Proxy needs to commit the call.
type Decision struct {
	Allowed bool

	// Reason is set on denial, or "shadow:<original>" when shadow mode
	// rewrote a denial to an allow.
	Reason string

	// Cost is the credits this call will be charged at the commit point.
	// Zero on denial.
	Cost int64

	// RetryAfter is a hint for limiter denials; zero otherwise.
	RetryAfter time.Duration

	// Record is a snapshot of the resolved key at evaluation time.
	Record *keystore.Key

	// TraceID is set when the tracer sampled this call.
	TraceID string

	// AcquiredConcurrency reports that the pipeline holds an in-flight
	// slot which the executor must release on every terminating path.
	AcquiredConcurrency bool

	// Shadow reports that shadow mode converted a would-be denial.
	Shadow bool
}

// RetryAfterMillis returns the retry hint in whole milliseconds, rounding up.
func (d *Decision) RetryAfterMillis() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	ms := d.RetryAfter.Milliseconds()
	if d.RetryAfter%time.Millisecond != 0 {
		ms++
	}
	return ms
}
