package trace

import (
	"fmt"
	"strings"
)

// Traceparent is a parsed W3C trace context header:
// 00-<32 hex trace id>-<16 hex span id>-<2 hex flags>.
type Traceparent struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// ParseTraceparent accepts version-00 headers with well-formed, non-zero
// IDs. Anything else reports false and the caller starts a fresh root trace.
func ParseTraceparent(header string) (Traceparent, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 || parts[0] != "00" {
		return Traceparent{}, false
	}
	traceID, spanID, flags := parts[1], parts[2], parts[3]
	if len(traceID) != 32 || !isHex(traceID) || allZero(traceID) {
		return Traceparent{}, false
	}
	if len(spanID) != 16 || !isHex(spanID) || allZero(spanID) {
		return Traceparent{}, false
	}
	if flags != "00" && flags != "01" {
		return Traceparent{}, false
	}
	return Traceparent{
		TraceID: strings.ToLower(traceID),
		SpanID:  strings.ToLower(spanID),
		Sampled: flags == "01",
	}, true
}

// FormatTraceparent renders an outgoing header for a trace and span.
func FormatTraceparent(traceID, spanID string, sampled bool) string {
	flags := "00"
	if sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", traceID, spanID, flags)
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	for _, c := range s {
		if c != '0' {
			return false
		}
	}
	return true
}
