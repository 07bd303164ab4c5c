// Package grpcmw provides gRPC server interceptors for gateway admission.
//
// Separated from the middleware package so that importing the HTTP front door
// does not pull in google.golang.org/grpc.
//
// Usage:
//
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(core.Gate())),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(core.Gate())),
//	)
package grpcmw

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolgate/toolgate"
)

// KeyFunc extracts the API key from an RPC context.
type KeyFunc func(ctx context.Context) string

// DeniedHandler produces the gRPC error returned when admission denies a
// call. Default: a reason-mapped status code.
type DeniedHandler func(ctx context.Context, d *toolgate.Decision) error

// Config holds full configuration for the admission interceptors.
type Config struct {
	// Gate is the admission pipeline (required).
	Gate *toolgate.Gate

	// KeyFunc extracts the API key. Default: the "authorization" bearer
	// metadata value, then "x-api-key".
	KeyFunc KeyFunc

	// DeniedHandler produces the error returned on denial.
	DeniedHandler DeniedHandler

	// ExcludeMethods are full method names (e.g. "/pkg.Service/Method")
	// that bypass admission.
	ExcludeMethods map[string]bool
}

// UnaryServerInterceptor creates a unary admission interceptor with default
// settings. The tool name is the full RPC method.
func UnaryServerInterceptor(gate *toolgate.Gate) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{Gate: gate})
}

// UnaryServerInterceptorWithConfig creates a unary admission interceptor with
// full configuration control.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	cfg = withDefaults(cfg)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		d := cfg.Gate.Evaluate(ctx, cfg.KeyFunc(ctx), toolgate.ToolCall{
			Name:     info.FullMethod,
			ClientIP: peerAddr(ctx),
		})
		if !d.Allowed {
			return nil, cfg.DeniedHandler(ctx, d)
		}
		if d.AcquiredConcurrency {
			defer cfg.Gate.Concurrency().Release(d.Record.Key, info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor creates a stream admission interceptor with default
// settings.
func StreamServerInterceptor(gate *toolgate.Gate) grpc.StreamServerInterceptor {
	return StreamServerInterceptorWithConfig(Config{Gate: gate})
}

// StreamServerInterceptorWithConfig creates a stream admission interceptor
// with full configuration control.
func StreamServerInterceptorWithConfig(cfg Config) grpc.StreamServerInterceptor {
	cfg = withDefaults(cfg)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx := ss.Context()
		d := cfg.Gate.Evaluate(ctx, cfg.KeyFunc(ctx), toolgate.ToolCall{
			Name:     info.FullMethod,
			ClientIP: peerAddr(ctx),
		})
		if !d.Allowed {
			return cfg.DeniedHandler(ctx, d)
		}
		if d.AcquiredConcurrency {
			defer cfg.Gate.Concurrency().Release(d.Record.Key, info.FullMethod)
		}
		return handler(srv, ss)
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Gate == nil {
		panic("grpcmw: Gate is required")
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByMetadata
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	return cfg
}

// ─── Key Extraction ──────────────────────────────────────────────────────────

// KeyByMetadata reads the "authorization" bearer value from incoming
// metadata, then "x-api-key".
func KeyByMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("authorization"); len(vals) > 0 {
		if strings.HasPrefix(vals[0], "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(vals[0], "Bearer "))
		}
		return vals[0]
	}
	if vals := md.Get("x-api-key"); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return addr[:i]
	}
	return addr
}

// ─── Internals ───────────────────────────────────────────────────────────────

// CodeForReason maps a deny reason to a gRPC status code. Detail suffixes
// ("tool_denied:search") are ignored.
func CodeForReason(reason string) codes.Code {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		reason = reason[:i]
	}
	switch reason {
	case toolgate.ReasonInvalidAPIKey:
		return codes.Unauthenticated
	case toolgate.ReasonRateLimited, toolgate.ReasonConcurrencyLimit,
		toolgate.ReasonInsufficientCredit, toolgate.ReasonSpendingLimit:
		return codes.ResourceExhausted
	case toolgate.ReasonCircuitOpen, toolgate.ReasonBackendError:
		return codes.Unavailable
	case toolgate.ReasonInternalError:
		return codes.Internal
	}
	switch {
	case strings.HasPrefix(reason, "quota_"),
		strings.HasPrefix(reason, "hourly_"),
		strings.HasPrefix(reason, "server_"):
		return codes.ResourceExhausted
	}
	return codes.PermissionDenied
}

func defaultDeniedHandler(_ context.Context, d *toolgate.Decision) error {
	return status.Error(CodeForReason(d.Reason), d.Reason)
}
