// Package ginmw provides Gin middleware for gateway admission.
//
// Separated from the middleware package so that importing the HTTP front door
// does not pull in github.com/gin-gonic/gin.
//
// The middleware runs the admission pipeline for each request and releases
// the acquired concurrency slot when the handler returns. Billing and
// metering happen in the JSON-RPC front door; this adapter screens ordinary
// framework routes with the same key, policy and limiter state.
//
// Usage:
//
//	r := gin.Default()
//	r.Use(ginmw.Gate(core.Gate(), ginmw.KeyByBearer))
package ginmw

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate"
	"github.com/toolgate/toolgate/middleware"
)

// KeyFunc extracts the API key from a Gin context.
type KeyFunc func(c *gin.Context) string

// ToolFunc names the tool a request maps to. Default: the route path.
type ToolFunc func(c *gin.Context) string

// DeniedHandler is called when admission denies a request.
type DeniedHandler func(c *gin.Context, d *toolgate.Decision)

// Config holds the admission middleware configuration.
type Config struct {
	// Gate is the admission pipeline (required).
	Gate *toolgate.Gate

	// KeyFunc extracts the API key (required).
	KeyFunc KeyFunc

	// ToolFunc names the tool. Default: the matched route path.
	ToolFunc ToolFunc

	// DeniedHandler is called on denial. Default: JSON error with a
	// reason-mapped status.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass admission.
	ExcludePaths map[string]bool
}

// Gate creates Gin admission middleware with default settings.
func Gate(gate *toolgate.Gate, keyFunc KeyFunc) gin.HandlerFunc {
	return GateWithConfig(Config{
		Gate:    gate,
		KeyFunc: keyFunc,
	})
}

// GateWithConfig creates Gin admission middleware with full configuration
// control.
func GateWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Gate == nil {
		panic("ginmw: Gate is required")
	}
	if cfg.KeyFunc == nil {
		panic("ginmw: KeyFunc is required")
	}
	if cfg.ToolFunc == nil {
		cfg.ToolFunc = func(c *gin.Context) string { return c.FullPath() }
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tool := cfg.ToolFunc(c)
		call := toolgate.ToolCall{Name: tool, ClientIP: c.ClientIP()}
		d := cfg.Gate.Evaluate(c.Request.Context(), cfg.KeyFunc(c), call)

		if !d.Allowed {
			if ms := d.RetryAfterMillis(); ms > 0 {
				c.Header("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
			}
			cfg.DeniedHandler(c, d)
			return
		}

		if d.AcquiredConcurrency {
			defer cfg.Gate.Concurrency().Release(d.Record.Key, tool)
		}
		c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByBearer reads the Authorization Bearer token, then the X-API-Key
// header.
func KeyByBearer(c *gin.Context) string {
	return middleware.APIKeyFromRequest(c.Request)
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *gin.Context) string {
		return c.GetHeader(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a URL parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *gin.Context) string {
		return c.Param(param)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func defaultDeniedHandler(c *gin.Context, d *toolgate.Decision) {
	c.AbortWithStatusJSON(middleware.StatusForReason(d.Reason), gin.H{"error": d.Reason})
}
