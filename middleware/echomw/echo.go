// Package echomw provides Echo middleware for gateway admission.
//
// Separated from the middleware package so that importing the HTTP front door
// does not pull in github.com/labstack/echo.
//
// The middleware runs the admission pipeline for each request and releases
// the acquired concurrency slot when the handler returns. Billing and
// metering happen in the JSON-RPC front door.
//
// Usage:
//
//	e := echo.New()
//	e.Use(echomw.Gate(core.Gate(), echomw.KeyByBearer))
package echomw

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/toolgate/toolgate"
	"github.com/toolgate/toolgate/middleware"
)

// KeyFunc extracts the API key from an Echo context.
type KeyFunc func(c echo.Context) string

// ToolFunc names the tool a request maps to. Default: the route path.
type ToolFunc func(c echo.Context) string

// DeniedHandler is called when admission denies a request.
type DeniedHandler func(c echo.Context, d *toolgate.Decision) error

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

// Gate creates Echo admission middleware with default settings.
func Gate(gate *toolgate.Gate, keyFunc KeyFunc) echo.MiddlewareFunc {
	return GateWithConfig(Config{
		Gate:    gate,
		KeyFunc: keyFunc,
	})
}

// GateWithConfig creates Echo admission middleware with full configuration
// control.
func GateWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("echomw: Gate is required")
	}
	if cfg.KeyFunc == nil {
		panic("echomw: KeyFunc is required")
	}
	if cfg.ToolFunc == nil {
		cfg.ToolFunc = func(c echo.Context) string { return c.Path() }
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
			}

			tool := cfg.ToolFunc(c)
			call := toolgate.ToolCall{Name: tool, ClientIP: c.RealIP()}
			d := cfg.Gate.Evaluate(c.Request().Context(), cfg.KeyFunc(c), call)

			if !d.Allowed {
				if ms := d.RetryAfterMillis(); ms > 0 {
					c.Response().Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
				}
				return cfg.DeniedHandler(c, d)
			}

			if d.AcquiredConcurrency {
				defer cfg.Gate.Concurrency().Release(d.Record.Key, tool)
			}
			return next(c)
		}
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByBearer reads the Authorization Bearer token, then the X-API-Key
// header.
func KeyByBearer(c echo.Context) string {
	return middleware.APIKeyFromRequest(c.Request())
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a URL parameter.
func KeyByParam(param string) KeyFunc {
	return func(c echo.Context) string {
		return c.Param(param)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func defaultDeniedHandler(c echo.Context, d *toolgate.Decision) error {
	return c.JSON(middleware.StatusForReason(d.Reason), map[string]string{"error": d.Reason})
}
