// Package fibermw provides Fiber middleware for gateway admission.
//
// Separated from the middleware package so that importing the HTTP front door
// does not pull in github.com/gofiber/fiber. Fiber uses fasthttp (not
// net/http), so a dedicated adapter is required.
//
// The middleware runs the admission pipeline for each request and releases
// the acquired concurrency slot when the handler returns. Billing and
// metering happen in the JSON-RPC front door.
//
// Usage:
//
//	app := fiber.New()
//	app.Use(fibermw.Gate(core.Gate(), fibermw.KeyByBearer))
package fibermw

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/toolgate/toolgate"
	"github.com/toolgate/toolgate/middleware"
)

// KeyFunc extracts the API key from a Fiber context.
type KeyFunc func(c *fiber.Ctx) string

// ToolFunc names the tool a request maps to. Default: the route path.
type ToolFunc func(c *fiber.Ctx) string

// DeniedHandler is called when admission denies a request.
type DeniedHandler func(c *fiber.Ctx, d *toolgate.Decision) error

// Config holds the admission middleware configuration.
type Config struct {
	// Gate is the admission pipeline (required).
	Gate *toolgate.Gate

	// KeyFunc extracts the API key (required).
	KeyFunc KeyFunc

	// ToolFunc names the tool. Default: the request path.
	ToolFunc ToolFunc

	// DeniedHandler is called on denial. Default: JSON error with a
	// reason-mapped status.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass admission.
	ExcludePaths map[string]bool
}

// Gate creates Fiber admission middleware with default settings.
func Gate(gate *toolgate.Gate, keyFunc KeyFunc) fiber.Handler {
	return GateWithConfig(Config{
		Gate:    gate,
		KeyFunc: keyFunc,
	})
}

// GateWithConfig creates Fiber admission middleware with full configuration
// control.
func GateWithConfig(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("fibermw: Gate is required")
	}
	if cfg.KeyFunc == nil {
		panic("fibermw: KeyFunc is required")
	}
	if cfg.ToolFunc == nil {
		cfg.ToolFunc = func(c *fiber.Ctx) string { return c.Path() }
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		tool := cfg.ToolFunc(c)
		call := toolgate.ToolCall{Name: tool, ClientIP: c.IP()}
		d := cfg.Gate.Evaluate(c.UserContext(), cfg.KeyFunc(c), call)

		if !d.Allowed {
			if ms := d.RetryAfterMillis(); ms > 0 {
				c.Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
			}
			return cfg.DeniedHandler(c, d)
		}

		if d.AcquiredConcurrency {
			defer cfg.Gate.Concurrency().Release(d.Record.Key, tool)
		}
		return c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByBearer reads the Authorization Bearer token, then the X-API-Key
// header.
func KeyByBearer(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return c.Get("X-API-Key")
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a URL parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Params(param)
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

func defaultDeniedHandler(c *fiber.Ctx, d *toolgate.Decision) error {
	return c.Status(middleware.StatusForReason(d.Reason)).JSON(fiber.Map{"error": d.Reason})
}
