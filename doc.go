// Package toolgate implements the admission core of a metered gateway for
// tool-calling protocol servers. It sits between a client (typically an
// autonomous agent) and one or more backend tool servers, authenticating each
// call with an API key, charging credits, enforcing quotas and access-control
// policies, and proxying the underlying request.
//
// The central entry points are the Gate, which runs the ordered admission
// pipeline and produces a Decision, and the Proxy, which turns an accepted
// Decision into a backend call with retries, circuit breaking, and atomic
// debit at the commit point. The Core aggregate owns both plus every piece of
// shared state (key store, limiters, quotas, spend caps, meter, audit trail,
// tracer, webhooks, alerts) and the background tickers that maintain them.
//
// Quick start:
//
//	core, err := toolgate.NewBuilder().
//	    Backend(myBackend).
//	    Gate(toolgate.GateConfig{
//	        RateLimitPerMin: 60,
//	        Pricing:         toolgate.PricingConfig{DefaultCreditsPerCall: 5},
//	    }).
//	    Build()
//	if err != nil { ... }
//
//	key, _ := core.CreateKey("admin", keystore.CreateParams{Name: "agent-1", Credits: 1000})
//	out := core.Handle(ctx, key.Key, toolgate.ToolCall{Name: "search"})
//
// The wire layer is deliberately not owned by this package: the middleware
// subpackages translate Decisions and proxy results to JSON-RPC replies for
// net/http, gin, echo, fiber, and gRPC transports.
package toolgate
