package toolgate

import (
	"context"
	"fmt"
	"time"

	"github.com/toolgate/toolgate/keystore"
	"github.com/toolgate/toolgate/policy"
	"github.com/toolgate/toolgate/quota"
)

// ToolPrice prices one tool: a flat per-call charge plus a per-KB surcharge
// on the input payload.
type ToolPrice struct {
	CreditsPerCall    int64
	CreditsPerKBInput int64
}

// PricingConfig maps tools to prices. Tools without an entry cost
// DefaultCreditsPerCall.
type PricingConfig struct {
	// DefaultCreditsPerCall applies to unlisted tools. Default 1.
	DefaultCreditsPerCall int64

	PerTool map[string]ToolPrice
}

// Price returns the credit cost for one call of tool with inputBytes of
// argument payload.
func (p PricingConfig) Price(tool string, inputBytes int) int64 {
	price, ok := p.PerTool[tool]
	if !ok {
		if p.DefaultCreditsPerCall > 0 {
			return p.DefaultCreditsPerCall
		}
		return 1
	}
	cost := price.CreditsPerCall
	if price.CreditsPerKBInput > 0 && inputBytes > 0 {
		kb := int64((inputBytes + 1023) / 1024)
		cost += kb * price.CreditsPerKBInput
	}
	return cost
}

// GateConfig configures the admission pipeline.
type GateConfig struct {
	Pricing PricingConfig

	// RateLimitPerMin is the default sliding-window calls-per-minute
	// admission. Per-key overrides come from the key record. Default 60.
	RateLimitPerMin int64

	// TokenBucket adds a burst-shaping check after the sliding window
	// when non-nil.
	TokenBucket *TokenBucketConfig

	Concurrency ConcurrencyConfig

	SpendCaps quota.SpendCapConfig

	// ScopeForTool maps tool names to a required scope. Tools without an
	// entry need no scope.
	ScopeForTool map[string]string

	// DefaultPolicyEffect applies when no policy rule matches.
	// Default allow.
	DefaultPolicyEffect policy.Effect

	// ShadowMode converts every denial past the lifecycle checks to an
	// observed allow, for all keys.
	ShadowMode bool
}

// Gate is the admission pipeline. Evaluate runs the ordered checks and
// returns a Decision; the credit debit itself happens later, at the Proxy's
// commit point, so a transport-layer short-circuit never charges.
type Gate struct {
	cfg       GateConfig
	store     *keystore.Store
	window    Limiter
	bucket    Limiter
	conc      *ConcurrencyLimiter
	quota     *quota.Tracker
	rollovers *quota.RolloverManager
	spendCaps *quota.SpendCapManager
	policies  *policy.Engine
	sandboxes *policy.SandboxManager
	opts      *Options
}

// NewGate builds a Gate and its admission-side components around an existing
// key store.
func NewGate(cfg GateConfig, store *keystore.Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("toolgate: gate requires a key store")
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 60
	}
	o := applyOptions(opts)

	g := &Gate{
		cfg:   cfg,
		store: store,
		opts:  o,
	}

	windowOpts := append(append([]Option{}, opts...), WithLimitFunc(g.keyLimit))
	window, err := NewSlidingWindow(cfg.RateLimitPerMin, 60, windowOpts...)
	if err != nil {
		return nil, err
	}
	g.window = window

	if cfg.TokenBucket != nil {
		bucket, err := NewTokenBucket(*cfg.TokenBucket, opts...)
		if err != nil {
			return nil, err
		}
		g.bucket = bucket
	}

	g.conc = NewConcurrencyLimiter(cfg.Concurrency, opts...)
	g.quota = quota.NewTracker(quota.WithNow(o.Now))
	g.rollovers = quota.NewRolloverManager(quota.WithRolloverNow(o.Now))
	g.spendCaps = quota.NewSpendCapManager(cfg.SpendCaps, quota.WithSpendCapNow(o.Now))

	var engineOpts []policy.EngineOption
	if cfg.DefaultPolicyEffect != "" {
		engineOpts = append(engineOpts, policy.WithDefaultEffect(cfg.DefaultPolicyEffect))
	}
	g.policies = policy.NewEngine(engineOpts...)
	g.sandboxes = policy.NewSandboxManager(policy.WithSandboxNow(o.Now))

	return g, nil
}

// keyLimit resolves a key's per-minute override for the sliding window.
// Zero falls back to the gate default.
func (g *Gate) keyLimit(key string) int64 {
	if k, ok := g.store.Resolve(key); ok {
		return k.RateLimitPerMin
	}
	return 0
}

// Keys returns the gate's key store.
func (g *Gate) Keys() *keystore.Store { return g.store }

// Policies returns the policy engine for rule registration.
func (g *Gate) Policies() *policy.Engine { return g.policies }

// Sandboxes returns the sandbox manager for policy registration.
func (g *Gate) Sandboxes() *policy.SandboxManager { return g.sandboxes }

// Rollovers returns the rollover quota manager.
func (g *Gate) Rollovers() *quota.RolloverManager { return g.rollovers }

// SpendCaps returns the spend-cap manager.
func (g *Gate) SpendCaps() *quota.SpendCapManager { return g.spendCaps }

// Quota returns the calendar-window quota tracker.
func (g *Gate) Quota() *quota.Tracker { return g.quota }

// Concurrency returns the in-flight slot limiter.
func (g *Gate) Concurrency() *ConcurrencyLimiter { return g.conc }

// Evaluate runs the admission checks in order, short-circuiting on the first
// denial:
//
//	resolve, active, suspended, expiry, sandbox, tool ACL, scope, policy,
//	price, credits, spending limit, quota, hourly cap, server cap,
//	sliding window, token bucket, concurrency.
//
// Shadow mode (global or per-key) converts denials from the sandbox check
// onward into observed allows with reason "shadow:<original>"; lifecycle
// failures still deny.
func (g *Gate) Evaluate(ctx context.Context, apiKey string, call ToolCall) *Decision {
	k, ok := g.store.Resolve(apiKey)
	if !ok {
		return &Decision{Reason: ReasonInvalidAPIKey}
	}
	if !k.Active {
		return &Decision{Reason: ReasonKeyRevoked, Record: k}
	}
	metered := keystore.Truncate(k.Key)
	if k.Suspended || g.spendCaps.IsAutoSuspended(metered) {
		return &Decision{Reason: ReasonKeySuspended, Record: k}
	}
	now := g.opts.Now()
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return &Decision{Reason: ReasonKeyExpired, Record: k}
	}

	d := g.admit(ctx, k, metered, call, now)
	if !d.Allowed && (g.cfg.ShadowMode || k.ShadowMode) {
		g.opts.Logger.Info("shadow mode converted denial",
			"key", metered, "tool", call.Name, "reason", d.Reason)
		d.Allowed = true
		d.Shadow = true
		d.Reason = ShadowReason(d.Reason)
	}
	d.Record = k
	return d
}

// admit runs the checks past the key lifecycle gates.
func (g *Gate) admit(ctx context.Context, k *keystore.Key, metered string, call ToolCall, now time.Time) *Decision {
	tool := call.Name

	if k.SandboxPolicy != "" {
		if ok, reason := g.sandboxes.Admit(k.SandboxPolicy, metered, tool); !ok {
			return &Decision{Reason: reason}
		}
	}

	if ok, denied := k.ToolAllowed(tool); !ok {
		if denied {
			return &Decision{Reason: ToolReason(ReasonToolDenied, tool)}
		}
		return &Decision{Reason: ToolReason(ReasonToolNotAllowed, tool)}
	}

	if scope := g.cfg.ScopeForTool[tool]; scope != "" && !k.HasScope(scope) {
		return &Decision{Reason: ReasonScopeMissing}
	}

	ev := g.policies.Evaluate(policy.Context{Key: metered, Tool: tool, IP: call.ClientIP, Now: now})
	if ev.Effect == policy.Deny {
		reason := ReasonPolicyDenied
		if ev.Rule != "" {
			reason = ToolReason(ReasonPolicyDenied, ev.Rule)
		}
		return &Decision{Reason: reason}
	}

	cost := g.cfg.Pricing.Price(tool, len(call.Arguments))

	// Credits, spending limit and calendar quota read the live record under
	// its critical section so a concurrent commit cannot slip between the
	// check and the later debit.
	var denyReason string
	err := g.store.With(k.Key, func(rec *keystore.Key) error {
		switch {
		case rec.Credits < cost:
			denyReason = ReasonInsufficientCredit
		case rec.SpendingLimit > 0 && rec.TotalSpent+cost > rec.SpendingLimit:
			denyReason = ReasonSpendingLimit
		default:
			if ok, reason := g.quota.Check(rec, cost); !ok {
				denyReason = reason
			}
		}
		return nil
	})
	if err != nil {
		return &Decision{Reason: ReasonInternalError}
	}
	if denyReason != "" {
		return &Decision{Reason: denyReason}
	}

	if ok, _ := g.rollovers.Consume(metered, 1); !ok {
		return &Decision{Reason: quota.ReasonRolloverExceeded}
	}
	d := g.admitRates(ctx, k, metered, call, cost)
	if !d.Allowed {
		g.rollovers.Refund(metered, 1)
	}
	return d
}

// admitRates runs the spend-cap, limiter and concurrency checks. The rollover
// consumption taken just before is refunded by the caller when any of these
// deny.
func (g *Gate) admitRates(ctx context.Context, k *keystore.Key, metered string, call ToolCall, cost int64) *Decision {
	if ok, reason := g.spendCaps.CheckHourlyCap(metered, cost, k.Quota); !ok {
		return &Decision{Reason: reason}
	}
	if ok, reason := g.spendCaps.CheckServerCap(cost); !ok {
		return &Decision{Reason: reason}
	}

	res, err := g.window.Allow(ctx, k.Key)
	if err != nil {
		g.opts.Logger.Error("sliding window check failed", "key", metered, "error", err)
		return &Decision{Reason: ReasonInternalError}
	}
	if !res.Allowed {
		return &Decision{Reason: ReasonRateLimited, RetryAfter: res.RetryAfter}
	}

	if g.bucket != nil {
		res, err := g.bucket.Allow(ctx, k.Key)
		if err != nil {
			g.opts.Logger.Error("token bucket check failed", "key", metered, "error", err)
			return &Decision{Reason: ReasonInternalError}
		}
		if !res.Allowed {
			return &Decision{Reason: ReasonRateLimited, RetryAfter: res.RetryAfter}
		}
	}

	if !g.conc.Acquire(k.Key, call.Name) {
		return &Decision{Reason: ReasonConcurrencyLimit}
	}

	return &Decision{Allowed: true, Cost: cost, AcquiredConcurrency: true}
}
