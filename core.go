package toolgate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/toolgate/toolgate/alert"
	"github.com/toolgate/toolgate/audit"
	"github.com/toolgate/toolgate/keystore"
	"github.com/toolgate/toolgate/meter"
	"github.com/toolgate/toolgate/trace"
	"github.com/toolgate/toolgate/webhook"
)

// Core is the assembled gateway: key store, gate, proxy and the
// observability collaborators, wired together by the Builder. Handle is the
// per-request entry point; Start runs the background maintenance loops.
type Core struct {
	store   *keystore.Store
	gate    *Gate
	proxy   *Proxy
	meter   *meter.Meter
	audit   *audit.Trail
	tracer  *trace.Tracer
	emitter *trace.Emitter
	batcher *webhook.Batcher
	alerts  *alert.Engine

	eventsURL string
	opts      *Options
}

// Handle admits and executes one tool call: Evaluate, then Execute when
// allowed. Denials are metered and alert-checked here; allowed calls are
// metered by the executor.
func (c *Core) Handle(ctx context.Context, apiKey string, call ToolCall) *Outcome {
	if call.RequestID == "" {
		call.RequestID = uuid.NewString()
	}

	var traceID string
	if c.tracer != nil {
		traceID = c.tracer.StartTrace(call.RequestID, "POST", "/rpc",
			keystore.Truncate(apiKey), call.Traceparent)
	}

	gateStart := c.opts.Now()
	d := c.gate.Evaluate(ctx, apiKey, call)
	d.TraceID = traceID

	if c.tracer != nil && traceID != "" {
		status := trace.SpanOK
		attrs := map[string]string{"tool": call.Name}
		if !d.Allowed {
			status = trace.SpanError
			attrs["reason"] = d.Reason
		}
		c.tracer.SetTool(traceID, call.Name)
		c.tracer.AddSpan(traceID, "gate.evaluate", c.opts.Now().Sub(gateStart), status, attrs)
	}

	if !d.Allowed {
		c.recordDenial(d, call)
		c.endTrace(d, trace.Summary{Error: d.Reason})
		c.afterCall(ctx, d, call)
		return &Outcome{Decision: d}
	}

	out := c.proxy.Execute(ctx, d, call)
	c.afterCall(ctx, out.Decision, call)
	return out
}

// recordDenial meters a gate denial. The executor never ran, so nothing else
// needs compensating.
func (c *Core) recordDenial(d *Decision, call ToolCall) {
	e := meter.Event{
		Timestamp:  c.opts.Now(),
		Tool:       call.Name,
		Allowed:    false,
		DenyReason: d.Reason,
	}
	if d.Record != nil {
		e.APIKey = keystore.Truncate(d.Record.Key)
		e.KeyName = d.Record.Name
		e.Namespace = d.Record.Namespace
	}
	c.meter.Record(e)
}

// afterCall runs the post-decision hooks: rate-limit spike accounting, alert
// rules and the webhook usage feed.
func (c *Core) afterCall(ctx context.Context, d *Decision, call ToolCall) {
	if d.Record == nil {
		return
	}
	metered := keystore.Truncate(d.Record.Key)

	if !d.Allowed && d.Reason == ReasonRateLimited {
		c.alerts.RecordRateLimitDenial(metered)
	}
	if rec, ok := c.store.Resolve(d.Record.Key); ok {
		c.alerts.Check(rec, map[string]string{"tool": call.Name})
	}

	if c.batcher != nil && c.eventsURL != "" {
		event := map[string]any{
			"apiKey":  metered,
			"tool":    call.Name,
			"allowed": d.Allowed,
			"cost":    d.Cost,
		}
		if !d.Allowed {
			event["reason"] = d.Reason
		}
		if err := c.batcher.Add(ctx, c.eventsURL, event); err != nil {
			c.opts.Logger.Warn("usage webhook queue full", "url", c.eventsURL)
		}
	}
}

func (c *Core) endTrace(d *Decision, s trace.Summary) {
	if c.tracer == nil || d.TraceID == "" {
		return
	}
	if tr := c.tracer.EndTrace(d.TraceID, s); tr != nil && c.emitter != nil {
		c.emitter.Enqueue(tr)
	}
}

// Start runs the background loops until ctx is cancelled: the OTLP emitter,
// the webhook flush timer and a one-second maintenance tick for auto-resume
// sweeps and trace age eviction. It blocks; run it in its own goroutine.
func (c *Core) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if c.emitter != nil {
		g.Go(func() error {
			c.emitter.Run(ctx)
			return nil
		})
	}
	if c.batcher != nil {
		g.Go(func() error {
			c.batcher.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.gate.spendCaps.SweepAutoSuspended()
				if c.tracer != nil {
					c.tracer.Purge()
				}
			}
		}
	})

	return g.Wait()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Keys returns the key store.
func (c *Core) Keys() *keystore.Store { return c.store }

// Gate returns the admission pipeline.
func (c *Core) Gate() *Gate { return c.gate }

// Proxy returns the call executor.
func (c *Core) Proxy() *Proxy { return c.proxy }

// Meter returns the usage meter.
func (c *Core) Meter() *meter.Meter { return c.meter }

// Audit returns the audit trail.
func (c *Core) Audit() *audit.Trail { return c.audit }

// Tracer returns the request tracer, or nil when tracing is disabled.
func (c *Core) Tracer() *trace.Tracer { return c.tracer }

// Webhooks returns the webhook batcher, or nil when none is configured.
func (c *Core) Webhooks() *webhook.Batcher { return c.batcher }

// Alerts returns the alert engine.
func (c *Core) Alerts() *alert.Engine { return c.alerts }

// ─── Administrative surface ─────────────────────────────────────────────────
//
// These wrap the key store's mutations with audit entries. actor names who
// performed the action (an admin identity or "system").

// CreateKey mints a key and records the creation.
func (c *Core) CreateKey(actor string, p keystore.CreateParams) (*keystore.Key, error) {
	k, err := c.store.Create(p)
	if err != nil {
		return nil, err
	}
	c.audit.Append("key.create", actor, keystore.Truncate(k.Key), audit.Record{
		ActorType:  "admin",
		TargetType: "key",
		Details: map[string]any{
			"name":    k.Name,
			"credits": k.Credits,
		},
	})
	return k, nil
}

// RevokeKey permanently deactivates a key.
func (c *Core) RevokeKey(actor, keyOrAlias string) error {
	if err := c.store.Revoke(keyOrAlias); err != nil {
		return err
	}
	c.audit.Append("key.revoke", actor, keystore.Truncate(keyOrAlias), audit.Record{
		ActorType:  "admin",
		TargetType: "key",
	})
	return nil
}

// SuspendKey pauses a key.
func (c *Core) SuspendKey(actor, keyOrAlias string) error {
	if err := c.store.Suspend(keyOrAlias); err != nil {
		return err
	}
	c.audit.Append("key.suspend", actor, keystore.Truncate(keyOrAlias), audit.Record{
		ActorType:  "admin",
		TargetType: "key",
	})
	return nil
}

// ResumeKey lifts a suspension, including an automatic one.
func (c *Core) ResumeKey(actor, keyOrAlias string) error {
	if err := c.store.Resume(keyOrAlias); err != nil {
		return err
	}
	if k, ok := c.store.Resolve(keyOrAlias); ok {
		c.gate.spendCaps.ClearAutoSuspend(keystore.Truncate(k.Key))
	}
	c.audit.Append("key.resume", actor, keystore.Truncate(keyOrAlias), audit.Record{
		ActorType:  "admin",
		TargetType: "key",
	})
	return nil
}

// AddCredits tops up a key. Negative deltas floor the balance at zero.
func (c *Core) AddCredits(actor, keyOrAlias string, delta int64) error {
	if err := c.store.AddCredits(keyOrAlias, delta); err != nil {
		return err
	}
	c.audit.Append("key.credits", actor, keystore.Truncate(keyOrAlias), audit.Record{
		ActorType:  "admin",
		TargetType: "key",
		Details:    map[string]any{"delta": delta},
	})
	return nil
}

// SetAlias binds a human-readable alias to a key.
func (c *Core) SetAlias(actor, alias, keyOrAlias string) error {
	if err := c.store.SetAlias(alias, keyOrAlias); err != nil {
		return err
	}
	c.audit.Append("key.alias", actor, keystore.Truncate(keyOrAlias), audit.Record{
		ActorType:  "admin",
		TargetType: "key",
		Details:    map[string]any{"alias": alias},
	})
	return nil
}

// Snapshot serialises the key store and audit trail into a restorable
// document.
func (c *Core) Snapshot() (*keystore.Document, error) {
	entries, err := json.Marshal(c.audit.Entries())
	if err != nil {
		return nil, fmt.Errorf("toolgate: snapshot audit: %w", err)
	}
	return c.store.Snapshot(entries, nil), nil
}

// Restore replaces the key store's contents from a snapshot document.
func (c *Core) Restore(doc *keystore.Document) error {
	return c.store.Restore(doc)
}

// ─── Builder ─────────────────────────────────────────────────────────────────

// Builder provides a fluent API for assembling a Core.
//
//	core, err := toolgate.NewBuilder().
//	    Backend(backend).
//	    Gate(toolgate.GateConfig{RateLimitPerMin: 120}).
//	    Tracing(trace.Config{SampleRate: 0.1}).
//	    Build()
type Builder struct {
	gateCfg    GateConfig
	proxyCfg   ProxyConfig
	backend    Backend
	maxEvents  int
	maxAudit   int
	traceCfg   *trace.Config
	otlpCfg    *trace.EmitterConfig
	webhookCfg *webhook.Config
	eventsURL  string
	alertSink  alert.Sink
	opts       []Option
}

// NewBuilder returns a Builder with default configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

// Backend sets the upstream tool server. Required.
func (b *Builder) Backend(backend Backend) *Builder {
	b.backend = backend
	return b
}

// Gate sets the admission pipeline configuration.
func (b *Builder) Gate(cfg GateConfig) *Builder {
	b.gateCfg = cfg
	return b
}

// Proxy sets the executor configuration (retries, timeouts, breaker).
func (b *Builder) Proxy(cfg ProxyConfig) *Builder {
	b.proxyCfg = cfg
	return b
}

// MeterSize bounds the usage ring.
func (b *Builder) MeterSize(maxEvents int) *Builder {
	b.maxEvents = maxEvents
	return b
}

// AuditSize bounds the audit trail.
func (b *Builder) AuditSize(maxEntries int) *Builder {
	b.maxAudit = maxEntries
	return b
}

// Tracing enables the request tracer.
func (b *Builder) Tracing(cfg trace.Config) *Builder {
	b.traceCfg = &cfg
	return b
}

// OTLP enables span export to an OTLP/HTTP collector. Implies Tracing has
// been (or will be) configured.
func (b *Builder) OTLP(cfg trace.EmitterConfig) *Builder {
	b.otlpCfg = &cfg
	return b
}

// Webhooks enables batched event delivery.
func (b *Builder) Webhooks(cfg webhook.Config) *Builder {
	b.webhookCfg = &cfg
	return b
}

// UsageFeed routes every call outcome to url through the webhook batcher.
func (b *Builder) UsageFeed(url string) *Builder {
	b.eventsURL = url
	return b
}

// Alerts sets the alert sink. Without one, fired alerts are logged.
func (b *Builder) Alerts(sink alert.Sink) *Builder {
	b.alertSink = sink
	return b
}

// Options appends shared options (Redis client, logger, clock, prefixes).
func (b *Builder) Options(opts ...Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build validates the configuration and assembles the Core.
func (b *Builder) Build() (*Core, error) {
	if b.backend == nil {
		return nil, fmt.Errorf("toolgate: builder requires a Backend")
	}
	o := applyOptions(b.opts)

	store := keystore.NewStore(keystore.WithNow(o.Now))
	gate, err := NewGate(b.gateCfg, store, b.opts...)
	if err != nil {
		return nil, err
	}

	m := meter.New(b.maxEvents)

	var tracer *trace.Tracer
	if b.traceCfg != nil {
		tracer = trace.NewTracer(*b.traceCfg, trace.WithNow(o.Now))
	}

	proxy, err := NewProxy(b.proxyCfg, b.backend, gate, m, tracer, b.opts...)
	if err != nil {
		return nil, err
	}

	auditOpts := []audit.Option{audit.WithNow(o.Now)}
	if b.maxAudit > 0 {
		auditOpts = append(auditOpts, audit.WithMaxEntries(b.maxAudit))
	}
	trail := audit.NewTrail(auditOpts...)

	var emitter *trace.Emitter
	if b.otlpCfg != nil {
		if tracer == nil {
			return nil, fmt.Errorf("toolgate: OTLP export requires Tracing")
		}
		cfg := *b.otlpCfg
		if cfg.Logger == nil {
			cfg.Logger = o.Logger
		}
		emitter, err = trace.NewEmitter(cfg)
		if err != nil {
			return nil, err
		}
		proxy.SetEmitter(emitter)
	}

	var batcher *webhook.Batcher
	if b.webhookCfg != nil {
		cfg := *b.webhookCfg
		if cfg.Logger == nil {
			cfg.Logger = o.Logger
		}
		batcher, err = webhook.New(cfg)
		if err != nil {
			return nil, err
		}
	}
	if b.eventsURL != "" && batcher == nil {
		return nil, fmt.Errorf("toolgate: UsageFeed requires Webhooks")
	}

	sink := b.alertSink
	if sink == nil {
		logger := o.Logger
		sink = func(a alert.Alert) {
			logger.Warn("alert fired", "rule", a.Rule, "kind", a.Kind, "key", a.Key)
		}
	}
	alerts := alert.NewEngine(sink, alert.WithNow(o.Now))

	return &Core{
		store:     store,
		gate:      gate,
		proxy:     proxy,
		meter:     m,
		audit:     trail,
		tracer:    tracer,
		emitter:   emitter,
		batcher:   batcher,
		alerts:    alerts,
		eventsURL: b.eventsURL,
		opts:      o,
	}, nil
}
