// Package metrics provides Prometheus instrumentation for the gateway.
//
// Wrap a Core to automatically record decisions, deny reasons, latency,
// backend retries and circuit state:
//
//	collector := metrics.NewCollector()
//	handler := metrics.Instrument(core, collector)
//	out := handler.Handle(ctx, apiKey, call)
//
// Decision counts are partitioned by tool and outcome (allowed / denied /
// shadow); denials additionally feed a per-reason counter.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolgate/toolgate"
)

// Collector holds Prometheus metric vectors for gateway instrumentation.
type Collector struct {
	decisions  *prometheus.CounterVec
	reasons    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	attempts   prometheus.Counter
	credits    prometheus.Counter
	breaker    prometheus.Gauge
	violations prometheus.Counter
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for request duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_decisions_total            counter   (tool, outcome)
//   - {namespace}_deny_reasons_total         counter   (reason)
//   - {namespace}_request_duration_seconds   histogram (outcome)
//   - {namespace}_backend_attempts_total     counter
//   - {namespace}_credits_charged_total      counter
//   - {namespace}_breaker_state              gauge     (0 closed, 1 half-open, 2 open)
//   - {namespace}_invariant_violations_total counter
//
// Default namespace is "toolgate".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "toolgate",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "decisions_total",
		Help:      "Total admission decisions partitioned by tool and outcome.",
	}, []string{"tool", "outcome"})

	reasons := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "deny_reasons_total",
		Help:      "Total denials partitioned by reason.",
	}, []string{"reason"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "request_duration_seconds",
		Help:      "End-to-end Handle latency in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"outcome"})

	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "backend_attempts_total",
		Help:      "Total backend attempts including retries.",
	})

	credits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "credits_charged_total",
		Help:      "Total credits committed.",
	})

	breaker := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "invariant_violations_total",
		Help:      "Total detected accounting violations (release without acquire).",
	})

	cfg.registry.MustRegister(decisions, reasons, duration, attempts, credits, breaker, violations)

	return &Collector{
		decisions:  decisions,
		reasons:    reasons,
		duration:   duration,
		attempts:   attempts,
		credits:    credits,
		breaker:    breaker,
		violations: violations,
	}
}

// ObserveOutcome records one completed Handle call.
func (c *Collector) ObserveOutcome(out *toolgate.Outcome, tool string, elapsed time.Duration) {
	d := out.Decision
	outcome := "denied"
	switch {
	case d.Shadow:
		outcome = "shadow"
	case d.Allowed:
		outcome = "allowed"
	}

	c.decisions.WithLabelValues(tool, outcome).Inc()
	c.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if !d.Allowed {
		c.reasons.WithLabelValues(baseReason(d.Reason)).Inc()
	}
	if out.Attempts > 0 {
		c.attempts.Add(float64(out.Attempts))
	}
	if d.Allowed && !d.Shadow {
		c.credits.Add(float64(d.Cost))
	}
}

// SetBreakerState publishes the breaker state as a gauge.
func (c *Collector) SetBreakerState(s toolgate.BreakerState) {
	switch s {
	case toolgate.BreakerOpen:
		c.breaker.Set(2)
	case toolgate.BreakerHalfOpen:
		c.breaker.Set(1)
	default:
		c.breaker.Set(0)
	}
}

// IncViolation counts one accounting violation.
func (c *Collector) IncViolation() {
	c.violations.Inc()
}

// baseReason strips the detail suffix ("tool_denied:search" -> "tool_denied")
// to keep the reason label low-cardinality.
func baseReason(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}

// Instrumented wraps a Core so every Handle call records metrics.
type Instrumented struct {
	core      *toolgate.Core
	collector *Collector
}

// Instrument wires a Collector to a Core. It also hooks the concurrency
// limiter's violation counter.
func Instrument(core *toolgate.Core, c *Collector) *Instrumented {
	core.Gate().Concurrency().OnViolation(c.IncViolation)
	return &Instrumented{core: core, collector: c}
}

// Handle delegates to the Core and records the outcome.
func (i *Instrumented) Handle(ctx context.Context, apiKey string, call toolgate.ToolCall) *toolgate.Outcome {
	start := time.Now()
	out := i.core.Handle(ctx, apiKey, call)
	i.collector.ObserveOutcome(out, call.Name, time.Since(start))
	i.collector.SetBreakerState(i.core.Proxy().Breaker().State())
	return out
}
