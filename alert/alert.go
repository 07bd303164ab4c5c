// Package alert evaluates threshold rules against key snapshots on each gate
// evaluation and fires notifications through a configurable sink, with
// per-rule-per-key cooldowns.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/toolgate/toolgate/keystore"
)

// Kind selects a rule's evaluator.
type Kind string

const (
	// SpendingThreshold fires when the spent share of the key's lifetime
	// budget reaches Threshold percent.
	SpendingThreshold Kind = "spending_threshold"

	// CreditsLow fires when the balance drops to Threshold credits.
	CreditsLow Kind = "credits_low"

	// QuotaWarning fires when any configured daily/monthly call quota
	// reaches Threshold percent used.
	QuotaWarning Kind = "quota_warning"

	// KeyExpirySoon fires when the key expires within Threshold seconds.
	KeyExpirySoon Kind = "key_expiry_soon"

	// RateLimitSpike fires when the key accumulated Threshold denials in
	// the last five minutes. Requires RecordRateLimitDenial on each
	// denial.
	RateLimitSpike Kind = "rate_limit_spike"
)

const spikeWindow = 5 * time.Minute

// Rule is one configured alert rule.
type Rule struct {
	Name      string
	Kind      Kind
	Threshold float64
	Cooldown  time.Duration

	// DryRun evaluates the rule without firing the sink.
	DryRun bool
}

// Alert is one fired notification.
type Alert struct {
	Rule      string            `json:"rule"`
	Kind      Kind              `json:"kind"`
	Key       string            `json:"key"` // truncated
	KeyName   string            `json:"keyName,omitempty"`
	Message   string            `json:"message"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink receives fired alerts.
type Sink func(Alert)

// Engine evaluates rules against key snapshots.
type Engine struct {
	mu        sync.Mutex
	rules     []Rule
	lastFired map[string]time.Time   // rule|key -> time
	denials   map[string][]time.Time // key -> denial times within window
	sink      Sink
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine delivering to sink. A nil sink discards
// alerts, which is only useful with DryRun rules.
func NewEngine(sink Sink, opts ...Option) *Engine {
	e := &Engine{
		lastFired: make(map[string]time.Time),
		denials:   make(map[string][]time.Time),
		sink:      sink,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register validates and adds a rule.
func (e *Engine) Register(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("alert: rule name is required")
	}
	switch r.Kind {
	case SpendingThreshold, CreditsLow, QuotaWarning, KeyExpirySoon, RateLimitSpike:
	default:
		return fmt.Errorf("alert: rule %q: unknown kind %q", r.Name, r.Kind)
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("alert: rule %q: threshold must be positive", r.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("alert: rule %q already registered", r.Name)
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

// RecordRateLimitDenial feeds the rate_limit_spike window. key may be full
// or truncated.
func (e *Engine) RecordRateLimitDenial(key string) {
	key = keystore.Truncate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	times := e.denials[key]
	kept := times[:0]
	for _, t := range times {
		if now.Sub(t) < spikeWindow {
			kept = append(kept, t)
		}
	}
	e.denials[key] = append(kept, now)
}

// Check evaluates every rule against the key snapshot, firing alerts whose
// cooldown has elapsed. Fired alerts are returned; DryRun alerts are
// returned but not sent to the sink.
func (e *Engine) Check(k *keystore.Key, context map[string]string) []Alert {
	truncated := keystore.Truncate(k.Key)

	e.mu.Lock()
	now := e.now()
	var fired []Alert
	var toSink []Alert
	for _, r := range e.rules {
		cooldownKey := r.Name + "|" + truncated
		if last, ok := e.lastFired[cooldownKey]; ok && r.Cooldown > 0 && now.Sub(last) < r.Cooldown {
			continue
		}
		value, msg, hit := e.evaluate(r, k, truncated, now)
		if !hit {
			continue
		}
		e.lastFired[cooldownKey] = now
		a := Alert{
			Rule:      r.Name,
			Kind:      r.Kind,
			Key:       truncated,
			KeyName:   k.Name,
			Message:   msg,
			Value:     value,
			Threshold: r.Threshold,
			Context:   context,
			Timestamp: now,
		}
		fired = append(fired, a)
		if !r.DryRun {
			toSink = append(toSink, a)
		}
	}
	sink := e.sink
	e.mu.Unlock()

	if sink != nil {
		for _, a := range toSink {
			sink(a)
		}
	}
	return fired
}

// evaluate returns the observed value, a message, and whether the rule hit.
// Called under mu.
func (e *Engine) evaluate(r Rule, k *keystore.Key, truncated string, now time.Time) (float64, string, bool) {
	switch r.Kind {
	case SpendingThreshold:
		total := k.Credits + k.TotalSpent
		if total <= 0 {
			return 0, "", false
		}
		pct := float64(k.TotalSpent) / float64(total) * 100
		if pct >= r.Threshold {
			return pct, fmt.Sprintf("key %s has spent %.1f%% of its budget", truncated, pct), true
		}

	case CreditsLow:
		if float64(k.Credits) <= r.Threshold {
			return float64(k.Credits), fmt.Sprintf("key %s is down to %d credits", truncated, k.Credits), true
		}

	case QuotaWarning:
		type window struct {
			name  string
			used  int64
			limit int64
		}
		for _, w := range []window{
			{"daily", k.QuotaDailyCalls, k.Quota.DailyCallLimit},
			{"monthly", k.QuotaMonthlyCalls, k.Quota.MonthlyCallLimit},
		} {
			if w.limit <= 0 {
				continue
			}
			pct := float64(w.used) / float64(w.limit) * 100
			if pct >= r.Threshold {
				return pct, fmt.Sprintf("key %s used %.1f%% of its %s call quota", truncated, pct, w.name), true
			}
		}

	case KeyExpirySoon:
		if k.ExpiresAt == nil {
			return 0, "", false
		}
		left := k.ExpiresAt.Sub(now)
		if left > 0 && left.Seconds() <= r.Threshold {
			return left.Seconds(), fmt.Sprintf("key %s expires in %s", truncated, left.Round(time.Second)), true
		}

	case RateLimitSpike:
		times := e.denials[truncated]
		count := 0
		for _, t := range times {
			if now.Sub(t) < spikeWindow {
				count++
			}
		}
		if float64(count) >= r.Threshold {
			return float64(count), fmt.Sprintf("key %s hit %d rate-limit denials in 5m", truncated, count), true
		}
	}
	return 0, "", false
}
