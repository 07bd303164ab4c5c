// Package policy evaluates ordered allow/deny rules against call context and
// manages sandbox (try-before-buy) admission for unpaid keys.
package policy

import (
	"fmt"
	"sync"
	"time"
)

// Effect is a rule outcome.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Conditions narrows a rule. Every present field must match for the rule to
// match; zero values match everything.
type Conditions struct {
	// Tool matches the tool name exactly.
	Tool string `json:"tool,omitempty"`

	// Key matches the truncated API key.
	Key string `json:"key,omitempty"`

	// IP matches the caller address exactly.
	IP string `json:"ip,omitempty"`

	// After and Before bound the evaluation wall-clock time.
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// Rule is one ordered allow/deny rule.
type Rule struct {
	Name     string `json:"name"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`

	// Disabled parks the rule without removing it. A freshly registered
	// rule is active.
	Disabled bool `json:"disabled,omitempty"`

	Conditions Conditions `json:"conditions"`
}

// Context is the call context a rule set is evaluated against.
type Context struct {
	Key  string // truncated API key
	Tool string
	IP   string
	Now  time.Time
}

// Evaluation is the result of Engine.Evaluate: the winning effect and rule
// plus every matching rule for auditability.
type Evaluation struct {
	Effect  Effect
	Rule    string   // winning rule name; empty when the default applied
	Matched []string // all matching rule names, in registration order
}

// Engine holds an ordered rule list. The highest-priority matching enabled
// rule decides; ties break by registration order; with no match the default
// effect applies.
type Engine struct {
	mu            sync.RWMutex
	rules         []Rule
	defaultEffect Effect
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDefaultEffect sets the effect applied when no rule matches.
// Default Allow.
func WithDefaultEffect(e Effect) EngineOption {
	return func(en *Engine) { en.defaultEffect = e }
}

// NewEngine creates an Engine with no rules.
func NewEngine(opts ...EngineOption) *Engine {
	en := &Engine{defaultEffect: Allow}
	for _, o := range opts {
		o(en)
	}
	return en
}

// Register validates and appends a rule. Invalid rules are rejected
// synchronously and never enter the running set.
func (en *Engine) Register(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("policy: rule name is required")
	}
	if r.Effect != Allow && r.Effect != Deny {
		return fmt.Errorf("policy: rule %q: effect must be allow or deny", r.Name)
	}
	if r.Conditions.After != nil && r.Conditions.Before != nil &&
		!r.Conditions.After.Before(*r.Conditions.Before) {
		return fmt.Errorf("policy: rule %q: after must precede before", r.Name)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	for _, existing := range en.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("policy: rule %q already registered", r.Name)
		}
	}
	en.rules = append(en.rules, r)
	return nil
}

// Remove drops a rule by name.
func (en *Engine) Remove(name string) bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	for i, r := range en.rules {
		if r.Name == name {
			en.rules = append(en.rules[:i], en.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a rule without removing it.
func (en *Engine) SetEnabled(name string, enabled bool) bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	for i := range en.rules {
		if en.rules[i].Name == name {
			en.rules[i].Disabled = !enabled
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule list in registration order.
func (en *Engine) Rules() []Rule {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return append([]Rule(nil), en.rules...)
}

func (c Conditions) matches(ctx Context) bool {
	if c.Tool != "" && c.Tool != ctx.Tool {
		return false
	}
	if c.Key != "" && c.Key != ctx.Key {
		return false
	}
	if c.IP != "" && c.IP != ctx.IP {
		return false
	}
	if c.After != nil && ctx.Now.Before(*c.After) {
		return false
	}
	if c.Before != nil && !ctx.Now.Before(*c.Before) {
		return false
	}
	return true
}

// Evaluate scans enabled rules and returns the winning effect, the winning
// rule, and every rule that matched.
func (en *Engine) Evaluate(ctx Context) Evaluation {
	en.mu.RLock()
	defer en.mu.RUnlock()

	var winner *Rule
	var matched []string
	for i := range en.rules {
		r := &en.rules[i]
		if r.Disabled || !r.Conditions.matches(ctx) {
			continue
		}
		matched = append(matched, r.Name)
		if winner == nil || r.Priority > winner.Priority {
			winner = r
		}
	}

	if winner == nil {
		return Evaluation{Effect: en.defaultEffect, Matched: matched}
	}
	return Evaluation{Effect: winner.Effect, Rule: winner.Name, Matched: matched}
}
