package policy

import (
	"fmt"
	"sync"
	"time"
)

// Sandbox deny reasons.
const (
	ReasonSandboxToolDenied     = "sandbox_tool_denied"
	ReasonSandboxToolNotAllowed = "sandbox_tool_not_allowed"
	ReasonSandboxLimitExceeded  = "sandbox_limit_exceeded"
)

// SandboxPolicy is one try-before-buy profile: a restricted tool surface and
// a windowed call budget.
type SandboxPolicy struct {
	Name         string
	AllowedTools []string
	DeniedTools  []string

	// MaxCalls caps admissions per Window. Zero means unlimited.
	MaxCalls int
	Window   time.Duration
}

type sandboxWindow struct {
	start time.Time
	count int
}

// SandboxManager evaluates sandbox admission for keys assigned a policy.
type SandboxManager struct {
	mu       sync.Mutex
	policies map[string]SandboxPolicy
	windows  map[string]*sandboxWindow // key -> current window
	now      func() time.Time
}

// SandboxOption configures a SandboxManager.
type SandboxOption func(*SandboxManager)

// WithSandboxNow overrides the clock. Intended for tests.
func WithSandboxNow(now func() time.Time) SandboxOption {
	return func(m *SandboxManager) { m.now = now }
}

// NewSandboxManager creates an empty SandboxManager.
func NewSandboxManager(opts ...SandboxOption) *SandboxManager {
	m := &SandboxManager{
		policies: make(map[string]SandboxPolicy),
		windows:  make(map[string]*sandboxWindow),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterPolicy validates and installs a sandbox policy.
func (m *SandboxManager) RegisterPolicy(p SandboxPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy: sandbox policy name is required")
	}
	if p.MaxCalls > 0 && p.Window <= 0 {
		return fmt.Errorf("policy: sandbox policy %q: window required with maxCalls", p.Name)
	}
	m.mu.Lock()
	m.policies[p.Name] = p
	m.mu.Unlock()
	return nil
}

// Policy returns an installed policy by name.
func (m *SandboxManager) Policy(name string) (SandboxPolicy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[name]
	return p, ok
}

// Admit evaluates one call for a key assigned the named policy: tool deny
// list first, then the whitelist, then the windowed counter. Admission
// increments the counter.
func (m *SandboxManager) Admit(policyName, key, tool string) (ok bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.policies[policyName]
	if !exists {
		// Assignment to a missing policy is a configuration error; be
		// conservative and deny.
		return false, ReasonSandboxToolNotAllowed
	}

	for _, t := range p.DeniedTools {
		if t == tool {
			return false, ReasonSandboxToolDenied
		}
	}
	if len(p.AllowedTools) > 0 {
		found := false
		for _, t := range p.AllowedTools {
			if t == tool {
				found = true
				break
			}
		}
		if !found {
			return false, ReasonSandboxToolNotAllowed
		}
	}

	if p.MaxCalls > 0 {
		now := m.now()
		w := m.windows[key]
		if w == nil || now.Sub(w.start) >= p.Window {
			w = &sandboxWindow{start: now}
			m.windows[key] = w
		}
		if w.count >= p.MaxCalls {
			return false, ReasonSandboxLimitExceeded
		}
		w.count++
	}
	return true, ""
}

// ResetWindow clears the windowed counter for a key.
func (m *SandboxManager) ResetWindow(key string) {
	m.mu.Lock()
	delete(m.windows, key)
	m.mu.Unlock()
}
