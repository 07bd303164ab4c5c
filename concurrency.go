package toolgate

import (
	"log/slog"
	"sync"
)

// ConcurrencyConfig caps in-flight calls. Zero means unlimited.
type ConcurrencyConfig struct {
	MaxPerKey  int
	MaxPerTool int
}

// ConcurrencyLimiter tracks in-flight calls per key, per tool, and per
// (key, tool). Acquire never blocks: a false return is the caller's signal
// to translate the outcome into a denial. Every successful Acquire must be
// paired with exactly one Release on all terminating paths.
type ConcurrencyLimiter struct {
	mu        sync.Mutex
	cfg       ConcurrencyConfig
	byKey     map[string]int
	byTool    map[string]int
	byKeyTool map[string]int

	logger *slog.Logger

	// onViolation is invoked for a Release with no matching Acquire.
	onViolation func()
}

// NewConcurrencyLimiter creates a ConcurrencyLimiter.
func NewConcurrencyLimiter(cfg ConcurrencyConfig, opts ...Option) *ConcurrencyLimiter {
	o := applyOptions(opts)
	return &ConcurrencyLimiter{
		cfg:       cfg,
		byKey:     make(map[string]int),
		byTool:    make(map[string]int),
		byKeyTool: make(map[string]int),
		logger:    o.Logger,
	}
}

// OnViolation registers a hook fired on unbalanced Release calls, typically
// a health counter increment.
func (c *ConcurrencyLimiter) OnViolation(fn func()) {
	c.mu.Lock()
	c.onViolation = fn
	c.mu.Unlock()
}

// Acquire reserves an in-flight slot for (key, tool). It returns false when
// either the per-key or per-tool cap is saturated; no counters change in
// that case.
func (c *ConcurrencyLimiter) Acquire(key, tool string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxPerKey > 0 && c.byKey[key] >= c.cfg.MaxPerKey {
		return false
	}
	if c.cfg.MaxPerTool > 0 && c.byTool[tool] >= c.cfg.MaxPerTool {
		return false
	}

	c.byKey[key]++
	c.byTool[tool]++
	c.byKeyTool[key+"|"+tool]++
	return true
}

// Release returns the slot held by a prior Acquire. Entries are removed at
// zero so idle keys cost nothing.
func (c *ConcurrencyLimiter) Release(key, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kt := key + "|" + tool
	if c.byKey[key] <= 0 || c.byTool[tool] <= 0 || c.byKeyTool[kt] <= 0 {
		c.logger.Error("concurrency release without acquire",
			"key", key, "tool", tool)
		if c.onViolation != nil {
			c.onViolation()
		}
		return
	}

	c.decrement(c.byKey, key)
	c.decrement(c.byTool, tool)
	c.decrement(c.byKeyTool, kt)
}

func (c *ConcurrencyLimiter) decrement(m map[string]int, k string) {
	m[k]--
	if m[k] <= 0 {
		delete(m, k)
	}
}

// InFlightKey returns the in-flight count for a key.
func (c *ConcurrencyLimiter) InFlightKey(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKey[key]
}

// InFlightTool returns the in-flight count for a tool.
func (c *ConcurrencyLimiter) InFlightTool(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byTool[tool]
}

// InFlightKeyTool returns the in-flight count for one (key, tool) pair.
func (c *ConcurrencyLimiter) InFlightKeyTool(key, tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKeyTool[key+"|"+tool]
}
