package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandbox_RegisterValidation(t *testing.T) {
	m := NewSandboxManager()
	assert.Error(t, m.RegisterPolicy(SandboxPolicy{}), "name required")
	assert.Error(t, m.RegisterPolicy(SandboxPolicy{Name: "trial", MaxCalls: 5}), "window required with maxCalls")
	assert.NoError(t, m.RegisterPolicy(SandboxPolicy{Name: "trial", MaxCalls: 5, Window: time.Hour}))

	p, ok := m.Policy("trial")
	require.True(t, ok)
	assert.Equal(t, 5, p.MaxCalls)
}

func TestSandbox_ToolSurface(t *testing.T) {
	m := NewSandboxManager()
	require.NoError(t, m.RegisterPolicy(SandboxPolicy{
		Name:         "trial",
		AllowedTools: []string{"search", "fetch"},
		DeniedTools:  []string{"fetch"},
	}))

	ok, _ := m.Admit("trial", "k", "search")
	assert.True(t, ok)

	ok, reason := m.Admit("trial", "k", "delete")
	assert.False(t, ok)
	assert.Equal(t, ReasonSandboxToolNotAllowed, reason)

	// The deny list wins even when the tool is also whitelisted.
	ok, reason = m.Admit("trial", "k", "fetch")
	assert.False(t, ok)
	assert.Equal(t, ReasonSandboxToolDenied, reason)
}

func TestSandbox_MissingPolicyDenies(t *testing.T) {
	m := NewSandboxManager()
	ok, reason := m.Admit("ghost", "k", "search")
	assert.False(t, ok)
	assert.Equal(t, ReasonSandboxToolNotAllowed, reason)
}

func TestSandbox_WindowedBudget(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	m := NewSandboxManager(WithSandboxNow(func() time.Time { return now }))
	require.NoError(t, m.RegisterPolicy(SandboxPolicy{
		Name:     "trial",
		MaxCalls: 2,
		Window:   time.Hour,
	}))

	for i := 0; i < 2; i++ {
		ok, _ := m.Admit("trial", "k", "search")
		require.True(t, ok, "call %d", i+1)
	}
	ok, reason := m.Admit("trial", "k", "search")
	assert.False(t, ok)
	assert.Equal(t, ReasonSandboxLimitExceeded, reason)

	// Budgets are per key.
	ok, _ = m.Admit("trial", "other", "search")
	assert.True(t, ok)

	// The window resets after its duration.
	now = now.Add(time.Hour)
	ok, _ = m.Admit("trial", "k", "search")
	assert.True(t, ok)
}

func TestSandbox_ResetWindow(t *testing.T) {
	m := NewSandboxManager()
	require.NoError(t, m.RegisterPolicy(SandboxPolicy{Name: "trial", MaxCalls: 1, Window: time.Hour}))

	m.Admit("trial", "k", "search")
	ok, _ := m.Admit("trial", "k", "search")
	require.False(t, ok)

	m.ResetWindow("k")
	ok, _ = m.Admit("trial", "k", "search")
	assert.True(t, ok)
}
