package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollover_AssignValidation(t *testing.T) {
	m := NewRolloverManager()
	assert.Error(t, m.Assign("k", RolloverConfig{Limit: 0}))
	assert.Error(t, m.Assign("k", RolloverConfig{Limit: 10, RolloverPercent: 101}))
	assert.Error(t, m.Assign("k", RolloverConfig{Limit: 10, RolloverPercent: -1}))
	assert.NoError(t, m.Assign("k", RolloverConfig{Limit: 10, RolloverPercent: 50}))
}

func TestRollover_ConsumeWithinBudget(t *testing.T) {
	m := NewRolloverManager()
	require.NoError(t, m.Assign("k", RolloverConfig{Limit: 3}))

	ok, remaining := m.Consume("k", 2)
	assert.True(t, ok)
	assert.Equal(t, int64(1), remaining)

	ok, remaining = m.Consume("k", 2)
	assert.False(t, ok)
	assert.Equal(t, int64(1), remaining)

	ok, _ = m.Consume("k", 1)
	assert.True(t, ok)
}

func TestRollover_UnassignedKeysAdmitted(t *testing.T) {
	m := NewRolloverManager()
	ok, remaining := m.Consume("anyone", 100)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), remaining)
}

func TestRollover_CarryOver(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	m := NewRolloverManager(WithRolloverNow(func() time.Time { return now }))
	require.NoError(t, m.Assign("k", RolloverConfig{
		Limit:           10,
		Period:          PeriodDaily,
		RolloverPercent: 50,
	}))

	// Use 4 of 10; 6 unused, 50% carries 3 into the next day.
	m.Consume("k", 4)
	now = now.Add(24 * time.Hour)

	st, ok := m.Status("k")
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Rollover)
	assert.Equal(t, int64(0), st.Used)
	assert.Equal(t, int64(13), st.Remaining)
	assert.Equal(t, int64(1), st.PeriodsCompleted)

	ok, remaining := m.Consume("k", 13)
	assert.True(t, ok)
	assert.Equal(t, int64(0), remaining)
	ok, _ = m.Consume("k", 1)
	assert.False(t, ok)
}

func TestRollover_MaxRolloverCapsCarry(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	m := NewRolloverManager(WithRolloverNow(func() time.Time { return now }))
	require.NoError(t, m.Assign("k", RolloverConfig{
		Limit:           100,
		RolloverPercent: 100,
		MaxRollover:     10,
	}))

	now = now.Add(24 * time.Hour)
	st, _ := m.Status("k")
	assert.Equal(t, int64(10), st.Rollover)
}

func TestRollover_MultiplePeriodsElapse(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	m := NewRolloverManager(WithRolloverNow(func() time.Time { return now }))
	require.NoError(t, m.Assign("k", RolloverConfig{
		Limit:           10,
		Period:          PeriodHourly,
		RolloverPercent: 50,
	}))

	m.Consume("k", 10)
	// Three idle hours. Carry per period: 0 (all used), then 5, then
	// floor(15*50%) = 7.
	now = now.Add(3 * time.Hour)
	st, _ := m.Status("k")
	assert.Equal(t, int64(3), st.PeriodsCompleted)
	assert.Equal(t, int64(7), st.Rollover)
}

func TestRollover_Refund(t *testing.T) {
	m := NewRolloverManager()
	require.NoError(t, m.Assign("k", RolloverConfig{Limit: 2}))

	m.Consume("k", 2)
	ok, _ := m.Consume("k", 1)
	require.False(t, ok)

	m.Refund("k", 1)
	ok, _ = m.Consume("k", 1)
	assert.True(t, ok)

	// Flooring and unassigned keys are no-ops.
	m.Refund("k", 100)
	st, _ := m.Status("k")
	assert.Equal(t, int64(0), st.Used)
	m.Refund("missing", 1)
}

func TestRollover_Remove(t *testing.T) {
	m := NewRolloverManager()
	require.NoError(t, m.Assign("k", RolloverConfig{Limit: 1}))
	m.Consume("k", 1)
	ok, _ := m.Consume("k", 1)
	require.False(t, ok)

	m.Remove("k")
	ok, _ = m.Consume("k", 1)
	assert.True(t, ok, "removed quotas no longer constrain")
	_, found := m.Status("k")
	assert.False(t, found)
}
