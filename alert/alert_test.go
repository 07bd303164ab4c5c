package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/keystore"
)

const bearer = "tg_0123456789abcdefghijklmnopqrstuvwxyzABCDEF"

func testEngine(t *testing.T) (*Engine, *[]Alert, *time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var sunk []Alert
	e := NewEngine(func(a Alert) { sunk = append(sunk, a) },
		WithNow(func() time.Time { return now }))
	return e, &sunk, &now
}

func TestRegister_Validation(t *testing.T) {
	e, _, _ := testEngine(t)
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid", Rule{Name: "low", Kind: CreditsLow, Threshold: 10}, false},
		{"missing name", Rule{Kind: CreditsLow, Threshold: 10}, true},
		{"unknown kind", Rule{Name: "x", Kind: "bogus", Threshold: 10}, true},
		{"zero threshold", Rule{Name: "y", Kind: CreditsLow}, true},
		{"duplicate name", Rule{Name: "low", Kind: QuotaWarning, Threshold: 50}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Register(tt.rule)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheck_SpendingThreshold(t *testing.T) {
	e, sunk, _ := testEngine(t)
	require.NoError(t, e.Register(Rule{Name: "spend80", Kind: SpendingThreshold, Threshold: 80}))

	k := &keystore.Key{Key: bearer, Name: "ci", Credits: 30, TotalSpent: 70}
	assert.Empty(t, e.Check(k, nil), "70% spent is under the threshold")

	k.Credits, k.TotalSpent = 15, 85
	fired := e.Check(k, map[string]string{"tool": "search"})
	require.Len(t, fired, 1)
	a := fired[0]
	assert.Equal(t, "spend80", a.Rule)
	assert.Equal(t, SpendingThreshold, a.Kind)
	assert.Equal(t, keystore.Truncate(bearer), a.Key)
	assert.Equal(t, "ci", a.KeyName)
	assert.InDelta(t, 85.0, a.Value, 0.001)
	assert.Equal(t, "search", a.Context["tool"])
	assert.Equal(t, *sunk, fired)
}

func TestCheck_SpendingThresholdZeroBudget(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Register(Rule{Name: "spend", Kind: SpendingThreshold, Threshold: 1})
	assert.Empty(t, e.Check(&keystore.Key{Key: bearer}, nil))
}

func TestCheck_CreditsLow(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Register(Rule{Name: "low", Kind: CreditsLow, Threshold: 10})

	assert.Empty(t, e.Check(&keystore.Key{Key: bearer, Credits: 11}, nil))

	fired := e.Check(&keystore.Key{Key: bearer, Credits: 10}, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, 10.0, fired[0].Value)
	assert.Contains(t, fired[0].Message, "10 credits")
}

func TestCheck_QuotaWarning(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Register(Rule{Name: "quota90", Kind: QuotaWarning, Threshold: 90})

	k := &keystore.Key{
		Key:             bearer,
		Quota:           keystore.QuotaConfig{DailyCallLimit: 100, MonthlyCallLimit: 1000},
		QuotaDailyCalls: 89,
	}
	assert.Empty(t, e.Check(k, nil))

	k.QuotaDailyCalls = 90
	fired := e.Check(k, nil)
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0].Message, "daily")

	// Monthly window trips independently.
	e.Register(Rule{Name: "quota-m", Kind: QuotaWarning, Threshold: 95})
	k.QuotaDailyCalls = 0
	k.QuotaMonthlyCalls = 950
	fired = e.Check(k, nil)
	require.Len(t, fired, 2)
	assert.Contains(t, fired[1].Message, "monthly")
}

func TestCheck_KeyExpirySoon(t *testing.T) {
	e, _, now := testEngine(t)
	e.Register(Rule{Name: "expiry", Kind: KeyExpirySoon, Threshold: 3600})

	far := now.Add(2 * time.Hour)
	assert.Empty(t, e.Check(&keystore.Key{Key: bearer, ExpiresAt: &far}, nil))

	soon := now.Add(30 * time.Minute)
	fired := e.Check(&keystore.Key{Key: bearer, ExpiresAt: &soon}, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, 1800.0, fired[0].Value)

	// Already expired keys are the gate's problem, not an expiry warning.
	past := now.Add(-time.Minute)
	assert.Empty(t, e.Check(&keystore.Key{Key: "tg_other0000000000000000000000000000000000000", ExpiresAt: &past}, nil))
}

func TestCheck_RateLimitSpike(t *testing.T) {
	e, _, now := testEngine(t)
	e.Register(Rule{Name: "spike", Kind: RateLimitSpike, Threshold: 3})
	k := &keystore.Key{Key: bearer}

	e.RecordRateLimitDenial(bearer)
	e.RecordRateLimitDenial(bearer)
	assert.Empty(t, e.Check(k, nil))

	e.RecordRateLimitDenial(bearer)
	fired := e.Check(k, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, 3.0, fired[0].Value)

	// Denials age out of the five minute window.
	*now = now.Add(6 * time.Minute)
	assert.Empty(t, e.Check(k, nil))
}

func TestCheck_Cooldown(t *testing.T) {
	e, sunk, now := testEngine(t)
	e.Register(Rule{Name: "low", Kind: CreditsLow, Threshold: 10, Cooldown: time.Hour})
	k := &keystore.Key{Key: bearer, Credits: 5}

	require.Len(t, e.Check(k, nil), 1)
	assert.Empty(t, e.Check(k, nil), "within cooldown the rule stays quiet")

	*now = now.Add(time.Hour)
	require.Len(t, e.Check(k, nil), 1)
	assert.Len(t, *sunk, 2)

	// Cooldowns are per key.
	other := &keystore.Key{Key: "tg_other0000000000000000000000000000000000000", Credits: 5}
	require.Len(t, e.Check(other, nil), 1)
}

func TestCheck_DryRunSkipsSink(t *testing.T) {
	e, sunk, _ := testEngine(t)
	e.Register(Rule{Name: "dry", Kind: CreditsLow, Threshold: 10, DryRun: true})

	fired := e.Check(&keystore.Key{Key: bearer, Credits: 5}, nil)
	require.Len(t, fired, 1)
	assert.Empty(t, *sunk, "dry-run alerts are returned but never delivered")
}

func TestRecordRateLimitDenial_AcceptsTruncated(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Register(Rule{Name: "spike", Kind: RateLimitSpike, Threshold: 2})

	// One denial recorded under the full bearer, one under the truncated
	// form, both land in the same window.
	e.RecordRateLimitDenial(bearer)
	e.RecordRateLimitDenial(keystore.Truncate(bearer))
	fired := e.Check(&keystore.Key{Key: bearer}, nil)
	require.Len(t, fired, 1)
	assert.Equal(t, 2.0, fired[0].Value)
}

func TestCheck_NilSinkStillReturns(t *testing.T) {
	e := NewEngine(nil)
	e.Register(Rule{Name: "low", Kind: CreditsLow, Threshold: 10})
	fired := e.Check(&keystore.Key{Key: bearer, Credits: 0}, nil)
	assert.Len(t, fired, 1)
}
