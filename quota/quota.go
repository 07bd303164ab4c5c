// Package quota enforces per-key call and credit budgets: daily/monthly
// quotas with lazy period resets, periodic quotas with percent rollover, and
// server-wide plus per-key hourly spend caps with optional auto-suspend.
package quota

import (
	"fmt"
	"time"

	"github.com/toolgate/toolgate/keystore"
)

// Deny reasons emitted by the tracker, named after the breached limit.
const (
	ReasonDailyCalls     = "quota_daily_calls"
	ReasonMonthlyCalls   = "quota_monthly_calls"
	ReasonDailyCredits   = "quota_daily_credits"
	ReasonMonthlyCredits = "quota_monthly_credits"
)

// Tracker enforces the daily and monthly windows of a key's QuotaConfig.
// All methods expect to run under the key's stripe lock (keystore.Store.With)
// and mutate the record's counters in place.
type Tracker struct {
	now func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// roll resets stale counters at the first access of a new day or month. The
// reset clears only the enforcement-window counters, never recorded events.
func (t *Tracker) roll(k *keystore.Key) {
	now := t.now()
	if day := dayKey(now); k.QuotaLastResetDay != day {
		k.QuotaDailyCalls = 0
		k.QuotaDailyCredits = 0
		k.QuotaLastResetDay = day
	}
	if month := monthKey(now); k.QuotaLastResetMonth != month {
		k.QuotaMonthlyCalls = 0
		k.QuotaMonthlyCredits = 0
		k.QuotaLastResetMonth = month
	}
}

// Check rolls stale windows, then reports whether charging cost would breach
// any enabled limit. It does not record.
func (t *Tracker) Check(k *keystore.Key, cost int64) (ok bool, reason string) {
	t.roll(k)
	q := k.Quota
	switch {
	case q.DailyCallLimit > 0 && k.QuotaDailyCalls+1 > q.DailyCallLimit:
		return false, ReasonDailyCalls
	case q.MonthlyCallLimit > 0 && k.QuotaMonthlyCalls+1 > q.MonthlyCallLimit:
		return false, ReasonMonthlyCalls
	case q.DailyCreditLimit > 0 && k.QuotaDailyCredits+cost > q.DailyCreditLimit:
		return false, ReasonDailyCredits
	case q.MonthlyCreditLimit > 0 && k.QuotaMonthlyCredits+cost > q.MonthlyCreditLimit:
		return false, ReasonMonthlyCredits
	}
	return true, ""
}

// Record charges one call of the given credit cost against the windows.
func (t *Tracker) Record(k *keystore.Key, cost int64) {
	t.roll(k)
	k.QuotaDailyCalls++
	k.QuotaMonthlyCalls++
	k.QuotaDailyCredits += cost
	k.QuotaMonthlyCredits += cost
}

// Unrecord compensates a Record after a proxy-failure rollback. Counters
// floor at zero so a reset between Record and Unrecord never drives them
// negative.
func (t *Tracker) Unrecord(k *keystore.Key, cost int64) {
	k.QuotaDailyCalls = floorZero(k.QuotaDailyCalls - 1)
	k.QuotaMonthlyCalls = floorZero(k.QuotaMonthlyCalls - 1)
	k.QuotaDailyCredits = floorZero(k.QuotaDailyCredits - cost)
	k.QuotaMonthlyCredits = floorZero(k.QuotaMonthlyCredits - cost)
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Remaining summarises headroom for one key, for reports and alerts.
type Remaining struct {
	DailyCalls     int64
	MonthlyCalls   int64
	DailyCredits   int64
	MonthlyCredits int64
}

// Remaining computes per-window headroom; limits of zero report -1
// (unlimited).
func (t *Tracker) Remaining(k *keystore.Key) Remaining {
	t.roll(k)
	rem := func(limit, used int64) int64 {
		if limit <= 0 {
			return -1
		}
		return floorZero(limit - used)
	}
	return Remaining{
		DailyCalls:     rem(k.Quota.DailyCallLimit, k.QuotaDailyCalls),
		MonthlyCalls:   rem(k.Quota.MonthlyCallLimit, k.QuotaMonthlyCalls),
		DailyCredits:   rem(k.Quota.DailyCreditLimit, k.QuotaDailyCredits),
		MonthlyCredits: rem(k.Quota.MonthlyCreditLimit, k.QuotaMonthlyCredits),
	}
}

func (r Remaining) String() string {
	return fmt.Sprintf("daily_calls=%d monthly_calls=%d daily_credits=%d monthly_credits=%d",
		r.DailyCalls, r.MonthlyCalls, r.DailyCredits, r.MonthlyCredits)
}
