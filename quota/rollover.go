package quota

import (
	"fmt"
	"sync"
	"time"
)

// ReasonRolloverExceeded denies a call whose key has exhausted its rollover
// period budget.
const ReasonRolloverExceeded = "quota_rollover_exceeded"

// Period is a rollover quota period.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) advance(t time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return t.Add(time.Hour)
	case PeriodWeekly:
		return t.AddDate(0, 0, 7)
	case PeriodMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// RolloverConfig configures one key's periodic quota with carry-over.
type RolloverConfig struct {
	// Limit is the per-period call budget.
	Limit int64

	// Period selects the window length. Default daily.
	Period Period

	// RolloverPercent is the share of unused budget carried into the next
	// period, 0..100.
	RolloverPercent int64

	// MaxRollover caps the carried amount. Zero means no cap.
	MaxRollover int64
}

// RolloverState is the live state of one key's rollover quota.
type RolloverState struct {
	Limit            int64     `json:"limit"`
	Period           Period    `json:"period"`
	Used             int64     `json:"used"`
	Rollover         int64     `json:"rollover"`
	PeriodStart      time.Time `json:"periodStart"`
	PeriodEnd        time.Time `json:"periodEnd"`
	RolloverPercent  int64     `json:"rolloverPercent"`
	MaxRollover      int64     `json:"maxRollover"`
	PeriodsCompleted int64     `json:"periodsCompleted"`
}

// RolloverStatus is a point-in-time view for reports.
type RolloverStatus struct {
	RolloverState
	Remaining int64 `json:"remaining"`
}

// RolloverManager owns per-key rollover quotas. It is independent of the
// tracker's calendar windows: periods are anchored at assignment time and
// advance lazily on the first Consume past PeriodEnd.
type RolloverManager struct {
	mu    sync.Mutex
	state map[string]*RolloverState
	now   func() time.Time
}

// RolloverOption configures a RolloverManager.
type RolloverOption func(*RolloverManager)

// WithRolloverNow overrides the clock. Intended for tests.
func WithRolloverNow(now func() time.Time) RolloverOption {
	return func(m *RolloverManager) { m.now = now }
}

// NewRolloverManager creates an empty RolloverManager.
func NewRolloverManager(opts ...RolloverOption) *RolloverManager {
	m := &RolloverManager{
		state: make(map[string]*RolloverState),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Assign installs a rollover quota for key, replacing any previous one.
func (m *RolloverManager) Assign(key string, cfg RolloverConfig) error {
	if cfg.Limit <= 0 {
		return fmt.Errorf("quota: rollover limit must be positive")
	}
	if cfg.RolloverPercent < 0 || cfg.RolloverPercent > 100 {
		return fmt.Errorf("quota: rollover percent must be in [0,100]")
	}
	if cfg.Period == "" {
		cfg.Period = PeriodDaily
	}
	now := m.now()
	m.mu.Lock()
	m.state[key] = &RolloverState{
		Limit:           cfg.Limit,
		Period:          cfg.Period,
		PeriodStart:     now,
		PeriodEnd:       cfg.Period.advance(now),
		RolloverPercent: cfg.RolloverPercent,
		MaxRollover:     cfg.MaxRollover,
	}
	m.mu.Unlock()
	return nil
}

// Remove drops the rollover quota for key.
func (m *RolloverManager) Remove(key string) {
	m.mu.Lock()
	delete(m.state, key)
	m.mu.Unlock()
}

// advance moves st forward until now < PeriodEnd. Each advance carries
// min(floor(unused * percent / 100), cap) into the new period.
func (m *RolloverManager) advance(st *RolloverState, now time.Time) {
	for !now.Before(st.PeriodEnd) {
		unused := st.Limit + st.Rollover - st.Used
		if unused < 0 {
			unused = 0
		}
		carry := unused * st.RolloverPercent / 100
		if st.MaxRollover > 0 && carry > st.MaxRollover {
			carry = st.MaxRollover
		}
		st.Rollover = carry
		st.Used = 0
		st.PeriodStart = st.PeriodEnd
		st.PeriodEnd = st.Period.advance(st.PeriodEnd)
		st.PeriodsCompleted++
	}
}

// Consume charges n calls against the key's rollover quota, advancing the
// period first when it is stale. Keys without an assigned quota are always
// admitted.
func (m *RolloverManager) Consume(key string, n int64) (ok bool, remaining int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.state[key]
	if !exists {
		return true, -1
	}
	m.advance(st, m.now())

	budget := st.Limit + st.Rollover
	if st.Used+n > budget {
		return false, budget - st.Used
	}
	st.Used += n
	return true, budget - st.Used
}

// Refund returns n calls to the key's current period, flooring at zero.
// Used when an admitted call fails downstream and its charge is rolled back.
func (m *RolloverManager) Refund(key string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.state[key]
	if !exists {
		return
	}
	st.Used -= n
	if st.Used < 0 {
		st.Used = 0
	}
}

// Status returns the current state, advancing a stale period so the view is
// never out of date.
func (m *RolloverManager) Status(key string) (*RolloverStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.state[key]
	if !exists {
		return nil, false
	}
	m.advance(st, m.now())
	out := *st
	return &RolloverStatus{
		RolloverState: out,
		Remaining:     st.Limit + st.Rollover - st.Used,
	}, true
}
