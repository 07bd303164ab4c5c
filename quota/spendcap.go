package quota

import (
	"sync"
	"time"

	"github.com/toolgate/toolgate/keystore"
)

// BreachAction selects what a spend-cap breach does beyond rejecting.
type BreachAction string

const (
	// BreachDeny rejects the call and nothing else.
	BreachDeny BreachAction = "deny"

	// BreachSuspend rejects the call and auto-suspends the key.
	BreachSuspend BreachAction = "suspend"
)

// Spend-cap deny reasons.
const (
	ReasonServerDailyCallCap   = "server_daily_call_cap"
	ReasonServerDailyCreditCap = "server_daily_credit_cap"
	ReasonHourlyCallCap        = "hourly_call_cap"
	ReasonHourlyCreditCap      = "hourly_credit_cap"
)

// SpendCapConfig configures a SpendCapManager. Zero caps mean no limit.
type SpendCapConfig struct {
	ServerDailyCallCap   int64
	ServerDailyCreditCap int64

	// BreachAction applies to per-key hourly breaches. Default deny.
	BreachAction BreachAction

	// AutoResumeAfter lifts an auto-suspension after this duration. Zero
	// keeps the key suspended until ClearAutoSuspend.
	AutoResumeAfter time.Duration

	// Notify receives lifecycle events ("auto-resume") for a key. Optional.
	Notify func(key, event string)
}

type serverDay struct {
	resetDay     string
	dailyCalls   int64
	dailyCredits int64
}

type keyHour struct {
	hour          string // YYYY-MM-DDTHH
	hourlyCalls   int64
	hourlyCredits int64
}

// SpendCapManager tracks the server-wide daily spend and per-key hourly
// spend, and owns the auto-suspend ledger. Keys in the maps are the metering
// identity of the API key (the truncated form works as long as it is used
// consistently).
type SpendCapManager struct {
	mu  sync.Mutex
	cfg SpendCapConfig
	now func() time.Time

	server        serverDay
	hours         map[string]*keyHour
	autoSuspended map[string]time.Time
}

// SpendCapOption configures a SpendCapManager.
type SpendCapOption func(*SpendCapManager)

// WithSpendCapNow overrides the clock. Intended for tests.
func WithSpendCapNow(now func() time.Time) SpendCapOption {
	return func(m *SpendCapManager) { m.now = now }
}

// NewSpendCapManager creates a SpendCapManager.
func NewSpendCapManager(cfg SpendCapConfig, opts ...SpendCapOption) *SpendCapManager {
	if cfg.BreachAction == "" {
		cfg.BreachAction = BreachDeny
	}
	m := &SpendCapManager{
		cfg:           cfg,
		now:           time.Now,
		hours:         make(map[string]*keyHour),
		autoSuspended: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func hourKey(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

// rollServer resets the daily counters at the first touch of a new day.
// Called under mu.
func (m *SpendCapManager) rollServer() {
	day := dayKey(m.now())
	if m.server.resetDay != day {
		m.server = serverDay{resetDay: day}
	}
}

// hourFor returns the current-hour bucket for key, rotating a stale one.
// Called under mu.
func (m *SpendCapManager) hourFor(key string) *keyHour {
	hour := hourKey(m.now())
	h, ok := m.hours[key]
	if !ok || h.hour != hour {
		h = &keyHour{hour: hour}
		m.hours[key] = h
	}
	return h
}

// CheckServerCap reports whether charging cost would breach a server-wide
// daily cap.
func (m *SpendCapManager) CheckServerCap(cost int64) (ok bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollServer()

	if m.cfg.ServerDailyCallCap > 0 && m.server.dailyCalls+1 > m.cfg.ServerDailyCallCap {
		return false, ReasonServerDailyCallCap
	}
	if m.cfg.ServerDailyCreditCap > 0 && m.server.dailyCredits+cost > m.cfg.ServerDailyCreditCap {
		return false, ReasonServerDailyCreditCap
	}
	return true, ""
}

// CheckHourlyCap reports whether charging cost would breach the key's hourly
// limits from its quota config. Under the suspend breach action the key is
// additionally flagged auto-suspended.
func (m *SpendCapManager) CheckHourlyCap(key string, cost int64, q keystore.QuotaConfig) (ok bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hourFor(key)
	switch {
	case q.HourlyCallLimit > 0 && h.hourlyCalls+1 > q.HourlyCallLimit:
		reason = ReasonHourlyCallCap
	case q.HourlyCreditLimit > 0 && h.hourlyCredits+cost > q.HourlyCreditLimit:
		reason = ReasonHourlyCreditCap
	default:
		return true, ""
	}

	if m.cfg.BreachAction == BreachSuspend {
		if _, already := m.autoSuspended[key]; !already {
			m.autoSuspended[key] = m.now()
		}
	}
	return false, reason
}

// Record charges one call against both ledgers.
func (m *SpendCapManager) Record(key string, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollServer()
	m.server.dailyCalls++
	m.server.dailyCredits += cost

	h := m.hourFor(key)
	h.hourlyCalls++
	h.hourlyCredits += cost
}

// Unrecord compensates a Record after a proxy-failure rollback.
func (m *SpendCapManager) Unrecord(key string, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollServer()
	m.server.dailyCalls = floorZero(m.server.dailyCalls - 1)
	m.server.dailyCredits = floorZero(m.server.dailyCredits - cost)

	h := m.hourFor(key)
	h.hourlyCalls = floorZero(h.hourlyCalls - 1)
	h.hourlyCredits = floorZero(h.hourlyCredits - cost)
}

// IsAutoSuspended reports whether key is under an active auto-suspension.
// When the auto-resume window has elapsed the flag is cleared and the
// configured sink is notified once.
func (m *SpendCapManager) IsAutoSuspended(key string) bool {
	m.mu.Lock()
	suspendedAt, ok := m.autoSuspended[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if m.cfg.AutoResumeAfter <= 0 || m.now().Sub(suspendedAt) < m.cfg.AutoResumeAfter {
		m.mu.Unlock()
		return true
	}
	delete(m.autoSuspended, key)
	notify := m.cfg.Notify
	m.mu.Unlock()

	if notify != nil {
		notify(key, "auto-resume")
	}
	return false
}

// ClearAutoSuspend lifts an auto-suspension manually.
func (m *SpendCapManager) ClearAutoSuspend(key string) {
	m.mu.Lock()
	delete(m.autoSuspended, key)
	m.mu.Unlock()
}

// SweepAutoSuspended clears every expired auto-suspension, notifying the
// sink for each. The background ticker calls this so keys resume even when
// idle.
func (m *SpendCapManager) SweepAutoSuspended() {
	if m.cfg.AutoResumeAfter <= 0 {
		return
	}
	m.mu.Lock()
	var resumed []string
	for key, at := range m.autoSuspended {
		if m.now().Sub(at) >= m.cfg.AutoResumeAfter {
			delete(m.autoSuspended, key)
			resumed = append(resumed, key)
		}
	}
	notify := m.cfg.Notify
	m.mu.Unlock()

	if notify != nil {
		for _, key := range resumed {
			notify(key, "auto-resume")
		}
	}
}

// ServerUsage is an observability snapshot of the server-wide daily ledger.
type ServerUsage struct {
	Day     string
	Calls   int64
	Credits int64
}

// ServerUsage returns the current server-wide daily totals.
func (m *SpendCapManager) ServerUsage() ServerUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollServer()
	return ServerUsage{Day: m.server.resetDay, Calls: m.server.dailyCalls, Credits: m.server.dailyCredits}
}
