package toolgate

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open. Default 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a
	// probe. Default 30s.
	Cooldown time.Duration
}

// BreakerStats is an observability snapshot of a breaker.
type BreakerStats struct {
	State        BreakerState
	Failures     int64
	Successes    int64
	Rejections   int64
	LastFailure  time.Time
	OpenedAt     time.Time
	ConsecutiveF int
}

// CircuitBreaker guards one backend. Closed admits everything; after
// FailureThreshold consecutive failures it opens and rejects calls until
// Cooldown elapses, then lazily moves to half-open on the next AllowRequest
// and admits a single probe. A probe success closes the breaker, a probe
// failure re-opens it with a refreshed timestamp.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state       BreakerState
	consecutive int
	openedAt    time.Time
	probing     bool

	failures    int64
	successes   int64
	rejections  int64
	lastFailure time.Time
}

// NewCircuitBreaker creates a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	o := applyOptions(opts)
	return &CircuitBreaker{
		cfg:   cfg,
		now:   o.Now,
		state: BreakerClosed,
	}
}

// AllowRequest reports whether a call may proceed. In the open state the
// first call after the cooldown transitions to half-open and is admitted as
// the probe; further calls are rejected until the probe resolves.
func (b *CircuitBreaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		b.rejections++
		return false
	case BreakerHalfOpen:
		if b.probing {
			b.rejections++
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess reports a successful backend call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.consecutive = 0
	b.probing = false
	b.state = BreakerClosed
}

// RecordFailure reports a failed backend call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
		b.consecutive = 0
		return
	}

	b.consecutive++
	if b.consecutive >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.consecutive = 0
	}
}

// State returns the current state, resolving a lazily-pending half-open
// transition for observability.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Stats returns an observability snapshot.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		Rejections:   b.rejections,
		LastFailure:  b.lastFailure,
		OpenedAt:     b.openedAt,
		ConsecutiveF: b.consecutive,
	}
}

// Reset forces the breaker back to closed and clears counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutive = 0
	b.probing = false
}

func (s BreakerState) String() string { return string(s) }
