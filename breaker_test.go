package toolgate_test

import (
	"testing"
	"time"

	"github.com/toolgate/toolgate"
)

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := toolgate.NewCircuitBreaker(toolgate.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != toolgate.BreakerClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}
	if !b.AllowRequest() {
		t.Fatal("closed breaker should admit requests")
	}

	b.RecordFailure()
	if got := b.State(); got != toolgate.BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
	if b.AllowRequest() {
		t.Fatal("open breaker should reject requests")
	}

	stats := b.Stats()
	if stats.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", stats.Rejections)
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := toolgate.NewCircuitBreaker(toolgate.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != toolgate.BreakerClosed {
		t.Errorf("state = %v, want closed (streak was broken)", got)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("probe success closes the breaker", func(t *testing.T) {
		b := toolgate.NewCircuitBreaker(
			toolgate.BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second},
			toolgate.WithNow(clock),
		)
		b.RecordFailure()
		if b.AllowRequest() {
			t.Fatal("open breaker should reject before cooldown")
		}

		now = now.Add(30 * time.Second)
		if !b.AllowRequest() {
			t.Fatal("first request after cooldown should be admitted as the probe")
		}
		if b.AllowRequest() {
			t.Fatal("second request should be rejected while the probe is in flight")
		}

		b.RecordSuccess()
		if got := b.State(); got != toolgate.BreakerClosed {
			t.Fatalf("state after probe success = %v, want closed", got)
		}
		if !b.AllowRequest() {
			t.Error("closed breaker should admit requests")
		}
	})

	t.Run("probe failure re-opens with a fresh cooldown", func(t *testing.T) {
		b := toolgate.NewCircuitBreaker(
			toolgate.BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second},
			toolgate.WithNow(clock),
		)
		b.RecordFailure()
		now = now.Add(30 * time.Second)
		if !b.AllowRequest() {
			t.Fatal("probe should be admitted")
		}

		b.RecordFailure()
		if got := b.State(); got != toolgate.BreakerOpen {
			t.Fatalf("state after probe failure = %v, want open", got)
		}
		if b.AllowRequest() {
			t.Error("cooldown restarts after a failed probe")
		}

		now = now.Add(30 * time.Second)
		if !b.AllowRequest() {
			t.Error("next probe should be admitted after the fresh cooldown")
		}
	})
}

func TestCircuitBreaker_StateReportsPendingHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	b := toolgate.NewCircuitBreaker(
		toolgate.BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second},
		toolgate.WithNow(func() time.Time { return now }),
	)
	b.RecordFailure()

	if got := b.State(); got != toolgate.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}
	now = now.Add(10 * time.Second)
	if got := b.State(); got != toolgate.BreakerHalfOpen {
		t.Errorf("state after cooldown = %v, want half_open", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b := toolgate.NewCircuitBreaker(toolgate.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	b.RecordFailure()
	if b.AllowRequest() {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if got := b.State(); got != toolgate.BreakerClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	if !b.AllowRequest() {
		t.Error("reset breaker should admit requests")
	}
}
