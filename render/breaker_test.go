package render

import (
	"testing"
	"time"
)

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)

	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("opened after one failure")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("still closed after threshold")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	now = now.Add(11 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)
	b.RecordFailure()
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not allowed")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("probe failure did not reopen")
	}
	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatal("reset did not close")
	}
}

func TestBreaker_HalfOpenAdmitsConcurrentProbes(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(2),
		WithBreakerClock(func() time.Time { return now }),
	)
	b.RecordFailure()
	now = now.Add(2 * time.Second)

	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("probe %d rejected in half-open", i)
		}
	}
	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v after one success, want half_open", b.State())
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v after two successes, want closed", b.State())
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(WithBreakerThreshold(2))
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("non-consecutive failures opened the breaker")
	}
}
