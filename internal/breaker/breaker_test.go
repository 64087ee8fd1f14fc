package breaker

import (
	"testing"
	"time"

	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		VolumeThreshold:  4,
		Window:           time.Minute,
		ResetTimeout:     20 * time.Millisecond,
		SuccessesToClose: 2,
	}
}

func TestAllowClosedByDefault(t *testing.T) {
	r := NewRegistry(testConfig())
	ok, err := r.Allow("win-1")
	if !ok || err != nil {
		t.Fatalf("expected closed breaker to allow, got ok=%v err=%v", ok, err)
	}
}

func TestTripsOpenAfterFailureRateExceedsThreshold(t *testing.T) {
	r := NewRegistry(testConfig())
	key := "win-1"

	r.RecordSuccess(key)
	r.RecordFailure(key)
	r.RecordFailure(key)
	r.RecordFailure(key)

	if r.State(key) != Open {
		t.Fatalf("expected Open after 3/4 failures, got %v", r.State(key))
	}

	ok, err := r.Allow(key)
	if ok || orcherr.KindOf(err) != orcherr.KindBreakerOpen {
		t.Fatalf("expected Allow to deny with KindBreakerOpen, got ok=%v err=%v", ok, err)
	}
}

func TestHalfOpenAfterResetTimeoutThenCloses(t *testing.T) {
	r := NewRegistry(testConfig())
	key := "win-1"

	for i := 0; i < 4; i++ {
		r.RecordFailure(key)
	}
	if r.State(key) != Open {
		t.Fatalf("expected Open, got %v", r.State(key))
	}

	time.Sleep(30 * time.Millisecond)
	ok, err := r.Allow(key)
	if !ok || err != nil {
		t.Fatalf("expected half-open allow after reset timeout, got ok=%v err=%v", ok, err)
	}
	if r.State(key) != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", r.State(key))
	}

	r.RecordSuccess(key)
	r.RecordSuccess(key)
	if r.State(key) != Closed {
		t.Fatalf("expected Closed after SuccessesToClose successes, got %v", r.State(key))
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(testConfig())
	key := "win-1"

	for i := 0; i < 4; i++ {
		r.RecordFailure(key)
	}
	time.Sleep(30 * time.Millisecond)
	r.Allow(key) // transitions to HalfOpen

	r.RecordFailure(key)
	if r.State(key) != Open {
		t.Fatalf("expected re-open on half-open failure, got %v", r.State(key))
	}
}
