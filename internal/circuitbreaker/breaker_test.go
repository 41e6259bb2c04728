package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New("token", 3, 100*time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New("token", 3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("should be open after 3 failures")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New("token", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow() {
		t.Fatal("should allow probe in half-open")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}

	// Second request while half-open should be rejected.
	if b.Allow() {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New("token", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.Allow() // Transitions to half-open

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("token", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.Allow() // Transitions to half-open

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("should reject while re-opened")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("token", 3, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// Two more failures should not trip (count was reset).
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("failure count should have been reset by success")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New("token", 5, 50*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Allow()
				if n%2 == 0 {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				b.State()
			}
		}(i)
	}
	wg.Wait()
}
