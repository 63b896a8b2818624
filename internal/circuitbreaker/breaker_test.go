package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("blockstore") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("blockstore")
	b.RecordFailure("blockstore")
	if !b.Allow("blockstore") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("blockstore")
	if b.Allow("blockstore") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("blockstore") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("blockstore"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("history")
	b.RecordFailure("history")
	if b.Allow("history") {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("history") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("history") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("history"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("history") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("history")
	b.RecordFailure("history")
	time.Sleep(60 * time.Millisecond)
	b.Allow("history") // Transitions to half-open

	b.RecordSuccess("history")
	if b.State("history") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("history"))
	}
	if !b.Allow("history") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	time.Sleep(60 * time.Millisecond)
	b.Allow("geoip") // Transitions to half-open

	b.RecordFailure("geoip")
	if b.State("geoip") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("geoip"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("blockstore")
	b.RecordFailure("blockstore")
	b.RecordSuccess("blockstore")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("blockstore")
	if !b.Allow("blockstore") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("blockstore")
	b.RecordFailure("blockstore")

	// blockstore is open, history should be unaffected.
	if b.Allow("blockstore") {
		t.Fatal("blockstore should be open")
	}
	if !b.Allow("history") {
		t.Fatal("history should be closed")
	}
}
