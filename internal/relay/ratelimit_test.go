package relay

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		if !rl.CheckRateLimit("client-1") {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
}

func TestRateLimiterBlocksOverBudget(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		rl.CheckRateLimit("client-1")
	}
	if rl.CheckRateLimit("client-1") {
		t.Fatal("expected the 101st request in the window to be blocked")
	}
}

func TestRateLimiterTracksClientsIndependently(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		rl.CheckRateLimit("client-1")
	}
	if !rl.CheckRateLimit("client-2") {
		t.Fatal("a different client id should not be affected by client-1's budget")
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		if !cb.CanExecute() {
			t.Fatalf("breaker should stay closed before threshold, failure %d", i)
		}
	}
	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatal("expected breaker to be open after 5 failures")
	}
}

func TestCircuitBreakerRecordSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.CanExecute() {
		t.Fatal("expected breaker open")
	}
	cb.RecordSuccess()
	if !cb.CanExecute() {
		t.Fatal("expected breaker closed after RecordSuccess")
	}
}

func TestErrorTrackerSnapshot(t *testing.T) {
	et := NewErrorTracker()
	et.RecordError("timeout", "extension")
	et.RecordError("timeout", "extension")
	et.RecordError("protocol", "client")

	snap := et.Snapshot()
	if snap["timeout"].Count != 2 {
		t.Fatalf("expected 2 timeout errors, got %d", snap["timeout"].Count)
	}
	if snap["protocol"].Count != 1 {
		t.Fatalf("expected 1 protocol error, got %d", snap["protocol"].Count)
	}
	if snap["timeout"].Last.IsZero() {
		t.Fatal("expected Last to be set")
	}
	_ = time.Now()
}
