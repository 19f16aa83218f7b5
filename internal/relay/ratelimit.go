package relay

import (
	"log"
	"sync"
	"time"
)

// SessionLimit tracks one client's request budget, ported from the
// teacher's SessionLimit (internal/cdpproxy/utils.go), keyed by client id
// instead of projectId/sessionId.
type SessionLimit struct {
	Count     int
	WindowStart time.Time
	Blocked   bool
	BlockedAt time.Time
}

// RateLimiter is a simple fixed-window limiter guarding the router from a
// single client flooding it with commands (SPEC_FULL.md §6 additions).
type RateLimiter struct {
	mu       sync.RWMutex
	limits   map[string]*SessionLimit
	maxReq   int
	window   time.Duration
	blockFor time.Duration

	log *log.Logger
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		limits:   make(map[string]*SessionLimit),
		maxReq:   100,
		window:   time.Minute,
		blockFor: 5 * time.Minute,
		log:      log.New(log.Writer(), "cdp-relay[ratelimit]: ", log.LstdFlags),
	}
	go rl.cleanupLoop()
	return rl
}

// CheckRateLimit reports whether id may proceed, advancing its window or
// tripping its block exactly like the teacher's CheckRateLimit.
func (rl *RateLimiter) CheckRateLimit(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	limit, ok := rl.limits[id]
	if !ok {
		rl.limits[id] = &SessionLimit{Count: 1, WindowStart: now}
		return true
	}

	if limit.Blocked {
		if now.Sub(limit.BlockedAt) > rl.blockFor {
			limit.Blocked = false
			limit.Count = 1
			limit.WindowStart = now
			return true
		}
		return false
	}

	if now.Sub(limit.WindowStart) > rl.window {
		limit.Count = 1
		limit.WindowStart = now
		return true
	}

	limit.Count++
	if limit.Count > rl.maxReq {
		limit.Blocked = true
		limit.BlockedAt = now
		rl.log.Printf("rate limit exceeded for %s, blocking for %s", id, rl.blockFor)
		return false
	}
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for id, limit := range rl.limits {
			if now.Sub(limit.WindowStart) > 10*time.Minute {
				delete(rl.limits, id)
			}
		}
		rl.mu.Unlock()
	}
}

// CircuitState mirrors the teacher's CircuitBreaker state enum.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker trips after repeated extension-link failures so the
// router fast-fails new commands instead of queuing them behind a dead
// link (SPEC_FULL.md §6), ported from internal/cdpproxy/utils.go.
type CircuitBreaker struct {
	mu            sync.RWMutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	maxFailures   int
	resetAfter    time.Duration

	log *log.Logger
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: 5,
		resetAfter:  30 * time.Second,
		log:         log.New(log.Writer(), "cdp-relay[breaker]: ", log.LstdFlags),
	}
}

func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.resetAfter {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.maxFailures {
		if cb.state != CircuitOpen {
			cb.log.Printf("circuit breaker open after %d failures", cb.failures)
		}
		cb.state = CircuitOpen
	}
}

// ErrorPattern tracks one taxonomy member's occurrence count for /metrics.
type ErrorPattern struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

// ErrorTracker records error occurrences by kind, ported from the
// teacher's ErrorTracker (internal/cdpproxy/utils.go).
type ErrorTracker struct {
	mu       sync.RWMutex
	patterns map[string]*ErrorPattern

	log *log.Logger
}

func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		patterns: make(map[string]*ErrorPattern),
		log:      log.New(log.Writer(), "cdp-relay[errors]: ", log.LstdFlags),
	}
}

func (t *ErrorTracker) RecordError(kind, origin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.patterns[kind]
	if !ok {
		p = &ErrorPattern{}
		t.patterns[kind] = p
	}
	p.Count++
	p.Last = time.Now()
	t.log.Printf("%s (origin=%q), total=%d", kind, origin, p.Count)
}

func (t *ErrorTracker) Snapshot() map[string]ErrorPattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ErrorPattern, len(t.patterns))
	for k, v := range t.patterns {
		out[k] = *v
	}
	return out
}
