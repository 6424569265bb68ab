package github

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Gate is the process-wide rate-limit sentinel. The client arms it when
// GitHub quota runs out; the polling scheduler consults it and skips a
// discovery cycle instead of burning what little quota remains.
type Gate struct {
	mu    sync.RWMutex
	until time.Time
}

// NewGate returns an unarmed gate.
func NewGate() *Gate {
	return &Gate{}
}

// Arm blocks outbound work until the given time. Arming with an earlier
// time than the current one is a no-op.
func (g *Gate) Arm(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.until) {
		g.until = until
	}
}

// Blocked reports whether the gate is armed, and until when.
func (g *Gate) Blocked(now time.Time) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if now.Before(g.until) {
		return g.until, true
	}
	return time.Time{}, false
}

// rateState caches the quota window from the most recent response.
type rateState struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	known     bool
}

func (s *rateState) observe(remaining int, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = remaining
	s.resetAt = resetAt
	s.known = true
}

func (s *rateState) snapshot() (remaining int, resetAt time.Time, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining, s.resetAt, s.known
}

// parseRateHeaders reads the quota window from a response. ok is false
// when the headers are absent (e.g. the artifact storage host).
func parseRateHeaders(h http.Header) (remaining int, resetAt time.Time, ok bool) {
	rem := h.Get("X-RateLimit-Remaining")
	if rem == "" {
		return 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return 0, time.Time{}, false
	}
	if unix, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && unix > 0 {
		resetAt = time.Unix(unix, 0)
	}
	return remaining, resetAt, true
}

// retryAfter reads a Retry-After seconds header, zero when absent.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
