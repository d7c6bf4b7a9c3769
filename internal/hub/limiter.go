package hub

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Defaults for throttling publisher token guesses.
const (
	DefaultMaxAuthFailures   = 5
	DefaultAuthFailureWindow = time.Minute
)

// failureLimiter tracks failed token checks per remote host. A host that
// failed limit times within window is rejected without checking the token.
type failureLimiter struct {
	clock  clockwork.Clock
	limit  int
	window time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
}

func newFailureLimiter(clk clockwork.Clock, limit int, window time.Duration) *failureLimiter {
	return &failureLimiter{
		clock:    clk,
		limit:    limit,
		window:   window,
		failures: make(map[string][]time.Time),
	}
}

// Blocked reports whether host is over the limit.
func (l *failureLimiter) Blocked(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recentLocked(host)) >= l.limit
}

// Fail records a failed attempt.
func (l *failureLimiter) Fail(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[host] = append(l.recentLocked(host), l.clock.Now())
}

// Reset clears the failures of host after a successful attempt.
func (l *failureLimiter) Reset(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, host)
}

func (l *failureLimiter) recentLocked(host string) []time.Time {
	cutoff := l.clock.Now().Add(-l.window)
	var recent []time.Time
	for _, t := range l.failures[host] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(l.failures, host)
	} else {
		l.failures[host] = recent
	}
	return recent
}
