package agent

import (
	"sync"
	"time"
)

// Limiter admits at most rate requests per session in any sliding 60
// second window. A ring of admission timestamps per session gives the
// exact-window property: a token bucket would smooth admissions instead
// of counting them against the trailing minute.
type Limiter struct {
	rate   int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string][]time.Time
}

// NewLimiter creates a Limiter admitting rate requests per minute per
// session.
func NewLimiter(rate int) *Limiter {
	return &Limiter{
		rate:     rate,
		window:   time.Minute,
		now:      time.Now,
		sessions: make(map[string][]time.Time),
	}
}

// Allow records an admission for sessionID when the trailing window has
// room, and reports whether it did.
func (l *Limiter) Allow(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.sessions[sessionID][:0]
	for _, ts := range l.sessions[sessionID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.rate {
		l.sessions[sessionID] = recent
		return false
	}
	l.sessions[sessionID] = append(recent, now)
	return true
}

// Forget drops a session's admission history, typically when the session
// ends.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
