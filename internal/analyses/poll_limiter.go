package analyses

import (
	"sync"
	"time"
)

const pollLimitWindow = time.Second

// pollLimiter lets each caller read a given analysis once per window.
// Entries live in two generations: a lookup checks both, writes go to the
// current one, and every window the previous generation is dropped whole.
// Anything in it is at least one window old and no longer limits a caller.
type pollLimiter struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	current  map[pollKey]time.Time
	previous map[pollKey]time.Time
	rotated  time.Time
}

type pollKey struct{ owner, analysis string }

func newPollLimiter(window time.Duration, now func() time.Time) *pollLimiter {
	if window <= 0 {
		window = pollLimitWindow
	}
	if now == nil {
		now = time.Now
	}
	return &pollLimiter{
		window:   window,
		now:      now,
		current:  map[pollKey]time.Time{},
		previous: map[pollKey]time.Time{},
		rotated:  now(),
	}
}

// Allow records a poll and reports whether it is permitted. When it is not,
// wait is the time left until the caller may poll again.
func (l *pollLimiter) Allow(ownerID, analysisID string) (ok bool, wait time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()
	key := pollKey{ownerID, analysisID}

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.rotated) >= l.window {
		l.previous, l.current = l.current, map[pollKey]time.Time{}
		l.rotated = now
	}
	last, seen := l.current[key]
	if !seen {
		last, seen = l.previous[key]
	}
	if seen {
		if elapsed := now.Sub(last); elapsed < l.window {
			return false, l.window - elapsed
		}
	}
	l.current[key] = now
	return true, 0
}

func (l *pollLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current) + len(l.previous)
}

// retryAfterSeconds rounds wait up to whole seconds for the Retry-After header.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
