// Package ratelimit bounds request volume per caller identity over a sliding window.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned when a caller has exhausted its quota for the window.
var ErrLimited = errors.New("rate limit exceeded")

// Result describes the outcome of an admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// windowState holds the admitted timestamps for one identity, oldest first.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
	evicted  bool
}

// SlidingWindow is an in-memory sliding-window limiter keyed by identity.
// State is process-local and lost on restart.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
}

// NewSlidingWindow creates a limiter admitting at most limit requests per
// identity within any trailing window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*windowState),
	}
}

// Admit reports whether a request from identity may proceed, recording it if so.
func (l *SlidingWindow) Admit(identity string) bool {
	return l.Allow(identity).Allowed
}

// Allow prunes identity's window, then admits and records the request if it
// is under the limit. The prune, check and append happen under the
// identity's lock, so concurrent callers cannot both pass on a stale count.
func (l *SlidingWindow) Allow(identity string) Result {
	for {
		ws := l.state(identity)
		ws.mu.Lock()
		if ws.evicted {
			// Lost a race with Cleanup; fetch the replacement.
			ws.mu.Unlock()
			continue
		}
		res := l.admitLocked(ws, l.now())
		ws.mu.Unlock()
		return res
	}
}

func (l *SlidingWindow) admitLocked(ws *windowState, now time.Time) Result {
	prune(ws, now.Add(-l.window))

	if len(ws.requests) >= l.limit {
		var retryAfter time.Duration
		if len(ws.requests) > 0 {
			retryAfter = ws.requests[len(ws.requests)-l.limit].Add(l.window).Sub(now)
		}
		return Result{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: max(retryAfter, 0),
		}
	}

	ws.requests = append(ws.requests, now)
	return Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - len(ws.requests),
	}
}

// prune drops timestamps at or before cutoff.
func prune(ws *windowState, cutoff time.Time) {
	i := 0
	for i < len(ws.requests) && !ws.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ws.requests = append(ws.requests[:0], ws.requests[i:]...)
	}
}

func (l *SlidingWindow) state(identity string) *windowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws, ok := l.windows[identity]
	if !ok {
		ws = &windowState{}
		l.windows[identity] = ws
	}
	return ws
}

// Cleanup evicts identities with no requests inside the window and returns
// how many were removed.
func (l *SlidingWindow) Cleanup() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, ws := range l.windows {
		ws.mu.Lock()
		prune(ws, cutoff)
		if len(ws.requests) == 0 {
			ws.evicted = true
			delete(l.windows, id)
			removed++
		}
		ws.mu.Unlock()
	}
	return removed
}

// Len returns the number of identities currently tracked.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Limit returns the configured ceiling.
func (l *SlidingWindow) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *SlidingWindow) Window() time.Duration { return l.window }
