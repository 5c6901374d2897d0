package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int, window time.Duration) (*SlidingWindow, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewSlidingWindow(limit, window)
	l.now = clock.Now
	return l, clock
}

func TestSlidingWindow_CeilingAndRecovery(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	for i := range 3 {
		assert.True(t, l.Admit("alice"), "request %d should be admitted", i+1)
		clock.Advance(100 * time.Millisecond)
	}
	assert.False(t, l.Admit("alice"), "fourth request within the window should be rejected")

	clock.Advance(time.Minute + time.Millisecond)
	assert.True(t, l.Admit("alice"), "request after the window elapsed should be admitted")
}

func TestSlidingWindow_RejectionNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second)

	require.True(t, l.Admit("a"))
	clock.Advance(5 * time.Second)
	require.True(t, l.Admit("a"))

	// Hammering while limited must not extend the window.
	for range 5 {
		assert.False(t, l.Admit("a"))
	}

	// The first timestamp expires at t=10s, freeing exactly one slot.
	clock.Advance(5*time.Second + time.Millisecond)
	assert.True(t, l.Admit("a"))
	assert.False(t, l.Admit("a"))
}

func TestSlidingWindow_ResultFields(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	res := l.Allow("a")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, 1, res.Remaining)

	clock.Advance(10 * time.Second)
	res = l.Allow("a")
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	clock.Advance(10 * time.Second)
	res = l.Allow("a")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 40*time.Second, res.RetryAfter)
}

func TestSlidingWindow_IdentitiesIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.Admit("alice"))
	assert.False(t, l.Admit("alice"))
	assert.True(t, l.Admit("bob"))
	assert.Equal(t, 2, l.Len())
}

func TestSlidingWindow_ZeroLimitRejects(t *testing.T) {
	l, _ := newTestLimiter(0, time.Minute)
	assert.False(t, l.Admit("a"))
}

func TestSlidingWindow_ConcurrentSameIdentity(t *testing.T) {
	l := NewSlidingWindow(50, time.Minute)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 500 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
}

func TestSlidingWindow_Cleanup(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.Admit("old")
	clock.Advance(45 * time.Second)
	l.Admit("recent")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Len())

	// An evicted identity starts a fresh window.
	assert.True(t, l.Admit("old"))
	assert.Equal(t, 2, l.Len())
}

func TestSlidingWindow_CleanupRacesAdmit(t *testing.T) {
	l := NewSlidingWindow(1000, time.Nanosecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			l.Cleanup()
		}
	}()

	for range 1000 {
		assert.True(t, l.Admit("a"))
	}
}

func TestRunJanitor_StopsOnCancel(t *testing.T) {
	l, _ := newTestLimiter(1, time.Millisecond)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, l, time.Millisecond, logger)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunJanitor did not return after cancel")
	}
}
