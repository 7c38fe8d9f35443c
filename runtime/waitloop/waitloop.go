package waitloop

import (
	"sync"
	"time"
)

// DefaultSlice is the slice length used when none is configured.
const DefaultSlice = 50 * time.Millisecond

// minSlice keeps a shrunk timeout from degrading into a busy spin.
const minSlice = time.Millisecond

// Clock provides a testable time source.
type Clock interface {
	Now() time.Time
}

// RealClock is a Clock backed by time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Loop divides an open-ended wait into bounded slices so the waiting goroutine
// regularly returns to check for shutdown requests.
//
// With a zero window every slice has the configured length. With a window the
// loop paces attempts inside that outer window and shrinks the last slice so
// it ends with the window; the next attempt after the window closes starts a
// new one.
type Loop struct {
	slice  time.Duration
	window time.Duration
	clock  Clock

	mu          sync.Mutex
	windowStart time.Time
	attemptAt   time.Time
	attempts    uint64
	lastWait    time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithWindow enables pacing against an outer wait window.
func WithWindow(window time.Duration) Option {
	return func(l *Loop) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a loop with the given slice length. Non-positive values fall
// back to DefaultSlice.
func New(slice time.Duration, opts ...Option) *Loop {
	if slice <= 0 {
		slice = DefaultSlice
	}
	l := &Loop{slice: slice, clock: RealClock{}}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Slice returns the configured slice length.
func (l *Loop) Slice() time.Duration {
	return l.slice
}

// RemainingTimeout returns the timeout for the next wait attempt. The value is
// never larger than the slice and never below one millisecond.
func (l *Loop) RemainingTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.attemptAt = now
	if l.window <= 0 {
		return l.slice
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
	}
	remaining := l.window - now.Sub(l.windowStart)
	if remaining > l.slice {
		remaining = l.slice
	}
	if remaining < minSlice {
		remaining = minSlice
	}
	return remaining
}

// WaitFinished records the end of a wait attempt, whether or not it produced
// a value.
func (l *Loop) WaitFinished() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if !l.attemptAt.IsZero() {
		l.lastWait = l.clock.Now().Sub(l.attemptAt)
	}
}

// Attempts returns the number of finished wait attempts.
func (l *Loop) Attempts() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// LastWait returns how long the most recent attempt took.
func (l *Loop) LastWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWait
}
