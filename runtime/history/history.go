package history

import (
	"errors"
	"sync"
	"time"
)

// ErrStaleWrite is returned when an update carries a timestamp older than the
// value currently held by the history.
var ErrStaleWrite = errors.New("history: stale write")

// Timestamped pairs a value with the time it was recorded.
//
// The zero Timestamp marks "no value observed yet".
type Timestamped[T any] struct {
	Timestamp time.Time
	Value     T
}

// IsZero reports whether the entry carries the "never observed" sentinel.
func (t Timestamped[T]) IsZero() bool {
	return t.Timestamp.IsZero()
}

// NewerThan reports whether the entry was recorded strictly after ts.
func (t Timestamped[T]) NewerThan(ts time.Time) bool {
	if t.Timestamp.IsZero() {
		return false
	}
	return t.Timestamp.After(ts)
}

// History keeps the most recent timestamped value of a stream.
//
// A single producer calls Update while any number of consumers read the latest
// value or block in WaitNext. Intermediate values may be skipped by slow
// readers but the most recent one is never lost.
type History[T any] struct {
	name string

	mu      sync.Mutex
	latest  Timestamped[T]
	changed chan struct{}
	writes  uint64
}

// New creates an empty history. The name is used for diagnostics only.
func New[T any](name string) *History[T] {
	return &History[T]{
		name:    name,
		changed: make(chan struct{}),
	}
}

// Name returns the diagnostic name of the history.
func (h *History[T]) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

// Update stores value recorded at ts and wakes all waiting readers.
func (h *History[T]) Update(ts time.Time, value T) error {
	if h == nil {
		return errors.New("history is nil")
	}
	if ts.IsZero() {
		return errors.New("history: timestamp must not be zero")
	}
	h.mu.Lock()
	if ts.Before(h.latest.Timestamp) {
		h.mu.Unlock()
		return ErrStaleWrite
	}
	h.latest = Timestamped[T]{Timestamp: ts, Value: value}
	h.writes++
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
	return nil
}

// Latest returns the current entry and whether any value was recorded.
func (h *History[T]) Latest() (Timestamped[T], bool) {
	if h == nil {
		return Timestamped[T]{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, !h.latest.IsZero()
}

// Writes returns the number of accepted updates.
func (h *History[T]) Writes() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

// WaitNext returns the latest entry recorded strictly after the given
// timestamp. It blocks for at most timeout and reports false when no such
// entry appeared in time. A non-positive timeout only checks the current
// value.
func (h *History[T]) WaitNext(after time.Time, timeout time.Duration) (Timestamped[T], bool) {
	if h == nil {
		return Timestamped[T]{}, false
	}
	var timer *time.Timer
	for {
		h.mu.Lock()
		latest := h.latest
		changed := h.changed
		h.mu.Unlock()

		if latest.NewerThan(after) {
			if timer != nil {
				timer.Stop()
			}
			return latest, true
		}
		if timeout <= 0 {
			return Timestamped[T]{}, false
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-changed:
		case <-timer.C:
			return Timestamped[T]{}, false
		}
	}
}
