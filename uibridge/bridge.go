// Package uibridge hands processed stream values to a UI event loop.
//
// Workers never call UI code directly. They publish Update events into a
// bounded channel that the UI drains on its own goroutine. When the UI falls
// behind, the oldest pending update of the same kind is discarded so the
// newest one always fits and a burst on one stream cannot evict the only
// pending update of another. Without a pending update of that kind the oldest
// update overall goes.
package uibridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/timzifer/steerlink/steering"
	"github.com/timzifer/steerlink/telemetry"
)

// DefaultBuffer is the channel capacity used when none is configured.
const DefaultBuffer = 64

// Kind identifies the UI element an update targets.
type Kind string

const (
	KindSteeringAngle Kind = "steering_angle"
	KindVelocity      Kind = "velocity"
	KindTorque        Kind = "steering_torque"
)

// Update is a single UI notification.
type Update struct {
	Kind      Kind
	Angle     int16
	Text      string
	Published time.Time
}

// Bridge is a non-blocking, bounded notification channel.
type Bridge struct {
	updates   chan Update
	collector telemetry.Collector

	// serialises the drop-oldest retry so concurrent publishers cannot starve
	mu      sync.Mutex
	dropped atomic.Uint64
	closed  atomic.Bool
}

// New creates a bridge with the given buffer size.
func New(buffer int, collector telemetry.Collector) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Bridge{updates: make(chan Update, buffer), collector: collector}
}

// Updates returns the channel the UI loop consumes. It is closed by Close.
func (b *Bridge) Updates() <-chan Update {
	return b.updates
}

// Dropped returns the number of updates discarded because the UI lagged.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish enqueues an update without blocking.
func (b *Bridge) Publish(update Update) {
	if b.closed.Load() {
		return
	}
	if update.Published.IsZero() {
		update.Published = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return
	}
	for {
		select {
		case b.updates <- update:
			return
		default:
		}
		b.evict(update.Kind)
	}
}

// evict removes one pending update, preferring the oldest of kind. Callers
// hold b.mu, so the refill cannot block: only the UI receives concurrently.
func (b *Bridge) evict(kind Kind) {
	pending := make([]Update, 0, cap(b.updates))
drain:
	for {
		select {
		case u := <-b.updates:
			pending = append(pending, u)
		default:
			break drain
		}
	}
	if len(pending) == 0 {
		return
	}
	victim := 0
	for i, u := range pending {
		if u.Kind == kind {
			victim = i
			break
		}
	}
	b.dropped.Add(1)
	b.collector.IncSinkDropped("ui", 1)
	for i, u := range pending {
		if i != victim {
			b.updates <- u
		}
	}
}

// SteeringAngleChanged implements steering.AngleSink.
func (b *Bridge) SteeringAngleChanged(angleDeciDegrees int16) {
	b.Publish(Update{Kind: KindSteeringAngle, Angle: angleDeciDegrees})
}

// TextSink returns a steering.TextSink publishing updates of the given kind.
func (b *Bridge) TextSink(kind Kind) steering.TextSink {
	return steering.TextSinkFunc(func(text string) {
		b.Publish(Update{Kind: kind, Text: text})
	})
}

// Close stops accepting updates and closes the channel.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return
	}
	close(b.updates)
}
