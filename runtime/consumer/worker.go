package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/steerlink/runtime/history"
	"github.com/timzifer/steerlink/runtime/waitloop"
	"github.com/timzifer/steerlink/telemetry"
)

// ErrAlreadyRunning is returned when Run is called on a worker that has
// already been started.
var ErrAlreadyRunning = errors.New("consumer: worker already started")

// Source is the query side of a timestamped history.
//
// WaitNext must be safe for concurrent use with writers and other readers.
type Source[T any] interface {
	WaitNext(after time.Time, timeout time.Duration) (history.Timestamped[T], bool)
}

// Handler processes newly observed values. It runs on the worker goroutine and
// must return promptly; shutdown latency includes its execution time.
type Handler[T any] interface {
	ProcessValue(value history.Timestamped[T]) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[T any] func(value history.Timestamped[T]) error

// ProcessValue implements Handler.
func (f HandlerFunc[T]) ProcessValue(value history.Timestamped[T]) error {
	return f(value)
}

// Status is a snapshot of worker counters for diagnostics.
type Status struct {
	Name          string
	Running       bool
	Stopping      bool
	Processed     uint64
	Timeouts      uint64
	HandlerErrors uint64
	LastSeen      time.Time
}

// Worker repeatedly waits for values newer than the last one it processed and
// hands them to its handler. Stopping is cooperative: RequestStop sets a flag
// that the loop checks between wait slices.
type Worker[T any] struct {
	name      string
	source    Source[T]
	handler   Handler[T]
	loop      *waitloop.Loop
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time

	// only touched by the goroutine executing Run
	lastSeen time.Time

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	processed     atomic.Uint64
	timeouts      atomic.Uint64
	handlerErrors atomic.Uint64
	lastSeenNanos atomic.Int64
}

type settings struct {
	slice     time.Duration
	window    time.Duration
	clock     waitloop.Clock
	logger    zerolog.Logger
	collector telemetry.Collector
}

// Option configures a worker during construction.
type Option func(*settings)

// WithSlice sets the maximum duration of a single wait attempt.
func WithSlice(slice time.Duration) Option {
	return func(s *settings) {
		s.slice = slice
	}
}

// WithWindow paces wait slices against an outer wait window.
func WithWindow(window time.Duration) Option {
	return func(s *settings) {
		s.window = window
	}
}

// WithClock overrides the time source used for pacing and lag measurement.
func WithClock(clock waitloop.Clock) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

// WithLogger provides a logger for handler failures and lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithTelemetry installs a metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) {
		if collector == nil {
			collector = telemetry.Noop()
		}
		s.collector = collector
	}
}

// New constructs a worker for the named stream. The source is borrowed: it
// must outlive the worker's Run call. A nil source or handler is a programming
// error and panics.
func New[T any](name string, source Source[T], handler Handler[T], opts ...Option) *Worker[T] {
	if isNil(source) {
		panic(fmt.Sprintf("consumer: worker %q requires a non-nil history", name))
	}
	if isNil(handler) {
		panic(fmt.Sprintf("consumer: worker %q requires a non-nil handler", name))
	}
	cfg := settings{
		slice:     waitloop.DefaultSlice,
		clock:     waitloop.RealClock{},
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.clock == nil {
		cfg.clock = waitloop.RealClock{}
	}
	loopOpts := []waitloop.Option{waitloop.WithClock(cfg.clock)}
	if cfg.window > 0 {
		loopOpts = append(loopOpts, waitloop.WithWindow(cfg.window))
	}
	return &Worker[T]{
		name:      name,
		source:    source,
		handler:   handler,
		loop:      waitloop.New(cfg.slice, loopOpts...),
		logger:    cfg.logger.With().Str("stream", name).Logger(),
		collector: cfg.collector,
		now:       cfg.clock.Now,
		done:      make(chan struct{}),
	}
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// Name returns the stream name.
func (w *Worker[T]) Name() string {
	return w.name
}

// Slice returns the configured wait slice length.
func (w *Worker[T]) Slice() time.Duration {
	return w.loop.Slice()
}

// Run executes the consume loop until RequestStop is called or ctx is
// cancelled. A stop request is observed at the start of the next iteration.
// Run may only be called once per worker.
func (w *Worker[T]) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(w.done)
	if ctx == nil {
		ctx = context.Background()
	}

	w.logger.Debug().Dur("slice", w.loop.Slice()).Msg("consumer started")
	for !w.shouldStop(ctx) {
		timeout := w.loop.RemainingTimeout()
		value, ok := w.source.WaitNext(w.lastSeen, timeout)
		w.loop.WaitFinished()
		if !ok {
			w.timeouts.Add(1)
			w.collector.IncWaitTimeout(w.name)
			continue
		}
		w.dispatch(value)
		w.lastSeen = value.Timestamp
		w.lastSeenNanos.Store(value.Timestamp.UnixNano())
	}
	w.logger.Debug().Uint64("processed", w.processed.Load()).Msg("consumer stopped")
	return nil
}

// Start runs the worker on a new goroutine.
func (w *Worker[T]) Start(ctx context.Context) {
	go func() {
		if err := w.Run(ctx); err != nil {
			w.logger.Error().Err(err).Msg("consumer start failed")
		}
	}()
}

// RequestStop asks the loop to exit. It never blocks and may be called from
// any goroutine; use Done or Wait to join the worker.
func (w *Worker[T]) RequestStop() {
	w.stopping.Store(true)
}

// Done is closed once Run has returned.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until Run has returned or ctx ends.
func (w *Worker[T]) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the worker counters.
func (w *Worker[T]) Status() Status {
	status := Status{
		Name:          w.name,
		Stopping:      w.stopping.Load(),
		Processed:     w.processed.Load(),
		Timeouts:      w.timeouts.Load(),
		HandlerErrors: w.handlerErrors.Load(),
	}
	if nanos := w.lastSeenNanos.Load(); nanos != 0 {
		status.LastSeen = time.Unix(0, nanos)
	}
	if w.started.Load() {
		select {
		case <-w.done:
		default:
			status.Running = true
		}
	}
	return status
}

func (w *Worker[T]) shouldStop(ctx context.Context) bool {
	if w.stopping.Load() {
		return true
	}
	if ctx.Err() != nil {
		w.stopping.Store(true)
		return true
	}
	return false
}

// dispatch invokes the handler. The last-seen cursor advances afterwards even
// when the handler fails, so a failing value is never retried in a tight loop.
func (w *Worker[T]) dispatch(value history.Timestamped[T]) {
	w.collector.ObserveDeliveryLag(w.name, w.now().Sub(value.Timestamp))
	if err := w.invoke(value); err != nil {
		w.handlerErrors.Add(1)
		w.collector.IncHandlerError(w.name)
		w.logger.Error().Err(err).Time("value_ts", value.Timestamp).Msg("handler failed")
		return
	}
	w.processed.Add(1)
	w.collector.IncProcessed(w.name)
}

func (w *Worker[T]) invoke(value history.Timestamped[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.ProcessValue(value)
}
