package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/steerlink/runtime/history"
)

type recorder[T any] struct {
	mu     sync.Mutex
	values []history.Timestamped[T]
	hook   func(history.Timestamped[T]) error
}

func (r *recorder[T]) ProcessValue(value history.Timestamped[T]) error {
	r.mu.Lock()
	r.values = append(r.values, value)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(value)
	}
	return nil
}

func (r *recorder[T]) snapshot() []history.Timestamped[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.Timestamped[T], len(r.values))
	copy(out, r.values)
	return out
}

func startWorker[T any](t *testing.T, w *Worker[T]) {
	t.Helper()
	w.Start(context.Background())
	t.Cleanup(func() {
		w.RequestStop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := w.Wait(ctx); err != nil {
			t.Errorf("worker %s did not stop: %v", w.Name(), err)
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func TestNewRejectsNilHistory(t *testing.T) {
	handler := HandlerFunc[int](func(history.Timestamped[int]) error { return nil })
	require.Panics(t, func() {
		New[int]("angle", nil, handler)
	})

	var typedNil *history.History[int]
	require.Panics(t, func() {
		New[int]("angle", typedNil, handler)
	})
}

func TestNewRejectsNilHandler(t *testing.T) {
	h := history.New[int]("angle")
	require.Panics(t, func() {
		New[int]("angle", h, nil)
	})
}

func TestWorkerDeliversFreshValueWithinSlice(t *testing.T) {
	h := history.New[string]("angle")
	rec := &recorder[string]{}
	w := New[string]("angle", h, rec, WithSlice(50*time.Millisecond))
	startWorker(t, w)

	time.Sleep(10 * time.Millisecond)
	written := time.Now()
	require.NoError(t, h.Update(written, "V1"))

	waitFor(t, 60*time.Millisecond, func() bool { return len(rec.snapshot()) == 1 })
	got := rec.snapshot()[0]
	require.Equal(t, "V1", got.Value)
	require.True(t, got.Timestamp.Equal(written))
}

func TestWorkerDeliversNewerValueAfterSlowHandler(t *testing.T) {
	h := history.New[string]("angle")
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	rec := &recorder[string]{}
	rec.hook = func(v history.Timestamped[string]) error {
		if v.Value == "V1" {
			entered <- struct{}{}
			<-release
		}
		return nil
	}
	w := New[string]("angle", h, rec, WithSlice(50*time.Millisecond))
	startWorker(t, w)

	base := time.Now()
	require.NoError(t, h.Update(base, "V1"))
	<-entered
	require.NoError(t, h.Update(base.Add(10*time.Millisecond), "V2"))
	close(release)

	waitFor(t, 200*time.Millisecond, func() bool { return len(rec.snapshot()) >= 2 })
	time.Sleep(60 * time.Millisecond)

	got := rec.snapshot()
	require.Len(t, got, 2)
	require.Equal(t, "V1", got[0].Value)
	require.Equal(t, "V2", got[1].Value)
}

func TestWorkerMonotonicNoDuplicatesAndFresh(t *testing.T) {
	h := history.New[int]("velocity")
	rec := &recorder[int]{}
	w := New[int]("velocity", h, rec, WithSlice(10*time.Millisecond))
	startWorker(t, w)

	base := time.Now()
	const writes = 500
	for i := 1; i <= writes; i++ {
		require.NoError(t, h.Update(base.Add(time.Duration(i)*time.Microsecond), i))
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	waitFor(t, 200*time.Millisecond, func() bool {
		got := rec.snapshot()
		return len(got) > 0 && got[len(got)-1].Value == writes
	})

	got := rec.snapshot()
	seen := make(map[time.Time]struct{}, len(got))
	for i, v := range got {
		_, dup := seen[v.Timestamp]
		require.False(t, dup, "duplicate delivery of %v", v.Timestamp)
		seen[v.Timestamp] = struct{}{}
		if i > 0 {
			require.True(t, v.Timestamp.After(got[i-1].Timestamp), "timestamps must increase")
		}
	}
}

func TestWorkerStopsWithinOneSlice(t *testing.T) {
	h := history.New[int]("idle")
	slice := 50 * time.Millisecond
	w := New[int]("idle", h, &recorder[int]{}, WithSlice(slice))
	w.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	requested := time.Now()
	w.RequestStop()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	require.Less(t, time.Since(requested), slice+40*time.Millisecond)
	require.False(t, w.Status().Running)
	require.True(t, w.Status().Stopping)
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	h := history.New[int]("idle")
	w := New[int]("idle", h, &recorder[int]{}, WithSlice(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker ignored context cancellation")
	}
}

func TestWorkerRunOnlyOnce(t *testing.T) {
	h := history.New[int]("angle")
	w := New[int]("angle", h, &recorder[int]{}, WithSlice(5*time.Millisecond))
	w.RequestStop()
	require.NoError(t, w.Run(context.Background()))
	require.ErrorIs(t, w.Run(context.Background()), ErrAlreadyRunning)
}

func TestIndependentWorkers(t *testing.T) {
	idle := history.New[int]("idle")
	busy := history.New[int]("busy")
	idleRec := &recorder[int]{}
	busyRec := &recorder[int]{}

	idleWorker := New[int]("idle", idle, idleRec, WithSlice(10*time.Millisecond))
	busyWorker := New[int]("busy", busy, busyRec, WithSlice(10*time.Millisecond))
	startWorker(t, idleWorker)
	startWorker(t, busyWorker)

	base := time.Now()
	for i := 1; i <= 20; i++ {
		require.NoError(t, busy.Update(base.Add(time.Duration(i)*time.Millisecond), i))
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, 200*time.Millisecond, func() bool {
		got := busyRec.snapshot()
		return len(got) > 0 && got[len(got)-1].Value == 20
	})
	require.Empty(t, idleRec.snapshot())
	require.Greater(t, idleWorker.Status().Timeouts, uint64(0))
	require.True(t, idleWorker.Status().Running)
}

func TestHandlerFailureAdvancesCursor(t *testing.T) {
	h := history.New[int]("torque")
	rec := &recorder[int]{}
	rec.hook = func(v history.Timestamped[int]) error {
		switch v.Value {
		case 1:
			return errors.New("sink unavailable")
		case 2:
			panic("boom")
		}
		return nil
	}
	w := New[int]("torque", h, rec, WithSlice(10*time.Millisecond))
	startWorker(t, w)

	base := time.Now()
	require.NoError(t, h.Update(base, 1))
	waitFor(t, 100*time.Millisecond, func() bool { return w.Status().HandlerErrors == 1 })
	require.NoError(t, h.Update(base.Add(time.Millisecond), 2))
	waitFor(t, 100*time.Millisecond, func() bool { return w.Status().HandlerErrors == 2 })
	require.NoError(t, h.Update(base.Add(2*time.Millisecond), 3))
	waitFor(t, 100*time.Millisecond, func() bool { return w.Status().Processed == 1 })

	time.Sleep(30 * time.Millisecond)
	got := rec.snapshot()
	require.Len(t, got, 3)
	require.True(t, w.Status().LastSeen.Equal(base.Add(2*time.Millisecond)))
}
