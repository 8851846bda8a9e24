package looptest

import (
	"sync"
	"sync/atomic"
	"time"
)

// Worker is a background task that produces a fixed number of results over a
// bounded duration, reporting each via the ResultReady signal and completion
// via Finished. It is the canonical subject for queued-connection tests: the
// worker goroutine emits, the subscriber consumes on the loop.
//
// A worker always runs to completion once started; there is no mid-flight
// cancellation. Bounding how long a test waits for it is the timeout guard's
// job, not the worker's.
type Worker[T any] struct {
	// ResultReady is emitted once per produced result, in production order.
	ResultReady Signal[T]

	// Finished is emitted once, after the final result.
	Finished Signal[struct{}]

	produce  func(i int) T
	done     chan struct{}
	count    int
	interval time.Duration

	startOnce sync.Once
	started   atomic.Bool
}

// NewWorker creates a worker that will emit count results, one every
// interval, each obtained from produce (called with 0-based indices, on the
// worker goroutine).
//
// Providing a nil produce func, or count < 0, will cause a panic.
func NewWorker[T any](count int, interval time.Duration, produce func(i int) T) *Worker[T] {
	if produce == nil {
		panic(`looptest: nil produce func`)
	}
	if count < 0 {
		panic(`looptest: negative result count`)
	}
	return &Worker[T]{
		produce:  produce,
		count:    count,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops; the
// worker emits its result sequence exactly once.
func (w *Worker[T]) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

func (w *Worker[T]) run() {
	defer close(w.done)
	for i := 0; i < w.count; i++ {
		if w.interval > 0 {
			time.Sleep(w.interval)
		}
		w.ResultReady.Emit(w.produce(i))
	}
	w.Finished.Emit(struct{}{})
}

// Running reports whether the worker has been started and has not yet
// finished.
func (w *Worker[T]) Running() bool {
	if !w.started.Load() {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the worker's run completes. It must only be called after
// Start; waiting on an unstarted worker blocks forever. Note that direct
// connections will have run by the time Wait returns, but queued deliveries
// may still be pending on their loops.
func (w *Worker[T]) Wait() {
	<-w.done
}

// Done returns a channel closed when the worker's run completes.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}
