package looptest

import (
	"sync/atomic"
	"time"
)

// timerEntry lifecycle values.
const (
	timerPending uint32 = iota
	timerFired
	timerStopped
)

// timerEntry is a heap-owned single-shot timer record. The loop claims an
// entry via CAS pending→fired immediately before executing it; Timer.Stop
// claims it pending→stopped. Exactly one of the two can win, which is what
// makes "fires at most once" and cancellation race-free.
type timerEntry struct {
	when  time.Time
	fn    func()
	seq   uint64
	state atomic.Uint32
}

// timerHeap is a min-heap of timer entries, ordered by deadline with the
// registration sequence as tie-break so equal deadlines fire in FIFO order.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Timer is a handle to a single-shot timer registered via
// [Loop.ScheduleTimer] or [Harness.Schedule].
//
// The zero value is not useful; handles are only obtained from scheduling.
// All methods are safe to call from any goroutine.
type Timer struct {
	entry *timerEntry
}

// Stop cancels the timer. It returns true if the callback was prevented from
// running, and false if the timer already fired or was already stopped.
// The cancelled entry is discarded lazily when the loop reaches it.
func (t *Timer) Stop() bool {
	return t.entry.state.CompareAndSwap(timerPending, timerStopped)
}

// Fired reports whether the callback has been (or is being) executed.
func (t *Timer) Fired() bool {
	return t.entry.state.Load() == timerFired
}

// Stopped reports whether the timer was cancelled before firing.
func (t *Timer) Stopped() bool {
	return t.entry.state.Load() == timerStopped
}

// When returns the timer's deadline.
func (t *Timer) When() time.Time {
	return t.entry.when
}
