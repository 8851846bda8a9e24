package looptest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Package-level default loop. An event loop is a process-wide resource: it
// is created lazily on first use, reused across tests, and torn down only at
// process exit. Re-creating it mid-suite is exactly the kind of implicit
// behavior the harness exists to avoid, hence the explicit handle.
var defaultLoop struct {
	once sync.Once
	loop *Loop
}

// DefaultLoop returns the lazily-created process-wide loop shared by
// harnesses constructed with [NewHarness]. It is never closed by the
// harness; it is reused for the life of the test process.
func DefaultLoop() *Loop {
	defaultLoop.once.Do(func() {
		loop, err := New()
		if err != nil {
			panic(err)
		}
		defaultLoop.loop = loop
	})
	return defaultLoop.loop
}

// Harness runs test scenarios to completion inside a cooperative event loop,
// guaranteeing that the test neither hangs forever nor leaks loop-owned
// resources into later tests.
//
// Construct one per test via [NewHarness]; teardown is registered
// automatically and runs on every exit path, pass or fail.
type Harness struct {
	tb   testing.TB
	loop *Loop

	mu      sync.Mutex
	timers  []*Timer
	running bool
}

// NewHarness creates a harness for tb, backed by the shared [DefaultLoop].
// ReleaseResources is registered via tb.Cleanup, so harness-owned timers are
// released and pending loop work flushed regardless of how the test exits.
func NewHarness(tb testing.TB) *Harness {
	return NewHarnessWithLoop(tb, DefaultLoop())
}

// NewHarnessWithLoop creates a harness backed by a specific loop, e.g. one
// with a logger attached. The harness releases its own resources during
// teardown but never closes the loop.
//
// Providing a nil loop will cause a panic.
func NewHarnessWithLoop(tb testing.TB, loop *Loop) *Harness {
	if loop == nil {
		panic(`looptest: nil loop`)
	}
	h := &Harness{tb: tb, loop: loop}
	tb.Cleanup(h.ReleaseResources)
	return h
}

// Run executes one scenario to completion and returns the loop's exit code.
//
// The scenario is scheduled as an immediate (zero delay) callback, and a
// timeout guard is armed at timeout, stopping the loop with [ExitTimeout].
// Whichever fires first wins: a scenario that quits before the guard yields
// its own exit code and the guard is cancelled on return; if the guard fires
// first the scenario's later callbacks never run.
//
// Run blocks the calling goroutine until the loop has fully stopped and
// returns exactly once. Callbacks therefore execute on the test goroutine,
// so assertions inside them are reported normally. A callback panic is
// reported via tb.Errorf and yields [ExitPanic].
//
// Only one Run may be active per loop; a second concurrent Run fails the
// test. Providing a nil scenario or a timeout <= 0 will cause a panic.
func (h *Harness) Run(scenario func(*Harness), timeout time.Duration) int {
	if scenario == nil {
		panic(`looptest: nil scenario`)
	}
	if timeout <= 0 {
		panic(`looptest: non-positive timeout`)
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		h.tb.Fatalf(`looptest: Run called while another Run is active`)
		return ExitPanic // unreachable with a real testing.TB
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	start := h.Schedule(0, func() { scenario(h) })
	guard := h.Schedule(timeout, func() { h.loop.Stop(ExitTimeout) })
	// Whichever fired, the other must not leak into a later run.
	defer guard.Stop()
	defer start.Stop()

	code, err := h.loop.Run(context.Background())
	if err != nil {
		var panicErr PanicError
		if errors.As(err, &panicErr) {
			h.tb.Errorf(`looptest: %v`, panicErr)
		} else {
			h.tb.Errorf(`looptest: run failed: %v`, err)
		}
	}
	return code
}

// Schedule registers a harness-owned single-shot timer on the loop. Unlike
// [Loop.ScheduleTimer], the timer is recorded on the harness's disposal list
// and released during teardown, so it cannot fire during a later test's run.
// Constraint: delay >= 0; violations fail the test immediately.
func (h *Harness) Schedule(delay time.Duration, action func()) *Timer {
	t, err := h.loop.ScheduleTimer(delay, action)
	if err != nil {
		h.tb.Fatalf(`looptest: schedule failed: %v`, err)
		return nil // unreachable with a real testing.TB
	}
	h.mu.Lock()
	h.timers = append(h.timers, t)
	h.mu.Unlock()
	return t
}

// Stop requests termination of the active run with the given exit code.
// Idempotent: once the loop has stopped, further calls are no-ops.
func (h *Harness) Stop(code int) {
	h.loop.Stop(code)
}

// Quit requests termination with [ExitSuccess]. It is the scenario's success
// callback of choice.
func (h *Harness) Quit() {
	h.loop.Quit()
}

// Loop returns the underlying loop, e.g. for queued signal connections.
func (h *Harness) Loop() *Loop {
	return h.loop
}

// ReleaseResources performs scoped cleanup of harness-owned objects: every
// timer on the disposal list is stopped, and tasks still queued on the loop
// are flushed, so nothing scheduled by this test fires during a later test's
// run. Idempotent, and registered via tb.Cleanup at construction so it runs
// on every exit path - success, failure, and timeout alike.
func (h *Harness) ReleaseResources() {
	h.mu.Lock()
	timers := h.timers
	h.timers = nil
	h.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	if err := h.loop.Flush(); err != nil {
		// A closed loop has nothing left to flush; anything else (e.g. a
		// run still active during cleanup) is worth surfacing.
		if !errors.Is(err, ErrLoopClosed) {
			h.tb.Logf(`looptest: teardown flush skipped: %v`, err)
		}
	}
}
