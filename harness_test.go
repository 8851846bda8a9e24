package looptest

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordTB captures failure reporting and cleanup registration so harness
// behavior on failing paths can be asserted without failing the real test.
// Fatalf intentionally does not stop execution, so callers must not rely on
// it for control flow beyond inspecting the recorded output.
type recordTB struct {
	testing.TB
	mu       sync.Mutex
	cleanups []func()
	errors   []string
	fatals   []string
	logs     []string
}

func newRecordTB(t *testing.T) *recordTB { return &recordTB{TB: t} }

func (r *recordTB) Cleanup(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, f)
}

func (r *recordTB) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recordTB) Fatalf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatals = append(r.fatals, fmt.Sprintf(format, args...))
}

func (r *recordTB) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func (r *recordTB) Helper() {}

// runCleanups runs registered cleanups in reverse order, as testing does.
func (r *recordTB) runCleanups() {
	r.mu.Lock()
	cleanups := r.cleanups
	r.cleanups = nil
	r.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func TestHarnessRun_SuccessBeforeGuard(t *testing.T) {
	h := NewHarness(t)

	start := time.Now()
	code := h.Run(func(h *Harness) {
		// Pretend the test takes ~30ms of non-blocking work to complete.
		h.Schedule(30*time.Millisecond, h.Quit)
	}, 5*time.Second)
	elapsed := time.Since(start)

	require.Equal(t, ExitSuccess, code)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	require.Less(t, elapsed, 5*time.Second, "success path must beat the guard")
}

func TestHarnessRun_TimeoutGuardFires(t *testing.T) {
	h := NewHarness(t)

	const timeout = 120 * time.Millisecond
	start := time.Now()
	// Simulate a hang: no success path at all.
	code := h.Run(func(*Harness) {}, timeout)
	elapsed := time.Since(start)

	require.Equal(t, ExitTimeout, code)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, 10*timeout, "guard must bound the run")
}

func TestHarnessRun_GuardCancelledAfterSuccess(t *testing.T) {
	h := NewHarness(t)

	code := h.Run(func(h *Harness) { h.Quit() }, 50*time.Millisecond)
	require.Equal(t, ExitSuccess, code)

	// The first run's guard must not fire during a later, longer run.
	code = h.Run(func(h *Harness) {
		h.Schedule(80*time.Millisecond, func() { h.Stop(42) })
	}, 5*time.Second)
	require.Equal(t, 42, code, "stale guard from the previous run leaked in")
}

func TestHarnessRun_ScenarioRunsOnLoop(t *testing.T) {
	h := NewHarness(t)

	var ran bool
	code := h.Run(func(h *Harness) {
		ran = true
		h.Quit()
	}, time.Second)

	require.True(t, ran)
	require.Equal(t, ExitSuccess, code)
}

func TestHarness_StopIdempotent(t *testing.T) {
	h := NewHarness(t)

	code := h.Run(func(h *Harness) {
		h.Stop(ExitSuccess)
		h.Stop(9)
	}, time.Second)
	require.Equal(t, ExitSuccess, code)

	// After the loop has stopped, further Stop calls are no-ops.
	h.Stop(9)
	code = h.Run(func(h *Harness) { h.Quit() }, time.Second)
	require.Equal(t, ExitSuccess, code)
}

func TestHarness_ResourceIsolation(t *testing.T) {
	h := NewHarness(t)

	var leaked bool
	code := h.Run(func(h *Harness) {
		// A stale deferred callback that would fire during a later run.
		h.Schedule(50*time.Millisecond, func() { leaked = true })
		h.Quit()
	}, time.Second)
	require.Equal(t, ExitSuccess, code)

	h.ReleaseResources()

	// A later run that outlives the stale timer's deadline must never see
	// it fire.
	code = h.Run(func(h *Harness) {
		h.Schedule(100*time.Millisecond, h.Quit)
	}, 5*time.Second)
	require.Equal(t, ExitSuccess, code)
	require.False(t, leaked, "released timer fired in a later run")
}

func TestHarness_ReleaseResourcesIdempotent(t *testing.T) {
	h := NewHarness(t)
	h.Run(func(h *Harness) { h.Quit() }, time.Second)
	h.ReleaseResources()
	assert.NotPanics(t, h.ReleaseResources)
}

func TestHarness_ReleaseRunsOnFailurePath(t *testing.T) {
	rtb := newRecordTB(t)
	loop := newTestLoop(t)
	h := NewHarnessWithLoop(rtb, loop)

	var leaked bool
	code := h.Run(func(h *Harness) {
		h.Schedule(40*time.Millisecond, func() { leaked = true })
		// No success path: this run times out, i.e. the test "fails".
	}, 20*time.Millisecond)
	require.Equal(t, ExitTimeout, code)

	// Teardown registered at construction runs regardless of the outcome.
	rtb.runCleanups()

	require.Zero(t, loop.PendingTasks())
	code2 := h.Run(func(h *Harness) {
		h.Schedule(80*time.Millisecond, h.Quit)
	}, time.Second)
	require.Equal(t, ExitSuccess, code2)
	require.False(t, leaked, "timer scheduled by the failed run fired after teardown")
}

func TestHarnessRun_PanicReported(t *testing.T) {
	rtb := newRecordTB(t)
	loop := newTestLoop(t)
	h := NewHarnessWithLoop(rtb, loop)

	code := h.Run(func(*Harness) { panic("boom") }, time.Second)

	require.Equal(t, ExitPanic, code)
	require.Len(t, rtb.errors, 1)
	require.Contains(t, rtb.errors[0], "panicked")
	require.Contains(t, rtb.errors[0], "boom")

	rtb.runCleanups()
}

func TestHarnessRun_AssertionFailureSurfaces(t *testing.T) {
	rtb := newRecordTB(t)
	loop := newTestLoop(t)
	h := NewHarnessWithLoop(rtb, loop)

	// An assertion inside a deferred callback reports through the TB even
	// though it executes inside loop dispatch, not the test body.
	code := h.Run(func(h *Harness) {
		h.Schedule(0, func() {
			assert.Equal(rtb, 1, 2, "deliberate mismatch")
			h.Quit()
		})
	}, time.Second)

	require.Equal(t, ExitSuccess, code)
	require.NotEmpty(t, rtb.errors, "assertion failure inside a callback was swallowed")

	rtb.runCleanups()
}

func TestHarnessRun_ConcurrentRunFails(t *testing.T) {
	rtb := newRecordTB(t)
	loop := newTestLoop(t)
	h := NewHarnessWithLoop(rtb, loop)

	code := h.Run(func(h *Harness) {
		// Reentrant Run from a callback: with a real TB this is fatal.
		h.Run(func(*Harness) {}, time.Second)
		h.Quit()
	}, time.Second)

	require.Equal(t, ExitSuccess, code)
	require.Len(t, rtb.fatals, 1)
	require.Contains(t, rtb.fatals[0], "already active")

	rtb.runCleanups()
}

func TestHarness_ScheduleNegativeDelayFatal(t *testing.T) {
	rtb := newRecordTB(t)
	loop := newTestLoop(t)
	h := NewHarnessWithLoop(rtb, loop)

	h.Schedule(-time.Millisecond, func() {})

	require.Len(t, rtb.fatals, 1)
	require.Contains(t, rtb.fatals[0], "schedule failed")

	rtb.runCleanups()
}

func TestHarnessRun_NilScenarioPanics(t *testing.T) {
	h := NewHarness(t)
	assert.Panics(t, func() { h.Run(nil, time.Second) })
	assert.Panics(t, func() { h.Run(func(*Harness) {}, 0) })
}

func TestNewHarnessWithLoop_NilLoopPanics(t *testing.T) {
	assert.Panics(t, func() { NewHarnessWithLoop(t, nil) })
}

func TestDefaultLoop_Stable(t *testing.T) {
	require.Same(t, DefaultLoop(), DefaultLoop(), "the process-wide loop must be created once and reused")
}

func TestHarness_TeardownFlushNote(t *testing.T) {
	rtb := newRecordTB(t)
	loop := newTestLoop(t)
	h := NewHarnessWithLoop(rtb, loop)

	h.Run(func(h *Harness) { h.Quit() }, time.Second)
	require.NoError(t, loop.Close())

	// Flushing a closed loop is silently skipped; only unexpected flush
	// failures are logged.
	h.ReleaseResources()
	for _, line := range rtb.logs {
		if strings.Contains(line, "flush") {
			t.Fatalf("unexpected teardown log: %q", line)
		}
	}
}
