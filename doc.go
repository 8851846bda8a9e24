// Package looptest provides a cooperative event loop and a test harness for
// driving it to a deterministic conclusion, e.g. when unit testing code that
// schedules deferred callbacks or receives results from background workers.
//
// # Architecture
//
// The package is built around a [Loop] core that executes submitted tasks and
// single-shot timers on the goroutine that calls [Loop.Run], one at a time.
// A [Harness] wraps a loop with the pattern required to keep event-loop tests
// honest: every scenario is paired with a timeout guard, the loop's exit code
// is the pass/fail signal, and everything the harness schedules is released
// during test teardown.
//
// [Signal] provides observer-style notification with direct (synchronous) and
// queued connections. Queued connections marshal delivery onto the loop, so a
// background goroutine may emit results that are consumed on the loop
// goroutine without shared-state mutation. [Worker] is a bounded result
// producer built on top of that, intended as the subject of such tests.
//
// # Exit Codes
//
// A run terminates with an exit code, returned by [Loop.Run] and
// [Harness.Run]:
//   - [ExitSuccess] (0): the scenario requested termination via [Loop.Quit]
//     or [Loop.Stop] with code 0
//   - [ExitTimeout] (-1): the timeout guard fired first, or the run context
//     was cancelled before any code was latched
//   - [ExitPanic] (-2): a callback panicked; the recovered value is returned
//     from [Loop.Run] as a [PanicError]
//
// # The Guarded Pattern
//
// A test that starts an event loop and waits for a completion callback can
// hang forever if that callback never fires, and timers it schedules survive
// into later tests unless something releases them. The harness closes both
// holes: [Harness.Run] always arms a timeout guard alongside the scenario
// (whichever fires first wins), and [Harness.ReleaseResources] - registered
// via [testing.TB.Cleanup], so it runs on every exit path - stops every
// harness-owned timer and flushes tasks still queued on the loop.
//
//	func TestSomething(t *testing.T) {
//	    h := looptest.NewHarness(t)
//	    code := h.Run(func(h *looptest.Harness) {
//	        // runs on the loop; schedule follow-up work, then quit
//	        h.Schedule(30*time.Millisecond, h.Quit)
//	    }, 5*time.Second)
//	    if code != looptest.ExitSuccess {
//	        t.Fatalf("exit code %d", code)
//	    }
//	}
//
// Scheduling timers directly via [Loop.ScheduleTimer], with no guard and no
// release step, reproduces the leaky anti-pattern; the harness exists so you
// don't have to.
//
// # Thread Safety
//
// [Loop.Submit], [Loop.ScheduleTimer], and [Loop.Stop] are safe to call from
// any goroutine. Callbacks always execute on the goroutine blocked in
// [Loop.Run] (or [Loop.Flush]). Because [Harness.Run] drives the loop on the
// calling test goroutine, test assertions - including ones that call
// FailNow - behave normally inside scheduled callbacks.
//
// See also [github.com/joeycumines/go-eventloop], a general-purpose event
// loop with I/O polling and promise support; this package trades that
// surface area for a contract small enough to reason about in tests.
package looptest
