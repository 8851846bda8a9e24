package looptest

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Exit codes reported by [Loop.Run] and [Harness.Run].
const (
	// ExitSuccess indicates the run was terminated via Quit (or Stop(0)).
	ExitSuccess = 0
	// ExitTimeout is the sentinel failure code latched by a timeout guard,
	// and the code reported when the run context is cancelled before any
	// other code was latched.
	ExitTimeout = -1
	// ExitPanic indicates a callback panicked during the run.
	ExitPanic = -2
)

// panicLogCategory is the catrate category for panic log output, so a hot
// failing callback cannot flood the test log.
const panicLogCategory = `callback-panic`

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Loop is a cooperative event loop: a single-goroutine scheduler that
// dispatches submitted tasks and due single-shot timers one at a time.
//
// A Loop is intended to be a fixture-wide resource: it is created once (see
// [DefaultLoop]), a finished run returns it to the idle state, and the next
// test reuses it. At most one run may be active at a time, and Run is
// non-reentrant. Pending tasks and timers deliberately survive a run; it is
// the harness's job to release them between tests (see
// [Harness.ReleaseResources]).
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger       *logiface.Logger[logiface.Event]
	panicLimiter *catrate.Limiter

	// State machine (cache-line padded internally)
	state *loopStateMachine

	// wake carries at most one pending wake-up signal; a buffered send
	// cannot be lost, so submissions racing the sleep transition are safe.
	wake chan struct{}

	// mu guards the queue, timer heap, and the per-run stop latch.
	mu         sync.Mutex
	pending    []Task
	pendingBuf []Task
	timers     timerHeap
	timerSeq   uint64
	stopped    bool
	exitCode   int
	panicErr   error

	// Loop ID, for log correlation
	id uint64

	// Loop goroutine only
	tickCount uint64
}

var loopIDCounter atomic.Uint64

// New creates a new event loop.
//
// No OS resources are acquired; the only possible errors are option errors.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Loop{
		id:           loopIDCounter.Add(1),
		state:        newLoopStateMachine(),
		wake:         make(chan struct{}, 1),
		logger:       cfg.logger,
		panicLimiter: cfg.panicLimiter,
	}, nil
}

// Run drives the event loop on the calling goroutine and blocks until the
// loop stops, returning the run's exit code.
//
// The loop stops when [Loop.Stop] (or [Loop.Quit]) is called, when ctx is
// cancelled, or when a callback panics. Run returns exactly once per call,
// and only after the loop has fully stopped:
//   - Stop(code): returns (code, nil)
//   - ctx cancelled first: returns ([ExitTimeout], ctx.Err())
//   - callback panic: returns ([ExitPanic], [PanicError])
//
// Because Run blocks the caller, callbacks execute on the calling goroutine;
// in a test, that is the test goroutine, so assertions inside callbacks
// behave exactly as they would in the test body.
//
// Calling Run while a run is active (including from within a callback)
// returns ErrLoopAlreadyRunning. Run on a closed loop returns ErrLoopClosed.
// Providing a nil ctx will cause a panic.
func (l *Loop) Run(ctx context.Context) (int, error) {
	if ctx == nil {
		panic(`looptest: nil context`)
	}

	if !l.state.TryTransition(StateIdle, StateRunning) {
		if l.state.Load() == StateClosed {
			return 0, ErrLoopClosed
		}
		return 0, ErrLoopAlreadyRunning
	}

	// Fresh run: discard any stop request latched between runs (a stop
	// against a stopped loop is a no-op).
	l.mu.Lock()
	l.stopped = false
	l.exitCode = ExitSuccess
	l.panicErr = nil
	l.mu.Unlock()

	start := time.Now()
	l.logger.Debug().
		Uint64(`loop`, l.id).
		Log(`run started`)

	// Restore Idle on every exit path, including runtime.Goexit out of a
	// callback (e.g. FailNow on the test goroutine). Close wins the race.
	defer func() {
		for {
			state := l.state.Load()
			if state == StateClosed {
				return
			}
			if l.state.TryTransition(state, StateIdle) {
				return
			}
		}
	}()

	var ctxErr error
	for {
		if l.state.Load() == StateClosed {
			ctxErr = ErrLoopClosed
			break
		}
		if l.stopRequested() {
			break
		}

		l.tick()

		if l.stopRequested() {
			break
		}
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}

		l.sleep(ctx)

		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
	}

	l.mu.Lock()
	code := l.exitCode
	stopped := l.stopped
	panicErr := l.panicErr
	l.mu.Unlock()

	if ctxErr != nil && !stopped {
		code = ExitTimeout
	}

	l.logger.Debug().
		Uint64(`loop`, l.id).
		Int(`code`, code).
		Dur(`elapsed`, time.Since(start)).
		Log(`run stopped`)

	if panicErr != nil {
		return code, panicErr
	}
	return code, ctxErr
}

// tick is a single iteration of the event loop.
func (l *Loop) tick() {
	l.tickCount++
	l.runDueTimers()
	l.runPending()
}

// runDueTimers executes all expired timers, earliest deadline first.
// Same-deadline timers fire in registration order. A stop request between
// callbacks ends the pass, so whichever of two due callbacks runs first
// wins the right to decide the exit code.
func (l *Loop) runDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if l.stopped || len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		entry := heap.Pop(&l.timers).(*timerEntry)
		l.mu.Unlock()

		if !entry.state.CompareAndSwap(timerPending, timerFired) {
			continue // cancelled via Timer.Stop
		}
		l.safeExecute(entry.fn)
	}
}

// runPending executes queued tasks in FIFO order, using a swapped buffer so
// submissions during execution land in the next batch.
func (l *Loop) runPending() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	tasks := l.pending
	l.pending = l.pendingBuf[:0]
	l.pendingBuf = tasks
	l.mu.Unlock()

	for i, task := range tasks {
		if l.stopRequested() {
			// Push back the unexecuted remainder, preserving order.
			l.mu.Lock()
			l.pending = append(tasks[i:len(tasks):len(tasks)], l.pending...)
			l.pendingBuf = nil
			l.mu.Unlock()
			return
		}
		l.safeExecute(task)
		tasks[i] = nil
	}
}

// sleep blocks until new work is submitted, the next timer is due, or ctx is
// cancelled. Returns immediately if work is already ready.
func (l *Loop) sleep(ctx context.Context) {
	var tm *time.Timer
	var timerC <-chan time.Time

	l.mu.Lock()
	if len(l.pending) > 0 || l.stopped {
		l.mu.Unlock()
		return
	}
	if len(l.timers) > 0 {
		d := time.Until(l.timers[0].when)
		if d <= 0 {
			l.mu.Unlock()
			return
		}
		tm = time.NewTimer(d)
		timerC = tm.C
	}
	l.mu.Unlock()

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		if tm != nil {
			tm.Stop()
		}
		return
	}

	select {
	case <-l.wake:
	case <-timerC:
	case <-ctx.Done():
	}

	l.state.TryTransition(StateSleeping, StateRunning)
	if tm != nil {
		tm.Stop()
	}
}

// Submit queues a task for execution on the loop goroutine. Safe to call
// from any goroutine; tasks run in submission order. Submitting to a closed
// loop returns ErrLoopClosed; the task is dropped, not executed.
//
// Providing a nil task will cause a panic.
func (l *Loop) Submit(task Task) error {
	if task == nil {
		panic(`looptest: nil task`)
	}
	if l.state.Load() == StateClosed {
		return ErrLoopClosed
	}

	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()

	l.wakeup()
	return nil
}

// ScheduleTimer registers a single-shot timer: fn will run on the loop
// goroutine at most once, no earlier than delay from now, while a run is
// active. Safe to call from any goroutine.
//
// A zero delay is valid and means "as soon as the loop gets to it". Timers
// with equal deadlines fire in registration order. The returned [Timer] may
// be used to cancel the callback before it fires.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (*Timer, error) {
	if fn == nil {
		panic(`looptest: nil callback`)
	}
	if delay < 0 {
		return nil, ErrNegativeDelay
	}
	if l.state.Load() == StateClosed {
		return nil, ErrLoopClosed
	}

	entry := &timerEntry{
		when: time.Now().Add(delay),
		fn:   fn,
	}

	l.mu.Lock()
	l.timerSeq++
	entry.seq = l.timerSeq
	heap.Push(&l.timers, entry)
	l.mu.Unlock()

	l.logger.Debug().
		Uint64(`loop`, l.id).
		Uint64(`timer`, entry.seq).
		Dur(`delay`, delay).
		Log(`timer scheduled`)

	l.wakeup()
	return &Timer{entry: entry}, nil
}

// Stop requests termination of the active run with the given exit code. The
// first call per run wins; calling Stop again, or when no run is active, has
// no observable effect. Safe to call from any goroutine.
func (l *Loop) Stop(code int) {
	l.mu.Lock()
	if l.stopped || l.state.Load() == StateClosed {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.exitCode = code
	l.mu.Unlock()

	l.logger.Debug().
		Uint64(`loop`, l.id).
		Int(`code`, code).
		Log(`stop requested`)

	l.wakeup()
}

// Quit is shorthand for Stop([ExitSuccess]).
func (l *Loop) Quit() {
	l.Stop(ExitSuccess)
}

// Flush executes queued tasks and already-due timers on the calling
// goroutine, without entering a full run. It is the "process pending events"
// step of teardown: deferred work scheduled by a finished test is either
// executed or (having been cancelled) discarded before the next test runs.
//
// Flush discards any stop request latched between runs. It returns
// ErrLoopAlreadyRunning if a run is active, or ErrLoopClosed.
func (l *Loop) Flush() error {
	if !l.state.TryTransition(StateIdle, StateRunning) {
		if l.state.Load() == StateClosed {
			return ErrLoopClosed
		}
		return ErrLoopAlreadyRunning
	}
	defer l.state.TryTransition(StateRunning, StateIdle)

	l.mu.Lock()
	l.stopped = false
	l.mu.Unlock()

	l.tick()
	return nil
}

// DropPending discards all queued tasks and cancels all registered timers
// without executing them. Unlike [Loop.Flush] it never runs callbacks; it is
// the nuclear teardown option for callbacks known to be stale.
func (l *Loop) DropPending() (tasks, timers int) {
	l.mu.Lock()
	tasks = len(l.pending)
	l.pending = nil
	l.pendingBuf = nil
	for _, entry := range l.timers {
		if entry.state.CompareAndSwap(timerPending, timerStopped) {
			timers++
		}
	}
	l.timers = nil
	l.mu.Unlock()
	return tasks, timers
}

// Close permanently shuts down the loop. An active run terminates with
// ErrLoopClosed; subsequent Run, Flush, Submit, and ScheduleTimer calls are
// rejected. Close on an already-closed loop returns ErrLoopClosed.
//
// Intended for process-exit teardown only; between tests, release resources
// instead and reuse the loop.
func (l *Loop) Close() error {
	for {
		state := l.state.Load()
		if state == StateClosed {
			return ErrLoopClosed
		}
		if l.state.TryTransition(state, StateClosed) {
			break
		}
	}
	l.wakeup()
	l.logger.Debug().
		Uint64(`loop`, l.id).
		Log(`loop closed`)
	return nil
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// PendingTasks returns the number of queued tasks. Primarily useful for
// asserting on resource leakage in tests.
func (l *Loop) PendingTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// PendingTimers returns the number of registered, not-yet-fired,
// not-yet-cancelled timers.
func (l *Loop) PendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range l.timers {
		if entry.state.Load() == timerPending {
			n++
		}
	}
	return n
}

// stopRequested reports whether the active run has a latched stop.
func (l *Loop) stopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// wakeup delivers a non-blocking wake signal. The buffered channel holds at
// most one pending signal; extra signals coalesce.
func (l *Loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// safeExecute executes a callback with panic recovery. The first recovered
// panic per run is retained and terminates the run with ExitPanic.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := l.panicLimiter.Allow(panicLogCategory); ok {
				l.logger.Err().
					Uint64(`loop`, l.id).
					Any(`panic`, r).
					Log(`callback panicked`)
			}

			l.mu.Lock()
			if l.panicErr == nil {
				l.panicErr = PanicError{Value: r}
			}
			l.mu.Unlock()

			l.Stop(ExitPanic)
		}
	}()

	fn()
}
