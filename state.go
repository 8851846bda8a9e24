package looptest

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateIdle (0) → StateRunning (1)        [Run() / Flush()]
//	StateRunning (1) → StateSleeping (2)    [no work ready, via CAS]
//	StateSleeping (2) → StateRunning (1)    [wake-up, via CAS]
//	StateRunning (1) → StateIdle (0)        [run finished]
//	any → StateClosed (3)                   [Close()]
//	StateClosed (3) → (terminal)
//
// Unlike a one-shot loop, a finished run transitions back to StateIdle so
// the same loop instance can be reused by the next test. StateClosed is the
// only terminal state.
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for reversible states (Running, Sleeping)
//   - Store() is reserved for the terminal transition to StateClosed
type LoopState uint32

const (
	// StateIdle indicates no run is active; the loop may be started or
	// flushed.
	StateIdle LoopState = 0
	// StateRunning indicates the loop is actively processing tasks.
	StateRunning LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for work or the
	// next timer deadline.
	StateSleeping LoopState = 2
	// StateClosed indicates the loop has been permanently shut down.
	StateClosed LoopState = 3
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state machine with cache-line padding.
// Pure atomic CAS operations, no mutex; padding prevents false sharing with
// the loop's mutex-guarded queue fields.
type loopStateMachine struct {
	_ [64]byte      //nolint:unused
	v atomic.Uint32 // State value
	_ [60]byte      //nolint:unused
}

// newLoopStateMachine creates a state machine in the Idle state.
func newLoopStateMachine() *loopStateMachine {
	s := &loopStateMachine{}
	s.v.Store(uint32(StateIdle))
	return s
}

// Load returns the current state atomically.
func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, without transition validation.
func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsTerminal returns true if the current state is terminal (Closed).
func (s *loopStateMachine) IsTerminal() bool {
	return s.Load() == StateClosed
}

// IsRunning returns true if a run is currently active.
func (s *loopStateMachine) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}
