package looptest

import (
	"sync"
)

// ConnectionID uniquely identifies a signal connection for disconnection. Go
// functions cannot be reliably compared for equality, so each connection is
// issued a unique ID instead.
type ConnectionID uint64

// connection pairs a subscriber callback with its delivery mode.
type connection[T any] struct {
	fn   func(T)
	loop *Loop // nil for direct connections
	id   ConnectionID
	once bool
}

// Signal is an ordered set of subscriber callbacks, the explicit
// registration replacement for framework signal/slot dispatch.
//
// Connections come in two delivery modes:
//   - Direct ([Signal.Connect]): the callback runs synchronously on the
//     emitting goroutine, in registration order.
//   - Queued ([Signal.ConnectQueued]): delivery is marshaled onto an event
//     loop via [Loop.Submit], so a background goroutine can emit while the
//     callback runs on the loop goroutine. Emissions from a single goroutine
//     are delivered in emission order.
//
// The zero value is ready to use. Signal is safe for concurrent use; the
// subscriber list is snapshotted before dispatch, so connecting or
// disconnecting from within a callback affects only later emissions.
type Signal[T any] struct {
	mu     sync.Mutex
	conns  []connection[T]
	nextID ConnectionID
}

// Connect registers fn to run synchronously on the emitting goroutine.
// Returns an ID usable with [Signal.Disconnect].
//
// Providing a nil callback will cause a panic.
func (s *Signal[T]) Connect(fn func(T)) ConnectionID {
	return s.connect(fn, nil, false)
}

// ConnectQueued registers fn to run on loop's goroutine: each emission
// submits a task delivering the value. Emissions after the loop is closed
// are dropped.
//
// Providing a nil callback or loop will cause a panic.
func (s *Signal[T]) ConnectQueued(loop *Loop, fn func(T)) ConnectionID {
	if loop == nil {
		panic(`looptest: nil loop`)
	}
	return s.connect(fn, loop, false)
}

// ConnectOnce registers a direct connection that is removed after its first
// delivery.
func (s *Signal[T]) ConnectOnce(fn func(T)) ConnectionID {
	return s.connect(fn, nil, true)
}

// ConnectQueuedOnce registers a queued connection that is removed after its
// first emission (the queued task may still be in flight on the loop).
func (s *Signal[T]) ConnectQueuedOnce(loop *Loop, fn func(T)) ConnectionID {
	if loop == nil {
		panic(`looptest: nil loop`)
	}
	return s.connect(fn, loop, true)
}

func (s *Signal[T]) connect(fn func(T), loop *Loop, once bool) ConnectionID {
	if fn == nil {
		panic(`looptest: nil callback`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.conns = append(s.conns, connection[T]{
		id:   s.nextID,
		fn:   fn,
		loop: loop,
		once: once,
	})
	return s.nextID
}

// Disconnect removes the connection with the given ID, returning true if a
// connection was removed.
func (s *Signal[T]) Disconnect(id ConnectionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, conn := range s.conns {
		if conn.id == id {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return true
		}
	}
	return false
}

// DisconnectAll removes every connection.
func (s *Signal[T]) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = nil
}

// ConnectionCount returns the number of registered connections.
func (s *Signal[T]) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Emit delivers v to every connection: direct callbacks run inline before
// Emit returns, queued callbacks are submitted to their loops. Safe to call
// from any goroutine.
func (s *Signal[T]) Emit(v T) {
	// Snapshot so dispatch runs without the lock held.
	s.mu.Lock()
	conns := make([]connection[T], len(s.conns))
	copy(conns, s.conns)

	for i := 0; i < len(s.conns); {
		if s.conns[i].once {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			continue
		}
		i++
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if conn.loop == nil {
			conn.fn(v)
			continue
		}
		fn := conn.fn
		// A closed loop drops the delivery; there is nothing left to
		// observe it.
		_ = conn.loop.Submit(func() { fn(v) })
	}
}
