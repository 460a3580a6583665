// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral, callback-based event reactor. Each worker goroutine and
// the connection manager own exactly one Reactor instance (spec §5: "a
// socket is owned by exactly one thread at a time"); Register/Unregister
// must only ever be called by that owner.
//
// Generalized from the teacher's reactor/epoll_reactor.go FDCallback shape,
// replacing its sync.Map (intended for concurrent registration from many
// goroutines) with the single-owner contract this engine actually needs,
// and a UserData tag instead of a raw pointer, per DESIGN NOTES'
// "arena+index, not raw pointers."

package reactor

// EventType is a bitmask of readiness conditions reported by Poll.
type EventType int

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError
)

// Callback is invoked once per ready fd per Poll call with the events that
// fired. UserData is whatever opaque tag (e.g. a socket-context slot id)
// was supplied at Register time.
type Callback func(fd uintptr, userData uintptr, events EventType)

// Reactor multiplexes readiness notifications over a set of file
// descriptors owned by a single goroutine.
type Reactor interface {
	// Register starts watching fd for the given event mask, invoking cb
	// from within Poll when it fires.
	Register(fd uintptr, events EventType, userData uintptr, cb Callback) error

	// Modify changes the watched event mask for an already-registered fd.
	Modify(fd uintptr, events EventType) error

	// Unregister stops watching fd. Safe to call even if fd was never
	// registered.
	Unregister(fd uintptr) error

	// Poll blocks up to timeoutMs (negative blocks indefinitely) and
	// dispatches callbacks for any fds that became ready.
	Poll(timeoutMs int) error

	// Close releases the underlying OS poll handle.
	Close() error
}
