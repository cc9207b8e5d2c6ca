// Package reactor defines the platform-neutral readiness-selector
// abstraction that a Colossus Worker drives each turn.
package reactor

import "time"

// Interest describes which readiness conditions a registration cares about.
type Interest int

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Event reports a single readiness notification.
type Event struct {
	Fd       uintptr
	UserData uintptr // opaque value supplied at Register, usually a context id
	Readable bool
	Writable bool
	Error    bool
}

// Reactor multiplexes readiness across registered file descriptors. A
// Worker owns exactly one Reactor and never shares it across threads.
type Reactor interface {
	// Register begins watching fd for the given interest, tagging events
	// for it with userData.
	Register(fd uintptr, userData uintptr, interest Interest) error

	// Modify changes the interest set for an already-registered fd.
	Modify(fd uintptr, interest Interest) error

	// Unregister stops watching fd. Safe to call more than once.
	Unregister(fd uintptr) error

	// Wait blocks up to timeout (0 means return immediately, <0 means
	// block indefinitely) and fills ready events into out, returning the
	// count written.
	Wait(out []Event, timeout time.Duration) (int, error)

	// Close releases the underlying OS resource.
	Close() error
}

// New constructs the best available Reactor for the current platform.
func New() (Reactor, error) {
	return newPlatformReactor()
}
