// Package shutdown is the "Initializer" collaborator named in
// spec.md §6: the narrow surface the watchdog core uses to request
// termination on an unrecoverable condition, without owning the
// process's actual exit sequence itself.
package shutdown

import (
	"sync"
	"sync/atomic"
)

// Codes mirror spec.md §6/§7.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCatastrophic = 78
)

// Requester is what the launcher and supervisor depend on. main wires
// a *Coordinator that satisfies it; tests can substitute a fake.
type Requester interface {
	RequestShutdown(code int)
}

// Coordinator tracks whether shutdown has been requested, the code it
// was requested with, and exposes a channel that closes exactly once
// on the first request — the interruptible-sleep primitive spec.md §5
// requires ("the sleep primitive must be interruptible").
type Coordinator struct {
	interrupted atomic.Bool
	once        sync.Once
	done        chan struct{}
	code        atomic.Int32
}

// New returns a Coordinator that has not yet had shutdown requested.
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// RequestShutdown marks the coordinator interrupted and records code
// (only the first call's code is kept). Safe to call from a signal
// handler or any goroutine, any number of times.
func (c *Coordinator) RequestShutdown(code int) {
	c.interrupted.Store(true)
	c.once.Do(func() {
		c.code.Store(int32(code))
		close(c.done)
	})
}

// Interrupted reports whether shutdown has been requested.
func (c *Coordinator) Interrupted() bool {
	return c.interrupted.Load()
}

// Code returns the first-requested exit code (0 if none requested).
func (c *Coordinator) Code() int {
	return int(c.code.Load())
}

// Done returns a channel that is closed exactly once, the first time
// RequestShutdown is called. Select on it alongside a timer to make a
// sleep interruptible.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
