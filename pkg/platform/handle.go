// Package platform provides the opaque OS-process handle the
// supervisor uses to track a worker or extension without depending
// directly on os/exec or syscall in the higher-level packages.
package platform

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// Status is the outcome of a non-blocking liveness check.
type Status int

const (
	StillAlive Status = iota
	Exited
	StatusError
)

// ProcessHandle is an opaque reference to a monitored child. It is
// satisfied by the native OS-process handle in this package, and by
// the container/WASM launch backends (pkg/extruntime/...), which wrap
// a container ID or a WASM module instance behind the same contract
// so the supervisor never has to special-case them.
type ProcessHandle interface {
	// Pid is the identifier the ProcessQuery adapter looks up. For
	// non-native backends this is a synthetic, negative, monotonically
	// assigned ID that the backend's own ProcessQuery implementation
	// resolves back to its real identity.
	Pid() int
	// Valid reports whether this handle refers to a real, launched
	// child (as opposed to a placeholder inserted by AddExtension).
	Valid() bool
	// Equal reports whether two handles refer to the same child.
	Equal(other ProcessHandle) bool
	// Kill sends the child a termination signal. Safe to call on an
	// already-dead child.
	Kill() error
	// Reap best-effort cleans up a zombie left by Kill. It must never
	// block, and "no such process" is not an error.
	Reap() error
	// CheckStatus performs a non-blocking liveness check, the
	// waitpid-equivalent named in spec.md's watch() step 1.
	CheckStatus(ctx context.Context) (Status, int, error)
}

// Invalid is the placeholder handle stored by registry.AddExtension
// before a launch has ever succeeded.
type Invalid struct{}

func (Invalid) Pid() int                                              { return -1 }
func (Invalid) Valid() bool                                           { return false }
func (Invalid) Equal(other ProcessHandle) bool                        { _, ok := other.(Invalid); return ok }
func (Invalid) Kill() error                                           { return nil }
func (Invalid) Reap() error                                           { return nil }
func (Invalid) CheckStatus(context.Context) (Status, int, error)      { return StatusError, 0, nil }

// Handle is the native OS-process handle: a thin wrapper over
// *os.Process plus the pid captured at spawn time (so Pid() still
// works after the process has exited and *os.Process has been
// released).
type Handle struct {
	pid  int
	proc *os.Process
}

// NewHandle wraps an already-started *os.Process.
func NewHandle(proc *os.Process) *Handle {
	return &Handle{pid: proc.Pid, proc: proc}
}

func (h *Handle) Pid() int    { return h.pid }
func (h *Handle) Valid() bool { return h != nil && h.proc != nil && h.pid > 0 }

func (h *Handle) Equal(other ProcessHandle) bool {
	o, ok := other.(*Handle)
	if !ok {
		return false
	}
	if h == nil || o == nil {
		return h == o
	}
	return h.pid == o.pid
}

// Kill sends SIGTERM. ESRCH ("no such process") is treated as
// already-dead, not an error.
func (h *Handle) Kill() error {
	if !h.Valid() {
		return nil
	}
	err := h.proc.Signal(syscall.SIGTERM)
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Reap performs a non-blocking wait4 to collect the zombie, tolerating
// "no child" as success — a concurrent SIGCHLD-driven reaper (or the
// standard library's os.Process.Wait from a different goroutine) may
// have already collected it.
func (h *Handle) Reap() error {
	if !h.Valid() {
		return nil
	}
	var ws syscall.WaitStatus
	_, err := syscall.Wait4(h.pid, &ws, syscall.WNOHANG, nil)
	if err != nil && !errors.Is(err, syscall.ECHILD) && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// CheckStatus is the non-blocking waitpid-equivalent named in
// spec.md's watch() step 1: it reports StillAlive without consuming
// the child, or Exited (with the exit code) once, consuming the
// zombie in the process.
func (h *Handle) CheckStatus(ctx context.Context) (Status, int, error) {
	if !h.Valid() {
		return StatusError, 0, errors.New("platform: invalid handle")
	}

	// ECHILD means the kernel no longer tracks this pid as our child —
	// either it was never ours, or a prior CheckStatus call already
	// reaped it and returned its real Exited/code. Either way this is
	// not a fresh liveness reading: synthesizing a new Exited(0) here
	// would stomp the real exit status already recorded by that prior
	// call, and synthesizing StillAlive would risk reporting a
	// recycled pid as the still-running original. Report it as an
	// error handle instead, so watch() treats the child as gone and
	// create_worker/create_extension runs.
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(h.pid, &ws, syscall.WNOHANG, nil)
	if err != nil {
		return StatusError, 0, err
	}

	if wpid == 0 {
		return StillAlive, 0, nil
	}

	code := ws.ExitStatus()
	if ws.Signaled() {
		code = 128 + int(ws.Signal())
	}
	return Exited, code, nil
}
