// Package registry is the process-wide watcher registry from
// spec.md §3: the worker handle, the extension handles keyed by
// binary path, and their performance states, all guarded by a single
// exclusive lock (spec.md §3 invariant 4).
//
// Design note: rather than a package-level singleton (the source's
// approach — see spec.md §9), Registry is an explicit value owned by
// main and passed into the supervisor and the launcher. The worker's
// parent-liveness loop gets only the supervisor's pid, not the
// registry.
package registry

import (
	"os"
	"sync"

	"github.com/osquery-go/watchdog/pkg/perfstate"
	"github.com/osquery-go/watchdog/pkg/platform"
)

const extensionsEnvVar = "OSQUERY_EXTENSIONS"

// Registry is the watchdog's shared mutable state.
type Registry struct {
	mu sync.Mutex

	worker             platform.ProcessHandle
	workerState        perfstate.State
	workerExitStatus   *int
	workerRestartCount uint32

	extensions      map[string]platform.ProcessHandle
	extensionStates map[string]*perfstate.State

	fatesBound bool
}

// New returns an empty registry with no worker and no extensions.
func New() *Registry {
	return &Registry{
		worker:          platform.Invalid{},
		extensions:      make(map[string]platform.ProcessHandle),
		extensionStates: make(map[string]*perfstate.State),
	}
}

// SetWorker installs the worker handle.
func (r *Registry) SetWorker(h platform.ProcessHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worker = h
}

// GetWorker returns the current worker handle (Invalid{} if none).
func (r *Registry) GetWorker() platform.ProcessHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker
}

// WorkerState returns a copy of the worker's performance state.
func (r *Registry) WorkerState() perfstate.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerState
}

// SetWorkerExitStatus records the worker's most recent exit code.
func (r *Registry) SetWorkerExitStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := code
	r.workerExitStatus = &c
}

// WorkerExitStatus returns the worker's most recent exit code, if any.
func (r *Registry) WorkerExitStatus() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workerExitStatus == nil {
		return 0, false
	}
	return *r.workerExitStatus, true
}

// WorkerRestarted increments the worker respawn counter and returns
// the new value (invariant 2: last_respawn_time only advances — this
// is the sibling counter used to compute exponential back-off).
func (r *Registry) WorkerRestarted() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerRestartCount++
	return r.workerRestartCount
}

// WorkerRestartCount returns the current respawn count without
// incrementing it.
func (r *Registry) WorkerRestartCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerRestartCount
}

// ResetWorkerCounters resets the worker's performance state and
// records lastRespawnTime (0 before the first launch).
func (r *Registry) ResetWorkerCounters(lastRespawnTime int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerState.Reset(lastRespawnTime)
}

// AddExtension inserts an invalid placeholder handle and a fresh
// state for path; a subsequent create_extension call populates them.
func (r *Registry) AddExtension(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[path] = platform.Invalid{}
	r.extensionStates[path] = &perfstate.State{}
}

// HasExtension reports whether path is already a tracked extension,
// launched or not.
func (r *Registry) HasExtension(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.extensions[path]
	return ok
}

// SetExtension installs a launched handle for an already-added path.
func (r *Registry) SetExtension(path string, h platform.ProcessHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[path] = h
	if _, ok := r.extensionStates[path]; !ok {
		r.extensionStates[path] = &perfstate.State{}
	}
}

// RemoveExtension drops path from both maps, preserving invariant 1
// (extensions and extensionStates share a key set between iterations).
func (r *Registry) RemoveExtension(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.extensions, path)
	delete(r.extensionStates, path)
}

// ResetExtensionCounters resets one extension's performance state.
func (r *Registry) ResetExtensionCounters(path string, lastRespawnTime int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.extensionStates[path]
	if !ok {
		state = &perfstate.State{}
		r.extensionStates[path] = state
	}
	state.Reset(lastRespawnTime)
}

// Snapshot is a point-in-time copy of the extension map, taken under
// the lock, for the supervisor loop to range over without holding the
// lock across launches (spec.md §5: launching happens outside the
// lock).
type Snapshot struct {
	Path   string
	Handle platform.ProcessHandle
}

// ExtensionSnapshot returns a stable-ordered copy of the current
// extension map (spec.md §5: "unspecified but stable" order — this
// implementation sorts by path so tests are deterministic).
func (r *Registry) ExtensionSnapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.extensions))
	for path, h := range r.extensions {
		out = append(out, Snapshot{Path: path, Handle: h})
	}
	sortSnapshots(out)
	return out
}

func sortSnapshots(s []Snapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Path < s[j-1].Path; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// GetExtensionPath resolves a handle back to its registered path, the
// scanning helper spec.md §9 describes for a path-keyed authoritative
// map. Returns "" if child is not a known extension.
func (r *Registry) GetExtensionPath(child platform.ProcessHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, h := range r.extensions {
		if h.Equal(child) {
			return path
		}
	}
	return ""
}

// ExtensionState returns a copy of one extension's performance state.
// The second return is false if path is not registered.
func (r *Registry) ExtensionState(path string) (perfstate.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.extensionStates[path]
	if !ok {
		return perfstate.State{}, false
	}
	return *state, true
}

// WithChildState resolves child to its authoritative *perfstate.State
// and runs fn with the registry lock held for the duration of fn — the
// is_child_sane critical section needs to read and update
// sustained_latency_ticks, last_user_time, last_system_time and
// initial_footprint_bytes as one atomic step. Returns false if child
// is neither the worker nor a known extension, in which case fn is
// not called.
func (r *Registry) WithChildState(child platform.ProcessHandle, fn func(*perfstate.State)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.worker.Equal(child) {
		fn(&r.workerState)
		return true
	}
	for path, h := range r.extensions {
		if h.Equal(child) {
			state, ok := r.extensionStates[path]
			if !ok {
				state = &perfstate.State{}
				r.extensionStates[path] = state
			}
			fn(state)
			return true
		}
	}
	return false
}

// WithChildStateCopy returns a snapshot copy of child's performance
// state, for callers (e.g. incident archival) that only need to read
// it once rather than mutate it under the lock.
func (r *Registry) WithChildStateCopy(child platform.ProcessHandle) (perfstate.State, bool) {
	var snapshot perfstate.State
	found := r.WithChildState(child, func(s *perfstate.State) {
		snapshot = *s
	})
	return snapshot, found
}

// StateFor resolves child (the worker or a known extension) to its
// authoritative *perfstate.State. Returns nil if child is neither.
func (r *Registry) StateFor(child platform.ProcessHandle) *perfstate.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker.Equal(child) {
		return &r.workerState
	}
	for path, h := range r.extensions {
		if h.Equal(child) {
			return r.extensionStates[path]
		}
	}
	return nil
}

// Reset clears the slot for child: if child is the worker, the worker
// handle is cleared and its counters reset with lastRespawnTime 0; if
// it is a known extension, that extension's handle is replaced with a
// placeholder and its counters reset. Used by is_child_sane on
// reparenting detection (spec.md §4.4.2 step 6) — the child keeps
// running, only the registry's bookkeeping is cleared so the next
// tick launches a fresh replacement.
func (r *Registry) Reset(child platform.ProcessHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.worker.Equal(child) {
		r.worker = platform.Invalid{}
		r.workerState.Reset(0)
		return
	}

	for path, h := range r.extensions {
		if h.Equal(child) {
			r.extensions[path] = platform.Invalid{}
			if state, ok := r.extensionStates[path]; ok {
				state.Reset(0)
			} else {
				r.extensionStates[path] = &perfstate.State{}
			}
			return
		}
	}
}

// HasManagedExtensions is true iff extensions is non-empty or the
// OSQUERY_EXTENSIONS environment variable hints that extensions will
// appear later (spec.md §4.6).
func (r *Registry) HasManagedExtensions() bool {
	r.mu.Lock()
	n := len(r.extensions)
	r.mu.Unlock()
	if n > 0 {
		return true
	}
	_, set := os.LookupEnv(extensionsEnvVar)
	return set
}

// SetFatesBound marks the registry as being in terminal shutdown.
// Once set it is never cleared; called from cmd/watchdogd's
// SIGTERM/SIGINT handler before it requests shutdown.
func (r *Registry) SetFatesBound() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatesBound = true
}

// FatesBound reports whether a fatal shutdown has been requested.
func (r *Registry) FatesBound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatesBound
}

// ExtensionsEnvVar is exported so pkg/launcher can set it before
// forking a worker without importing an unrelated constant.
const ExtensionsEnvVar = extensionsEnvVar
