// Package wasm is a third extension-launch strategy: extensions that
// ship as portable .wasm modules rather than native binaries or
// containers run as guests inside an embedded wazero host — no
// daemon, no kernel module, the only sandboxed option in the pack
// that requires zero external runtime. Grounded on the teacher's
// pkg/tartarus/wasm_runtime.go for the wazero.Runtime /
// InstantiateWithConfig / WASI wiring and its cancel-context kill
// pattern.
//
// A wazero guest has no OS pid either; Handle carries a synthetic
// negative pid the same way the container backend does, and liveness
// is "instance not yet closed" rather than a waitpid result.
package wasm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/osquery-go/watchdog/pkg/platform"
	"github.com/osquery-go/watchdog/pkg/procquery"
)

// Launcher compiles and instantiates .wasm extension modules.
type Launcher struct {
	runtime wazero.Runtime

	mu      sync.Mutex
	byPid   map[int]*guest
	nextPid atomic.Int64
}

type guest struct {
	module api.Module
	cancel context.CancelFunc
	exited bool
	exitCode int
}

// New builds a Launcher backed by a fresh wazero runtime.
func New(ctx context.Context) *Launcher {
	return &Launcher{
		runtime: wazero.NewRuntime(ctx),
		byPid:   make(map[int]*guest),
	}
}

// Launch compiles wasmBytes and instantiates it as a guest, wiring
// args/env and a WASI shim the way WasmRuntime.runWasmModule does.
// The guest runs to completion (or cancellation) in a background
// goroutine; Launch returns as soon as instantiation starts.
func (l *Launcher) Launch(ctx context.Context, wasmBytes []byte, args []string, env map[string]string, stdout, stderr io.Writer) (*Handle, error) {
	if l.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, l.runtime); err != nil {
			return nil, fmt.Errorf("extruntime/wasm: instantiating WASI: %w", err)
		}
	}

	cfg := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs(args...).
		WithStartFunctions("_start")
	for k, v := range env {
		cfg = cfg.WithEnv(k, v)
	}

	guestCtx, cancel := context.WithCancel(context.Background())

	pid := int(-l.nextPid.Add(1))
	g := &guest{cancel: cancel}

	l.mu.Lock()
	l.byPid[pid] = g
	l.mu.Unlock()

	go func() {
		mod, err := l.runtime.InstantiateWithConfig(guestCtx, wasmBytes, cfg)
		code := 0
		if err != nil {
			code = 1
		}
		if mod != nil {
			defer mod.Close(guestCtx)
		}

		l.mu.Lock()
		g.module = mod
		g.exited = true
		g.exitCode = code
		l.mu.Unlock()
	}()

	return &Handle{launcher: l, pid: pid}, nil
}

func (l *Launcher) guestFor(pid int) (*guest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.byPid[pid]
	return g, ok
}

func (l *Launcher) forget(pid int) {
	l.mu.Lock()
	delete(l.byPid, pid)
	l.mu.Unlock()
}

// Handle implements platform.ProcessHandle over a running wazero guest.
type Handle struct {
	launcher *Launcher
	pid      int
}

func (h *Handle) Pid() int { return h.pid }

func (h *Handle) Valid() bool {
	_, ok := h.launcher.guestFor(h.pid)
	return ok
}

func (h *Handle) Equal(other platform.ProcessHandle) bool {
	o, ok := other.(*Handle)
	return ok && o.pid == h.pid && o.launcher == h.launcher
}

// Kill cancels the guest's context, the wazero-idiomatic equivalent
// of a termination signal — there is no OS process to signal.
func (h *Handle) Kill() error {
	g, ok := h.launcher.guestFor(h.pid)
	if !ok {
		return nil
	}
	g.cancel()
	return nil
}

// Reap drops the bookkeeping entry once the guest has exited.
// Idempotent; a still-running guest is left alone.
func (h *Handle) Reap() error {
	g, ok := h.launcher.guestFor(h.pid)
	if !ok {
		return nil
	}
	l := h.launcher
	l.mu.Lock()
	exited := g.exited
	l.mu.Unlock()
	if exited {
		l.forget(h.pid)
	}
	return nil
}

// CheckStatus reports Exited once the guest's goroutine has returned.
func (h *Handle) CheckStatus(ctx context.Context) (platform.Status, int, error) {
	g, ok := h.launcher.guestFor(h.pid)
	if !ok {
		return platform.Exited, 0, nil
	}
	h.launcher.mu.Lock()
	exited, code := g.exited, g.exitCode
	h.launcher.mu.Unlock()
	if exited {
		return platform.Exited, code, nil
	}
	return platform.StillAlive, 0, nil
}

// Query implements procquery.ProcessQuery over wazero's exported
// memory-pages gauge rather than OS RSS, translated into the same
// procquery.Row.ResidentSizeBytes field so is_child_sane needs no
// special case. CPU time has no wazero-native equivalent, so
// UserTime/SystemTime are always reported as zero — a guest can only
// ever be killed here for memory growth, never sustained CPU, which
// matches the design note that WASM guests are cooperative and
// disposable rather than CPU-metered.
type Query struct {
	launcher *Launcher
}

// NewQuery wraps l for use as the ProcessQuery adapter passed to the
// supervisor alongside this backend's Handles.
func NewQuery(l *Launcher) *Query {
	return &Query{launcher: l}
}

func (q *Query) Query(ctx context.Context, pid int) (procquery.Row, error) {
	g, ok := q.launcher.guestFor(pid)
	if !ok {
		return procquery.Row{}, fmt.Errorf("%w: no wasm guest tracked for synthetic pid %d", procquery.ErrNotFound, pid)
	}

	q.launcher.mu.Lock()
	mod := g.module
	q.launcher.mu.Unlock()

	var residentBytes uint64
	if mod != nil {
		if mem := mod.Memory(); mem != nil {
			residentBytes = uint64(mem.Size())
		}
	}

	return procquery.Row{
		ParentPid:         int64(os.Getpid()), // the guest runs inside this process
		ResidentSizeBytes: residentBytes,
		ImagePath:         "wasm-guest",
	}, nil
}
