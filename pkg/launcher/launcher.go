// Package launcher implements spec.md §4.3: the two operations that
// turn a verified binary path into a running, registered child —
// launch_worker and launch_extension. Both share the same
// safe-permissions gate and the same fatal-on-spawn-failure policy;
// grounded on the source's WatcherRunner::createWorker/createExtension
// (original_source/osquery/core/watcher.cpp) and, for the actual
// fork/exec mechanics, on the teacher's own exec.Command usage in
// pkg/kampe/gvisor_runtime.go.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/osquery-go/watchdog/pkg/extauth"
	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/platform"
	"github.com/osquery-go/watchdog/pkg/procquery"
	"github.com/osquery-go/watchdog/pkg/registry"
	"github.com/osquery-go/watchdog/pkg/shutdown"
)

// ErrorKind classifies why a launch failed.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Unsafe
	Spawn
)

// WorkerModeEnvVar, when set to "1" in the environment, tells a
// freshly exec'd copy of the watchdog binary that it is the worker,
// not a new supervisor. SupervisorPidEnvVar carries the launching
// supervisor's pid for pkg/parentwatch's liveness loop.
const (
	WorkerModeEnvVar    = "WATCHDOG_WORKER_MODE"
	SupervisorPidEnvVar = "WATCHDOG_SUPERVISOR_PID"
)

// unsafePermissionsCode is the source's RLOG(1382) diagnostic number,
// carried forward unchanged so the numbered-code convention survives
// even though this codebase has no RLOG macro of its own.
const unsafePermissionsCode = 1382

// LaunchError reports why launch_worker or launch_extension failed.
// Code is non-zero only for Unsafe, matching the one numbered
// diagnostic the source actually emits from this path.
type LaunchError struct {
	Kind ErrorKind
	Code int
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	switch e.Kind {
	case Unknown:
		return fmt.Sprintf("launcher: cannot determine own image path: %v", e.Err)
	case Unsafe:
		return fmt.Sprintf("launcher: unsafe permissions on %s: %v", e.Path, e.Err)
	case Spawn:
		return fmt.Sprintf("launcher: spawn failed for %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("launcher: %v", e.Err)
	}
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Launcher owns the collaborators launch_worker/launch_extension need:
// a way to discover the supervisor's own image path, the registry to
// install a freshly launched handle into, and the shutdown requester
// every unrecoverable step must call.
type Launcher struct {
	query    procquery.ProcessQuery
	registry *registry.Registry
	shutdown shutdown.Requester
	logger   hermes.Logger
	metrics  hermes.Metrics

	// onHash is an optional hook invoked with the launched binary's
	// blake3 digest. Nil (the default) means no digest is computed.
	onHash func(path string, digest [32]byte)

	// auth is an optional handshake token minter. When set, every
	// LaunchExtension call mints a fresh token scoped to the extension
	// path and passes it via argv, the same way the socket/timeout/
	// interval already travel.
	auth *extauth.Minter
}

// New returns a Launcher. logger and metrics may be a slog-backed
// adapter and hermes.NewNoopMetrics() respectively; both are required
// non-nil.
func New(query procquery.ProcessQuery, reg *registry.Registry, sd shutdown.Requester, logger hermes.Logger, metrics hermes.Metrics) *Launcher {
	return &Launcher{query: query, registry: reg, shutdown: sd, logger: logger, metrics: metrics}
}

// SetHashHook installs fn to be called with the blake3 digest of every
// binary this Launcher spawns. Replaces any previously set hook. The
// Launcher keeps no digest of its own and compares nothing between
// launches; whatever fn does with the digest is the hook's business.
func (l *Launcher) SetHashHook(fn func(path string, digest [32]byte)) {
	l.onHash = fn
}

// SetAuthMinter installs the handshake token minter used for every
// subsequent LaunchExtension call. A nil minter (the default) means no
// token is minted or passed.
func (l *Launcher) SetAuthMinter(m *extauth.Minter) {
	l.auth = m
}

// LaunchWorker implements spec.md §4.3 launch_worker: resolve the
// supervisor's own image path via the process-query adapter, verify
// it, and exec a copy of it as the worker. argv is the full argument
// vector the child receives (the caller is responsible for whatever
// marker flag distinguishes "I am the worker" from "I am the
// supervisor", exactly as the source re-execs itself with the same
// argv and relies on an internal mode flag).
func (l *Launcher) LaunchWorker(ctx context.Context, argv []string) (platform.ProcessHandle, error) {
	row, err := l.query.Query(ctx, os.Getpid())
	if err != nil || row.ImagePath == "" {
		lerr := &LaunchError{Kind: Unknown, Err: fmt.Errorf("image path unavailable: %w", err)}
		l.logger.Error(ctx, "watchdog cannot determine process path for worker", map[string]any{"error": lerr.Error()})
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	execPath, err := canonicalize(row.ImagePath)
	if err != nil {
		lerr := &LaunchError{Kind: Unknown, Path: row.ImagePath, Err: err}
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	if err := safePermissions(execPath); err != nil {
		lerr := &LaunchError{Kind: Unsafe, Code: unsafePermissionsCode, Path: execPath, Err: err}
		l.logger.Error(ctx, "watchdog has unsafe permissions", map[string]any{"path": execPath, "error": err.Error()})
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	if l.registry.HasManagedExtensions() {
		if err := os.Setenv(registry.ExtensionsEnvVar, "true"); err != nil {
			l.logger.Warn(ctx, "failed to set extensions env var", map[string]any{"error": err.Error()})
		}
	}

	l.hashBinary(execPath)

	cmd := exec.Command(execPath)
	if len(argv) > 0 {
		cmd.Args = argv
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// The worker reads its argv exactly as the supervisor was invoked
	// (spec.md §4.3 step 4); WorkerModeEnvVar/SupervisorPidEnvVar are
	// how it tells itself apart from a fresh supervisor invocation,
	// mirroring the source's environment-variable worker marker rather
	// than an argv flag.
	cmd.Env = append(os.Environ(),
		WorkerModeEnvVar+"=1",
		SupervisorPidEnvVar+"="+strconv.Itoa(os.Getpid()),
	)

	if err := cmd.Start(); err != nil {
		lerr := &LaunchError{Kind: Spawn, Path: execPath, Err: err}
		l.logger.Error(ctx, "watchdog could not create a worker process", map[string]any{"error": err.Error()})
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	handle := platform.NewHandle(cmd.Process)
	l.registry.SetWorker(handle)
	l.registry.ResetWorkerCounters(time.Now().Unix())
	l.metrics.IncCounter("watchdog_restart_total", 1, hermes.Label{Key: "child", Value: "worker"})
	l.logger.Debug(ctx, "watchdog executing worker", map[string]any{"worker_pid": handle.Pid()})
	return handle, nil
}

// LaunchExtension implements spec.md §4.3 launch_extension: verify
// safe permissions on path, then spawn it with the arguments
// identifying the extension socket, connection timeout, heartbeat
// interval, and verbosity. Spawn failure is fatal to the whole agent,
// the same policy as a worker spawn failure.
//
// path must already be the canonical (absolute, symlink-resolved)
// form registered with registry.AddExtension — the registry's
// authoritative key for a tracked extension is whatever string the
// caller registered it under, so LaunchExtension re-derives the
// canonical form only to run the permission check and exec against it
// (it does not compare it with path), and always installs the launched
// handle under the caller's own path rather than a freshly recomputed
// one. Canonicalizing twice under two different
// strings would otherwise split one extension across two registry
// entries: the original key left permanently Invalid{} (endlessly
// retried by watch()) while the real handle lives, unpolled, under
// the second.
func (l *Launcher) LaunchExtension(ctx context.Context, path, socket, timeout, interval string, verbose bool) (platform.ProcessHandle, error) {
	// Unsafe permissions on an extension binary are fatal to the whole
	// agent (spec.md §7), the same policy as the supervisor's own
	// image — the worker depends on plugin wiring matching the
	// supervisor's view, so a tampered extension binary cannot simply
	// be skipped.
	execPath, err := canonicalize(path)
	if err != nil {
		lerr := &LaunchError{Kind: Unsafe, Path: path, Err: err}
		l.logger.Error(ctx, "extension binary has unsafe permissions", map[string]any{"path": path, "error": err.Error()})
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	if err := safePermissions(execPath); err != nil {
		lerr := &LaunchError{Kind: Unsafe, Code: unsafePermissionsCode, Path: execPath, Err: err}
		l.logger.Error(ctx, "extension binary has unsafe permissions", map[string]any{"path": execPath, "error": err.Error()})
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	l.hashBinary(execPath)

	args := []string{
		"--extension_socket=" + socket,
		"--extension_timeout=" + timeout,
		"--extension_interval=" + interval,
	}
	if verbose {
		args = append(args, "--verbose")
	}
	if l.auth != nil {
		token, err := l.auth.Mint(path)
		if err != nil {
			l.logger.Warn(ctx, "failed to mint extension handshake token", map[string]any{"path": path, "error": err.Error()})
		} else {
			args = append(args, "--extension_auth_token="+token)
		}
	}

	cmd := exec.Command(execPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		lerr := &LaunchError{Kind: Spawn, Path: execPath, Err: err}
		l.logger.Error(ctx, "cannot create extension process", map[string]any{"path": execPath, "error": err.Error()})
		l.shutdown.RequestShutdown(shutdown.ExitFailure)
		return nil, lerr
	}

	handle := platform.NewHandle(cmd.Process)
	l.registry.SetExtension(path, handle)
	l.registry.ResetExtensionCounters(path, time.Now().Unix())
	l.metrics.IncCounter("watchdog_restart_total", 1, hermes.Label{Key: "child", Value: path})
	l.logger.Debug(ctx, "created and monitoring extension child", map[string]any{"path": path, "pid": handle.Pid()})
	return handle, nil
}

func (l *Launcher) hashBinary(path string) {
	if l.onHash == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	l.onHash(path, digest)
}

// Canonicalize resolves path to an absolute, symlink-free location,
// mirroring fs::system_complete in the source. Callers that register
// an extension path with registry.AddExtension must canonicalize it
// with this function first, so the key they register under matches
// the key LaunchExtension installs the launched handle under.
func Canonicalize(path string) (string, error) {
	return canonicalize(path)
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}
	return resolved, nil
}

// safePermissions verifies that both path and its parent directory
// are owned by root or the current user and are not group- or
// world-writable — spec.md §4.3 step 2's "safe permissions" gate,
// ported from the source's safePermissions (osquery/filesystem).
// Windows has no uid/mode-bit equivalent of this check; it always
// passes there, matching the source's Windows no-op.
func safePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	if err := checkOwnerAndMode(path); err != nil {
		return err
	}
	return checkOwnerAndMode(filepath.Dir(path))
}

func checkOwnerAndMode(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return errors.New("cannot read owner/mode for " + path)
	}

	uid := os.Getuid()
	if int(stat.Uid) != 0 && int(stat.Uid) != uid {
		return fmt.Errorf("%s is not owned by root or the current user", path)
	}

	// 0022 = group-write | other-write.
	if info.Mode().Perm()&0o022 != 0 {
		return fmt.Errorf("%s is group- or world-writable (mode %o)", path, info.Mode().Perm())
	}

	return nil
}
