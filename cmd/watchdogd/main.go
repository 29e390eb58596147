// Command watchdogd is the process watchdog core: launched normally
// it is the supervisor (spec.md §4.4); re-exec'd by its own launcher
// with WATCHDOG_WORKER_MODE=1 it is the worker, running the
// parent-liveness loop (spec.md §4.5) alongside whatever the worker's
// own job is. One binary plays both roles, the way the source's
// osqueryd re-execs itself, rather than shipping two binaries that
// could drift out of sync with each other's flags.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/osquery-go/watchdog/pkg/extauth"
	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/incident"
	"github.com/osquery-go/watchdog/pkg/launcher"
	"github.com/osquery-go/watchdog/pkg/limits"
	"github.com/osquery-go/watchdog/pkg/parentwatch"
	"github.com/osquery-go/watchdog/pkg/procquery"
	"github.com/osquery-go/watchdog/pkg/registry"
	"github.com/osquery-go/watchdog/pkg/sanitypolicy"
	"github.com/osquery-go/watchdog/pkg/shutdown"
	"github.com/osquery-go/watchdog/pkg/statusmirror"
	"github.com/osquery-go/watchdog/pkg/watchconfig"
	"github.com/osquery-go/watchdog/pkg/watchsupervisor"
	"github.com/osquery-go/watchdog/worker/tables"
)

func main() {
	if os.Getenv(launcher.WorkerModeEnvVar) == "1" {
		runWorker()
		return
	}
	runSupervisor()
}

func runSupervisor() {
	logger := hermes.NewSlogAdapter()
	metrics := hermes.NewNoopMetrics()
	ctx := context.Background()

	fs := watchconfig.FlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Error(ctx, "failed to parse flags", map[string]any{"error": err.Error()})
		os.Exit(shutdown.ExitFailure)
	}

	cfg, err := watchconfig.Load(fs)
	if err != nil {
		logger.Error(ctx, "failed to load config", map[string]any{"error": err.Error()})
		os.Exit(shutdown.ExitFailure)
	}

	if cfg.DisableWatchdog {
		logger.Info(ctx, "watchdog disabled, running worker code path in-process", nil)
		runWorkerPayload(ctx, logger, metrics)
		return
	}

	reg := registry.New()
	coord := shutdown.New()
	query := procquery.New()
	launch := launcher.New(query, reg, coord, logger, metrics)

	registerExtensions(ctx, reg, cfg.ExtensionPaths, logger)

	if err := watchconfig.Watch(cfg, cfg.ConfigPath, func(next *watchconfig.Config) {
		logger.Info(ctx, "reloaded watchdog_level from config", map[string]any{"level": next.WatchdogLevel})
		registerExtensions(ctx, reg, next.ExtensionPaths, logger)
	}); err != nil {
		logger.Warn(ctx, "config hot-reload not active", map[string]any{"error": err.Error()})
	}

	installSignalHandlers(ctx, coord, reg, logger)

	extensionConfig := func(path string) (socket, timeout, interval string, verbose bool) {
		return cfg.ExtensionSocket, cfg.ExtensionTimeout, cfg.ExtensionInterval, cfg.Verbose
	}

	supervisor := watchsupervisor.New(reg, query, launch, coord, logger, metrics, true, os.Args, extensionConfig)

	hostname, _ := os.Hostname()
	wireOptionalCollaborators(ctx, cfg, supervisor, launch, hostname, logger)

	// The first worker launch happens exactly like every subsequent
	// respawn: through launch_worker, not a special-cased bootstrap.
	if _, err := launch.LaunchWorker(ctx, os.Args); err != nil {
		logger.Error(ctx, "initial worker launch failed", map[string]any{"error": err.Error()})
		os.Exit(coord.Code())
	}

	supervisor.Run(ctx)
	os.Exit(coord.Code())
}

func runWorker() {
	logger := hermes.NewSlogAdapter()
	metrics := hermes.NewNoopMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := shutdown.New()
	supervisorPid, _ := strconv.Atoi(os.Getenv(launcher.SupervisorPidEnvVar))

	watch := parentwatch.New(supervisorPid, coord, logger)
	go watch.Run(ctx)

	installWorkerSignalHandlers(coord)

	runWorkerPayload(ctx, logger, metrics)

	select {
	case <-coord.Done():
	case <-ctx.Done():
	}
	os.Exit(coord.Code())
}

// runWorkerPayload is where a real osquery-style worker would start
// serving queries and extensions. This watchdog core has nothing to
// serve on its own; it registers the one illustrative data table
// (worker/tables/processes.go) as a stand-in for the SQL virtual-table
// surface the real worker would expose. Nothing in the worker calls
// the table's Generate or serves it over any interface; after this
// returns, the worker only waits for shutdown.
func runWorkerPayload(ctx context.Context, logger hermes.Logger, metrics hermes.Metrics) {
	if err := tables.RegisterProcesses(ctx, procquery.New()); err != nil {
		logger.Warn(ctx, "failed to register processes table", map[string]any{"error": err.Error()})
	}
	metrics.SetGauge("watchdog_worker_ready", 1, hermes.Label{Key: "watchdog_level", Value: strconv.Itoa(int(limits.DefaultLevel()))})
	logger.Info(ctx, "worker ready", map[string]any{"watchdog_level": limits.DefaultLevel()})
}

// registerExtensions adds every configured extension binary to the
// registry as a fresh Invalid{} placeholder (spec.md §2's Watcher
// registry, populated the way the source's --extensions_autoload
// does at startup), so the supervisor loop's watch/createExtension
// path has something to launch on its very first iteration. Paths are
// canonicalized here, once, before registration — LaunchExtension
// installs the handle it spawns under this exact same key, so the two
// must never disagree (see pkg/launcher.Canonicalize's doc comment).
// Called again on every config reload so newly added extensions take
// effect without a restart; already-registered paths are left alone
// so a live extension is never re-added out from under a running
// handle.
func registerExtensions(ctx context.Context, reg *registry.Registry, paths []string, logger hermes.Logger) {
	for _, raw := range paths {
		path, err := launcher.Canonicalize(raw)
		if err != nil {
			logger.Warn(ctx, "skipping unresolvable extension path", map[string]any{"path": raw, "error": err.Error()})
			continue
		}
		if reg.HasExtension(path) {
			continue
		}
		reg.AddExtension(path)
		logger.Info(ctx, "registered managed extension", map[string]any{"path": path})
	}
}

// wireOptionalCollaborators installs every SPEC_FULL.md collaborator
// that is off by default and only activates when its config section
// is present: incident archival, the status mirror, the pluggable
// sanity policy, and extension handshake tokens. Each is independently
// optional. A failing archiver, mirror or token minter degrades to a
// logged warning, never a startup failure, mirroring the
// "archival/mirroring must never threaten the supervisor" design note;
// a sanity policy that fails to compile is the one exception and
// exits the process.
func wireOptionalCollaborators(ctx context.Context, cfg *watchconfig.Config, supervisor *watchsupervisor.Supervisor, launch *launcher.Launcher, hostname string, logger hermes.Logger) {
	if cfg.ArchiveS3Bucket != "" {
		archiver, err := incident.New(ctx, cfg.ArchiveS3Endpoint, cfg.ArchiveS3Region, cfg.ArchiveS3Bucket, cfg.ArchiveS3AccessKey, cfg.ArchiveS3SecretKey, cfg.ArchiveAgeRecipient, logger)
		if err != nil {
			logger.Warn(ctx, "incident archival not active", map[string]any{"error": err.Error()})
		} else {
			supervisor.SetArchiver(archiver)
		}
	}

	if cfg.StatusMirrorRedisAddr != "" {
		mirror, err := statusmirror.New(cfg.StatusMirrorRedisAddr, cfg.StatusMirrorRedisDB, cfg.StatusMirrorPassword, 30*time.Second, logger)
		if err != nil {
			logger.Warn(ctx, "status mirror not active", map[string]any{"error": err.Error()})
		} else {
			supervisor.SetStatusMirror(mirror, hostname)
		}
	}

	if cfg.SanityPolicy != "" {
		policy, err := sanitypolicy.Compile(cfg.SanityPolicy)
		if err != nil {
			logger.Error(ctx, "sanity policy failed to compile, refusing to start", map[string]any{"error": err.Error()})
			os.Exit(shutdown.ExitFailure)
		}
		supervisor.SetSanityPolicy(policy)
	}

	if cfg.ExtensionAuthSecret != "" {
		minter, err := extauth.NewMinter([]byte(cfg.ExtensionAuthSecret), 60*time.Second)
		if err != nil {
			logger.Warn(ctx, "extension handshake authentication not active", map[string]any{"error": err.Error()})
		} else {
			launch.SetAuthMinter(minter)
		}
	}
}

// installSignalHandlers wires SIGTERM/SIGINT to a clean shutdown, and
// treats SIGCHLD-independent process-exit detection as the
// supervisor's own job (spec.md §4.4.1's non-blocking waitpid), not
// something a signal handler decides.
func installSignalHandlers(ctx context.Context, coord *shutdown.Coordinator, reg *registry.Registry, logger hermes.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigs
		logger.Info(ctx, "received termination signal, shutting down", map[string]any{"signal": sig.String()})
		reg.SetFatesBound()
		if w := reg.GetWorker(); w.Valid() {
			_ = w.Kill()
			_ = w.Reap()
		}
		for _, snap := range reg.ExtensionSnapshot() {
			if snap.Handle.Valid() {
				_ = snap.Handle.Kill()
				_ = snap.Handle.Reap()
			}
		}
		coord.RequestShutdown(shutdown.ExitSuccess)
	}()
}

func installWorkerSignalHandlers(coord *shutdown.Coordinator) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		coord.RequestShutdown(shutdown.ExitSuccess)
	}()
}
