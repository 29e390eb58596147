// Package watchsupervisor is the supervisor loop itself: spec.md §4.4.
// watch, is_child_sane, create_worker and create_extension, wired
// together into the single long-running poll loop that decides
// whether the worker and every managed extension stay up, get
// relaunched, or get given up on. Grounded on the teacher's own
// poll-then-enforce shape in pkg/erinyes/poll_fury.go, adapted from a
// per-sandbox ticker into the single-threaded, lock-snapshotted loop
// spec.md §5 requires.
package watchsupervisor

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/incident"
	"github.com/osquery-go/watchdog/pkg/launcher"
	"github.com/osquery-go/watchdog/pkg/limits"
	"github.com/osquery-go/watchdog/pkg/perfstate"
	"github.com/osquery-go/watchdog/pkg/platform"
	"github.com/osquery-go/watchdog/pkg/procquery"
	"github.com/osquery-go/watchdog/pkg/registry"
	"github.com/osquery-go/watchdog/pkg/sanitypolicy"
	"github.com/osquery-go/watchdog/pkg/shutdown"
	"github.com/osquery-go/watchdog/pkg/statusmirror"
)

// ExtensionConfig resolves the socket/timeout/interval/verbosity
// values create_extension needs to relaunch path — spec.md §6 names
// this the Config collaborator's get_string contract.
type ExtensionConfig func(path string) (socket, timeout, interval string, verbose bool)

// Supervisor runs spec.md §4.4's single poll loop.
type Supervisor struct {
	registry *registry.Registry
	query    procquery.ProcessQuery
	launch   *launcher.Launcher
	shutdown *shutdown.Coordinator
	logger   hermes.Logger
	metrics  hermes.Metrics

	useWorker  bool
	workerArgv []string
	extConfig  ExtensionConfig

	selfPid  int
	archiver *incident.Archiver
	mirror   *statusmirror.Mirror
	hostname string
	sanity   *sanitypolicy.Policy
}

// SetSanityPolicy installs an optional CEL rule evaluated on top of
// the mandatory CPU/memory checks in isChildSane. A nil policy (the
// default) means only the mandatory checks run.
func (s *Supervisor) SetSanityPolicy(p *sanitypolicy.Policy) {
	s.sanity = p
}

// SetArchiver installs the forensic archival sink used when a child
// is killed for cause or an extension is given up on. Optional —
// a nil archiver (the default) means no archival happens.
func (s *Supervisor) SetArchiver(a *incident.Archiver) {
	s.archiver = a
}

// SetStatusMirror installs the write-only telemetry mirror published
// after every poll iteration. Optional — a nil mirror (the default)
// means nothing is published.
func (s *Supervisor) SetStatusMirror(m *statusmirror.Mirror, hostname string) {
	s.mirror = m
	s.hostname = hostname
}

// New returns a Supervisor. workerArgv is the argument vector passed
// to launch_worker; extConfig resolves per-extension launch
// parameters at relaunch time, not at registration time, so config
// hot-reloads take effect on the next respawn.
func New(reg *registry.Registry, query procquery.ProcessQuery, launch *launcher.Launcher, sd *shutdown.Coordinator, logger hermes.Logger, metrics hermes.Metrics, useWorker bool, workerArgv []string, extConfig ExtensionConfig) *Supervisor {
	if extConfig == nil {
		extConfig = func(string) (string, string, string, bool) { return "", "", "", false }
	}
	return &Supervisor{
		registry:   reg,
		query:      query,
		launch:     launch,
		shutdown:   sd,
		logger:     logger,
		metrics:    metrics,
		useWorker:  useWorker,
		workerArgv: workerArgv,
		extConfig:  extConfig,
		selfPid:    os.Getpid(),
	}
}

// Run executes the poll loop until shutdown is requested or ok()
// returns false. It never returns an error on its own — termination
// is communicated entirely through the shutdown coordinator's
// recorded exit code.
func (s *Supervisor) Run(ctx context.Context) {
	for !s.shutdown.Interrupted() && s.ok() {
		if s.useWorker {
			worker := s.registry.GetWorker()
			if !s.watch(ctx, worker) {
				if s.registry.FatesBound() {
					break
				}
				s.createWorker(ctx)
			}
		}

		var failing []string
		for _, snap := range s.registry.ExtensionSnapshot() {
			if s.registry.FatesBound() {
				break
			}
			if !s.watch(ctx, snap.Handle) {
				if !s.createExtension(ctx, snap.Path) {
					failing = append(failing, snap.Path)
					s.recordIncident(ctx, snap.Path, "give_up", snap.Handle)
				}
			}
		}
		for _, path := range failing {
			s.logger.Warn(ctx, "giving up on extension after failed relaunch", map[string]any{"path": path})
			s.metrics.IncCounter("watchdog_kill_total", 1, hermes.Label{Key: "child", Value: path}, hermes.Label{Key: "reason", Value: "give_up"})
			s.registry.RemoveExtension(path)
		}

		s.publishStatus(ctx)

		pollSec := limits.Limit(limits.PollIntervalSec, -1)
		if !s.interruptibleSleep(time.Duration(pollSec) * time.Second) {
			break
		}
	}
}

// publishStatus writes a telemetry snapshot to the status mirror, if
// one is configured. Never affects a sanity or respawn decision.
func (s *Supervisor) publishStatus(ctx context.Context) {
	if s.mirror == nil {
		return
	}
	snaps := s.registry.ExtensionSnapshot()
	paths := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		paths = append(paths, snap.Path)
	}
	s.mirror.Write(ctx, statusmirror.Snapshot{
		Hostname:           s.hostname,
		WorkerRunning:      s.registry.GetWorker().Valid(),
		WorkerRestartCount: s.registry.WorkerRestartCount(),
		Extensions:         paths,
		Timestamp:          time.Now(),
	})
}

// ok reports whether the loop should continue: false when the worker
// exited with EXIT_SUCCESS or EXIT_CATASTROPHIC (spec.md §4.4), or
// when there is no worker, no managed extension, and no hint one will
// appear.
func (s *Supervisor) ok() bool {
	if code, has := s.registry.WorkerExitStatus(); has {
		if code == shutdown.ExitSuccess || code == shutdown.ExitCatastrophic {
			return false
		}
	}
	if s.registry.GetWorker().Valid() {
		return true
	}
	return s.registry.HasManagedExtensions()
}

// watch implements spec.md §4.4.1.
func (s *Supervisor) watch(ctx context.Context, child platform.ProcessHandle) bool {
	status, code, err := child.CheckStatus(ctx)

	if s.registry.FatesBound() {
		return false
	}
	if !child.Valid() || status == platform.StatusError || err != nil {
		return false
	}

	if status == platform.StillAlive {
		sane := s.isChildSaneGuarded(ctx, child)
		if !sane {
			s.stopChild(ctx, child)
			return false
		}
		return true
	}

	// Exited.
	if s.registry.GetWorker().Equal(child) {
		s.registry.SetWorkerExitStatus(code)
	}
	return true
}

// isChildSaneGuarded wraps isChildSane with a recover so a panic while
// reading OS counters is treated as "not sane" rather than bringing
// down the whole supervisor (spec.md §7).
func (s *Supervisor) isChildSaneGuarded(ctx context.Context, child platform.ProcessHandle) (sane bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "panic during sanity check, treating as not sane", map[string]any{"pid": child.Pid(), "panic": r})
			sane = false
		}
	}()
	return s.isChildSane(ctx, child)
}

// isChildSane implements spec.md §4.4.2.
func (s *Supervisor) isChildSane(ctx context.Context, child platform.ProcessHandle) bool {
	iv := int64(limits.Limit(limits.PollIntervalSec, -1))
	if iv < 1 {
		iv = 1
	}
	cpuLimit := int64(limits.Limit(limits.CPUUtilizationPctPerSec, -1))

	row, err := s.query.Query(ctx, child.Pid())
	if err != nil {
		s.logger.Debug(ctx, "process query failed, treating child as not sane", map[string]any{"pid": child.Pid(), "error": err.Error()})
		return false
	}

	var sustained uint32
	var excess uint64
	var parentPid int64
	var policyInputs sanitypolicy.Inputs

	found := s.registry.WithChildState(child, func(state *perfstate.State) {
		user := row.UserTime / uint64(iv)
		system := row.SystemTime / uint64(iv)

		// Signed deltas: cumulative counters should only increase, but
		// a query backend that re-bases mid-poll must not underflow an
		// unsigned subtraction into a spurious multi-exabyte "excess".
		userDelta := int64(user) - int64(state.LastUserTime)
		systemDelta := int64(system) - int64(state.LastSystemTime)
		if userDelta > cpuLimit || systemDelta > cpuLimit {
			state.SustainedLatencyTicks++
		} else {
			state.SustainedLatencyTicks = 0
		}
		state.LastUserTime = user
		state.LastSystemTime = system
		sustained = state.SustainedLatencyTicks

		if state.InitialFootprintBytes == 0 {
			state.InitialFootprintBytes = row.ResidentSizeBytes
		}
		if row.ResidentSizeBytes > state.InitialFootprintBytes {
			excess = row.ResidentSizeBytes - state.InitialFootprintBytes
		} else {
			excess = 0
		}
		parentPid = row.ParentPid

		policyInputs = sanitypolicy.Inputs{
			UserTime:              int64(user),
			SystemTime:            int64(system),
			ResidentBytes:         int64(row.ResidentSizeBytes),
			InitialFootprintBytes: int64(state.InitialFootprintBytes),
			SustainedLatencyTicks: int64(state.SustainedLatencyTicks),
		}
	})
	if !found {
		return false
	}

	// Reparenting check, outside the lock: the child is not ours
	// anymore (it likely died and its pid was recycled). Leave it
	// running, clear the slot so the next tick launches a replacement.
	if parentPid != int64(s.selfPid) {
		s.registry.Reset(child)
		return true
	}

	latencyCapSec := limits.Limit(limits.SustainedLatencyCapSec, -1)
	if sustained > 0 && uint64(sustained)*uint64(iv) >= latencyCapSec {
		s.logger.Warn(ctx, "child system performance limits exceeded", map[string]any{"pid": child.Pid(), "sustained_ticks": sustained})
		s.metrics.SetGauge("watchdog_sustained_latency_ticks", float64(sustained), childLabel(child, s.registry))
		return false
	}

	memLimitBytes := limits.Limit(limits.MemoryBytes, -1) * limits.MiB
	if excess > 0 && excess > memLimitBytes {
		s.logger.Warn(ctx, "child memory limits exceeded", map[string]any{"pid": child.Pid(), "excess_bytes": excess})
		s.metrics.SetGauge("watchdog_memory_excess_bytes", float64(excess), childLabel(child, s.registry))
		return false
	}

	if s.sanity != nil && s.sanity.Evaluate(policyInputs) {
		s.logger.Warn(ctx, "child failed optional sanity policy", map[string]any{"pid": child.Pid(), "policy": s.sanity.Source()})
		s.metrics.IncCounter("watchdog_sanity_policy_reject_total", 1, childLabel(child, s.registry))
		return false
	}

	return true
}

// childLabel names a child for metrics: "worker" or its extension
// path, falling back to its pid if neither is resolvable (should not
// happen for a handle that just passed WithChildState).
func childLabel(child platform.ProcessHandle, reg *registry.Registry) hermes.Label {
	if reg.GetWorker().Equal(child) {
		return hermes.Label{Key: "child", Value: "worker"}
	}
	if path := reg.GetExtensionPath(child); path != "" {
		return hermes.Label{Key: "child", Value: path}
	}
	return hermes.Label{Key: "child", Value: "unknown"}
}

// stopChild sends the child a termination signal and reaps its
// zombie. Used when is_child_sane reports false.
func (s *Supervisor) stopChild(ctx context.Context, child platform.ProcessHandle) {
	label := childLabel(child, s.registry)
	if err := child.Kill(); err != nil {
		s.logger.Warn(ctx, "failed to signal child for termination", map[string]any{"pid": child.Pid(), "error": err.Error()})
	}
	if err := child.Reap(); err != nil {
		s.logger.Warn(ctx, "failed to reap terminated child", map[string]any{"pid": child.Pid(), "error": err.Error()})
	}
	s.metrics.IncCounter("watchdog_kill_total", 1, label, hermes.Label{Key: "reason", Value: "limit_exceeded"})
	s.recordIncident(ctx, label.Value, "limit_exceeded", child)
}

// recordIncident hands a forensic snapshot to the archiver, if one is
// configured. Never blocks the caller — Archiver.Record is itself
// fire-and-forget.
func (s *Supervisor) recordIncident(ctx context.Context, path, reason string, child platform.ProcessHandle) {
	if s.archiver == nil {
		return
	}
	state, _ := s.registry.WithChildStateCopy(child)
	row, _ := s.query.Query(ctx, child.Pid())
	s.archiver.Record(incident.Report{
		Path:      path,
		Reason:    reason,
		Timestamp: time.Now(),
		State:     state,
		LastRow:   row,
	})
}

// createWorker implements spec.md §4.4.3's back-off policy, then
// delegates the actual launch to pkg/launcher.
func (s *Supervisor) createWorker(ctx context.Context) {
	now := time.Now().Unix()
	floor := int64(limits.Limit(limits.RespawnFloorSec, -1))

	if s.registry.WorkerState().LastRespawnTime > now-floor {
		count := s.registry.WorkerRestarted()
		s.logger.Warn(ctx, "worker respawning too quickly", map[string]any{"restart_count": count})

		delayMs := limits.Limit(limits.RespawnDelaySec, -1)*1000 + uint64(math.Pow(2, float64(count)))*1000
		s.metrics.SetGauge("watchdog_respawn_backoff_ms", float64(delayMs), hermes.Label{Key: "child", Value: "worker"})

		if !s.interruptibleSleep(time.Duration(delayMs) * time.Millisecond) {
			return
		}
	}

	if _, err := s.launch.LaunchWorker(ctx, s.workerArgv); err != nil {
		s.logger.Error(ctx, "could not create a worker process", map[string]any{"error": err.Error()})
	}
}

// createExtension implements spec.md §4.4.4: give up immediately (no
// back-off, unlike the worker) if path respawned too recently.
func (s *Supervisor) createExtension(ctx context.Context, path string) bool {
	now := time.Now().Unix()
	floor := int64(limits.Limit(limits.RespawnFloorSec, -1))

	state, _ := s.registry.ExtensionState(path)
	if state.LastRespawnTime > now-floor {
		s.logger.Warn(ctx, "extension respawning too quickly", map[string]any{"path": path})
		return false
	}

	socket, timeout, interval, verbose := s.extConfig(path)
	if _, err := s.launch.LaunchExtension(ctx, path, socket, timeout, interval, verbose); err != nil {
		s.logger.Error(ctx, "cannot create extension process", map[string]any{"path": path, "error": err.Error()})
		return false
	}
	return true
}

// interruptibleSleep blocks for d or until shutdown is requested,
// whichever comes first. Returns false if interrupted.
func (s *Supervisor) interruptibleSleep(d time.Duration) bool {
	if d <= 0 {
		return !s.shutdown.Interrupted()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdown.Done():
		return false
	}
}
