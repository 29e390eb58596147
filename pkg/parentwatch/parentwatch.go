// Package parentwatch is spec.md §4.5's parent-liveness loop: a
// second thread that runs inside the worker process and requests the
// worker's own shutdown if the supervisor that launched it has died
// without also killing it. Grounded on the same ticker-plus-context
// shape as pkg/watchsupervisor (and, upstream of both, the teacher's
// pkg/erinyes/poll_fury.go), scaled down to the single check the
// source's WatcherWatcherRunner performs.
package parentwatch

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/limits"
	"github.com/osquery-go/watchdog/pkg/shutdown"
)

// Loop polls whether a supervisor process is still alive and requests
// worker shutdown the first time it finds it gone.
type Loop struct {
	supervisorPid int
	shutdown      shutdown.Requester
	logger        hermes.Logger
}

// New returns a Loop that watches supervisorPid — the pid the worker
// was launched with, passed down by the supervisor at spawn time.
func New(supervisorPid int, sd shutdown.Requester, logger hermes.Logger) *Loop {
	return &Loop{supervisorPid: supervisorPid, shutdown: sd, logger: logger}
}

// Run polls every PollIntervalSec until ctx is cancelled or the
// supervisor is found dead, in which case it requests shutdown and
// returns. Intended to run in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	for {
		interval := time.Duration(limits.Limit(limits.PollIntervalSec, -1)) * time.Second
		if interval <= 0 {
			interval = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if !l.supervisorAlive() {
			l.logger.Debug(ctx, "worker detected killed supervisor", map[string]any{"supervisor_pid": l.supervisorPid})
			l.shutdown.RequestShutdown(shutdown.ExitFailure)
			return
		}
	}
}

// supervisorAlive probes liveness with signal 0, the portable "is this
// pid still around" check for a pid that is not this process's own
// child and so cannot be waited on.
func (l *Loop) supervisorAlive() bool {
	if l.supervisorPid <= 0 {
		return false
	}
	proc, err := os.FindProcess(l.supervisorPid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
