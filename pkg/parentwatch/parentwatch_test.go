package parentwatch

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/osquery-go/watchdog/pkg/limits"
	"github.com/osquery-go/watchdog/pkg/shutdown"
)

type recordingLogger struct{}

func (recordingLogger) Info(context.Context, string, map[string]any)  {}
func (recordingLogger) Warn(context.Context, string, map[string]any)  {}
func (recordingLogger) Error(context.Context, string, map[string]any) {}
func (recordingLogger) Debug(context.Context, string, map[string]any) {}

func TestSupervisorAliveTrueForOwnProcess(t *testing.T) {
	l := New(os.Getpid(), shutdown.New(), recordingLogger{})
	if !l.supervisorAlive() {
		t.Fatal("expected the current process to be reported alive")
	}
}

func TestSupervisorAliveFalseForExitedProcess(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run /bin/true in this environment: %v", err)
	}
	l := New(cmd.Process.Pid, shutdown.New(), recordingLogger{})
	if l.supervisorAlive() {
		t.Fatal("expected an exited process to be reported dead")
	}
}

func TestRunRequestsShutdownWhenSupervisorDies(t *testing.T) {
	limits.SetDefaultLevel(limits.Debug) // PollIntervalSec = 1 at Debug

	cmd := exec.Command("/bin/true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run /bin/true in this environment: %v", err)
	}

	coord := shutdown.New()
	l := New(cmd.Process.Pid, coord, recordingLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after detecting a dead supervisor")
	}

	if !coord.Interrupted() {
		t.Fatal("expected shutdown to have been requested")
	}
}
