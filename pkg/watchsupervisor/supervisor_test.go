package watchsupervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/launcher"
	"github.com/osquery-go/watchdog/pkg/limits"
	"github.com/osquery-go/watchdog/pkg/platform"
	"github.com/osquery-go/watchdog/pkg/procquery"
	"github.com/osquery-go/watchdog/pkg/registry"
	"github.com/osquery-go/watchdog/pkg/sanitypolicy"
	"github.com/osquery-go/watchdog/pkg/shutdown"
)

type fakeHandle struct {
	pid    int
	valid  bool
	status platform.Status
	code   int
}

func (f *fakeHandle) Pid() int    { return f.pid }
func (f *fakeHandle) Valid() bool { return f.valid }
func (f *fakeHandle) Equal(other platform.ProcessHandle) bool {
	o, ok := other.(*fakeHandle)
	return ok && o == f
}
func (f *fakeHandle) Kill() error { return nil }
func (f *fakeHandle) Reap() error { return nil }
func (f *fakeHandle) CheckStatus(context.Context) (platform.Status, int, error) {
	return f.status, f.code, nil
}

type fakeQuery struct {
	rows map[int]procquery.Row
	err  error
}

func (f *fakeQuery) Query(_ context.Context, pid int) (procquery.Row, error) {
	if f.err != nil {
		return procquery.Row{}, f.err
	}
	row, ok := f.rows[pid]
	if !ok {
		return procquery.Row{}, procquery.ErrNotFound
	}
	return row, nil
}

func newTestSupervisor(t *testing.T, reg *registry.Registry, query procquery.ProcessQuery) (*Supervisor, *shutdown.Coordinator) {
	t.Helper()
	coord := shutdown.New()
	logger := hermes.NewSlogAdapter()
	metrics := hermes.NewNoopMetrics()
	launch := launcher.New(query, reg, coord, logger, metrics)
	s := New(reg, query, launch, coord, logger, metrics, true, nil, nil)
	return s, coord
}

func TestOkReturnsFalseOnWorkerExitSuccess(t *testing.T) {
	reg := registry.New()
	reg.SetWorkerExitStatus(shutdown.ExitSuccess)
	s, _ := newTestSupervisor(t, reg, &fakeQuery{})
	if s.ok() {
		t.Fatal("expected ok() = false after EXIT_SUCCESS")
	}
}

func TestOkReturnsFalseOnWorkerExitCatastrophic(t *testing.T) {
	reg := registry.New()
	reg.SetWorkerExitStatus(shutdown.ExitCatastrophic)
	s, _ := newTestSupervisor(t, reg, &fakeQuery{})
	if s.ok() {
		t.Fatal("expected ok() = false after EXIT_CATASTROPHIC")
	}
}

func TestOkReturnsTrueOnWorkerExitOtherCode(t *testing.T) {
	reg := registry.New()
	reg.SetWorkerExitStatus(17)
	reg.SetWorker(&fakeHandle{pid: 123, valid: true})
	s, _ := newTestSupervisor(t, reg, &fakeQuery{})
	if !s.ok() {
		t.Fatal("expected ok() = true after a non-terminal exit code with a valid worker handle")
	}
}

func TestOkFalseWithNoWorkerNoExtensionsNoEnvHint(t *testing.T) {
	os.Unsetenv(registry.ExtensionsEnvVar)
	reg := registry.New()
	s, _ := newTestSupervisor(t, reg, &fakeQuery{})
	if s.ok() {
		t.Fatal("expected ok() = false with nothing to supervise")
	}
}

func TestIsChildSaneSustainedCPUExceedsThreshold(t *testing.T) {
	limits.SetDefaultLevel(limits.Loose) // iv=3, cpu=90, latency cap=12
	reg := registry.New()
	child := &fakeHandle{pid: 500, valid: true}
	reg.SetWorker(child)

	query := &fakeQuery{rows: map[int]procquery.Row{
		500: {ParentPid: int64(os.Getpid()), UserTime: 0, SystemTime: 0, ResidentSizeBytes: 100},
	}}
	s, _ := newTestSupervisor(t, reg, query)

	// Four consecutive over-threshold ticks: cap is 12s / iv(3s) = 4 ticks.
	for tick := 1; tick <= 3; tick++ {
		query.rows[500] = procquery.Row{
			ParentPid:         int64(os.Getpid()),
			UserTime:          uint64(tick) * 1000 * 3, // (user/iv) delta = 1000 > cpuLimit(90)
			SystemTime:        0,
			ResidentSizeBytes: 100,
		}
		if !s.isChildSane(context.Background(), child) {
			t.Fatalf("tick %d: expected still sane before sustained cap reached", tick)
		}
	}

	query.rows[500] = procquery.Row{
		ParentPid:         int64(os.Getpid()),
		UserTime:          4 * 1000 * 3,
		SystemTime:        0,
		ResidentSizeBytes: 100,
	}
	if s.isChildSane(context.Background(), child) {
		t.Fatal("expected not sane once sustained_ticks * iv >= SustainedLatencyCapSec")
	}
}

func TestIsChildSaneCompliantTickResetsSustainedCounter(t *testing.T) {
	limits.SetDefaultLevel(limits.Loose)
	reg := registry.New()
	child := &fakeHandle{pid: 501, valid: true}
	reg.SetWorker(child)

	query := &fakeQuery{rows: map[int]procquery.Row{}}
	s, _ := newTestSupervisor(t, reg, query)

	query.rows[501] = procquery.Row{ParentPid: int64(os.Getpid()), UserTime: 3000, ResidentSizeBytes: 10}
	s.isChildSane(context.Background(), child)
	state := reg.WorkerState()
	if state.SustainedLatencyTicks != 1 {
		t.Fatalf("expected 1 sustained tick, got %d", state.SustainedLatencyTicks)
	}

	// A compliant tick (no further delta) resets to 0.
	query.rows[501] = procquery.Row{ParentPid: int64(os.Getpid()), UserTime: 3000, ResidentSizeBytes: 10}
	s.isChildSane(context.Background(), child)
	state = reg.WorkerState()
	if state.SustainedLatencyTicks != 0 {
		t.Fatalf("expected sustained ticks reset to 0, got %d", state.SustainedLatencyTicks)
	}
}

func TestIsChildSaneMemoryBaselineAndExcess(t *testing.T) {
	limits.SetDefaultLevel(limits.Loose) // MemoryBytes limit = 80 MiB
	reg := registry.New()
	child := &fakeHandle{pid: 502, valid: true}
	reg.SetWorker(child)

	query := &fakeQuery{rows: map[int]procquery.Row{
		502: {ParentPid: int64(os.Getpid()), ResidentSizeBytes: 50 * limits.MiB},
	}}
	s, _ := newTestSupervisor(t, reg, query)

	if !s.isChildSane(context.Background(), child) {
		t.Fatal("expected first reading (establishing baseline) to be sane")
	}

	// Below baseline clamps to excess 0.
	query.rows[502] = procquery.Row{ParentPid: int64(os.Getpid()), ResidentSizeBytes: 10 * limits.MiB}
	if !s.isChildSane(context.Background(), child) {
		t.Fatal("expected a reading below baseline to be sane (excess clamped to 0)")
	}

	// Above baseline + limit is not sane.
	query.rows[502] = procquery.Row{ParentPid: int64(os.Getpid()), ResidentSizeBytes: 200 * limits.MiB}
	if s.isChildSane(context.Background(), child) {
		t.Fatal("expected excess over MemoryBytes*MiB to be not sane")
	}
}

func TestIsChildSaneReparentingResetsSlotAndReportsSane(t *testing.T) {
	reg := registry.New()
	child := &fakeHandle{pid: 503, valid: true}
	reg.SetWorker(child)

	query := &fakeQuery{rows: map[int]procquery.Row{
		503: {ParentPid: 99999999, ResidentSizeBytes: 1}, // not our pid
	}}
	s, _ := newTestSupervisor(t, reg, query)

	if !s.isChildSane(context.Background(), child) {
		t.Fatal("expected reparented child to be reported sane (not killed)")
	}
	if reg.GetWorker().Valid() {
		t.Fatal("expected the worker slot to be cleared after reparenting detection")
	}
}

func TestIsChildSaneOptionalPolicyCanRejectWhereMandatoryChecksPass(t *testing.T) {
	limits.SetDefaultLevel(limits.Loose)
	reg := registry.New()
	child := &fakeHandle{pid: 504, valid: true}
	reg.SetWorker(child)

	query := &fakeQuery{rows: map[int]procquery.Row{
		504: {ParentPid: int64(os.Getpid()), ResidentSizeBytes: 10 * limits.MiB},
	}}
	s, _ := newTestSupervisor(t, reg, query)

	if !s.isChildSane(context.Background(), child) {
		t.Fatal("expected sane with no sanity policy installed")
	}

	policy, err := sanitypolicy.Compile("resident > 0")
	if err != nil {
		t.Fatal(err)
	}
	s.SetSanityPolicy(policy)

	query.rows[504] = procquery.Row{ParentPid: int64(os.Getpid()), ResidentSizeBytes: 10 * limits.MiB}
	if s.isChildSane(context.Background(), child) {
		t.Fatal("expected the optional policy to reject a child the mandatory checks alone would pass")
	}
}

func TestCreateExtensionGivesUpWhenRespawningTooFast(t *testing.T) {
	reg := registry.New()
	path := "/opt/ext/plugin"
	reg.AddExtension(path)
	reg.ResetExtensionCounters(path, time.Now().Unix()) // "just respawned"

	s, _ := newTestSupervisor(t, reg, &fakeQuery{})
	ok := s.createExtension(context.Background(), path)
	if ok {
		t.Fatal("expected createExtension to give up immediately when within RespawnFloorSec")
	}
}

func TestInterruptibleSleepReturnsPromptlyOnShutdown(t *testing.T) {
	reg := registry.New()
	s, coord := newTestSupervisor(t, reg, &fakeQuery{})

	done := make(chan bool, 1)
	go func() {
		done <- s.interruptibleSleep(10 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	coord.RequestShutdown(shutdown.ExitFailure)

	select {
	case result := <-done:
		if result {
			t.Fatal("expected interruptibleSleep to report interrupted (false)")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("interruptibleSleep did not return promptly after shutdown was requested")
	}
}
