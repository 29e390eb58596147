// Package container is a second extension-launch strategy: instead of
// spawning a native binary, an extension is started as a Docker
// container. Grounded on the teacher's pkg/kampe/docker_runtime.go
// for the docker/docker/client wiring and the
// ContainerInspect/ContainerStats/ContainerStop call shapes.
//
// A containerized extension has no meaningful host pid for
// is_child_sane's ProcessQuery lookup, so Handle carries a synthetic,
// negative, monotonically assigned pid instead; Query resolves that
// pid back to the real container ID via an internal table. The
// supervisor is unaware of the distinction — both Handle and Query
// satisfy the same platform.ProcessHandle / procquery.ProcessQuery
// contracts native processes do.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/osquery-go/watchdog/pkg/platform"
	"github.com/osquery-go/watchdog/pkg/procquery"
)

// Launcher starts extensions as Docker containers and tracks the
// synthetic-pid-to-container-ID mapping both Handle and Query consult.
type Launcher struct {
	client *client.Client

	mu         sync.Mutex
	byPid      map[int]string
	nextPid    atomic.Int64
}

// New connects to the Docker daemon at socketPath (empty uses the
// environment default, client.FromEnv).
func New(socketPath string) (*Launcher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("extruntime/container: creating docker client: %w", err)
	}
	return &Launcher{client: cli, byPid: make(map[int]string)}, nil
}

// Launch starts image as a detached container running cmd, and
// returns a ProcessHandle wrapping a synthetic negative pid.
func (l *Launcher) Launch(ctx context.Context, image string, cmd []string, env []string) (*Handle, error) {
	cfg := &container.Config{Image: image, Cmd: cmd, Env: env}
	created, err := l.client.ContainerCreate(ctx, cfg, &container.HostConfig{AutoRemove: false}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("extruntime/container: creating container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("extruntime/container: starting container: %w", err)
	}

	pid := int(-l.nextPid.Add(1))
	l.mu.Lock()
	l.byPid[pid] = created.ID
	l.mu.Unlock()

	return &Handle{launcher: l, pid: pid, containerID: created.ID}, nil
}

// containerID resolves a synthetic pid back to its Docker container
// ID, for Query.
func (l *Launcher) containerID(pid int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byPid[pid]
	return id, ok
}

func (l *Launcher) forget(pid int) {
	l.mu.Lock()
	delete(l.byPid, pid)
	l.mu.Unlock()
}

// Handle implements platform.ProcessHandle over a Docker container.
type Handle struct {
	launcher    *Launcher
	pid         int
	containerID string
}

func (h *Handle) Pid() int   { return h.pid }
func (h *Handle) Valid() bool { return h.containerID != "" }

func (h *Handle) Equal(other platform.ProcessHandle) bool {
	o, ok := other.(*Handle)
	return ok && o.containerID == h.containerID
}

// Kill stops the container with a short grace period, mirroring
// DockerAdapter.Kill's ContainerStop usage.
func (h *Handle) Kill() error {
	ctx := context.Background()
	timeout := 5
	return h.launcher.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

// Reap removes the stopped container. "No such container" is not an
// error, matching the native handle's tolerant reap semantics.
func (h *Handle) Reap() error {
	ctx := context.Background()
	err := h.launcher.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	h.launcher.forget(h.pid)
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// CheckStatus inspects the container's running state, the container
// equivalent of a non-blocking waitpid.
func (h *Handle) CheckStatus(ctx context.Context) (platform.Status, int, error) {
	info, err := h.launcher.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return platform.Exited, 0, nil
		}
		return platform.StatusError, 0, err
	}
	if info.State.Running {
		return platform.StillAlive, 0, nil
	}
	return platform.Exited, info.State.ExitCode, nil
}

// Query implements procquery.ProcessQuery over container statistics
// instead of /proc, translating Docker's cgroup counters into the
// same procquery.Row shape native processes report so is_child_sane
// needs no special case.
type Query struct {
	launcher *Launcher
}

// NewQuery wraps l for use as the ProcessQuery adapter passed to the
// supervisor alongside this backend's Handles.
func NewQuery(l *Launcher) *Query {
	return &Query{launcher: l}
}

func (q *Query) Query(ctx context.Context, pid int) (procquery.Row, error) {
	id, ok := q.launcher.containerID(pid)
	if !ok {
		return procquery.Row{}, fmt.Errorf("%w: no container tracked for synthetic pid %d", procquery.ErrNotFound, pid)
	}

	info, err := q.launcher.client.ContainerInspect(ctx, id)
	if err != nil {
		return procquery.Row{}, fmt.Errorf("%w: inspecting container: %v", procquery.ErrNotFound, err)
	}

	stats, err := q.launcher.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return procquery.Row{}, fmt.Errorf("%w: reading container stats: %v", procquery.ErrNotFound, err)
	}
	defer stats.Body.Close()

	var decoded container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&decoded); err != nil {
		return procquery.Row{}, fmt.Errorf("%w: decoding container stats: %v", procquery.ErrNotFound, err)
	}

	return procquery.Row{
		ParentPid:         int64(os.Getpid()), // no meaningful host ppid; the launching supervisor stands in
		UserTime:          decoded.CPUStats.CPUUsage.UsageInUsermode / uint64(1e9),
		SystemTime:        decoded.CPUStats.CPUUsage.UsageInKernelmode / uint64(1e9),
		ResidentSizeBytes: decoded.MemoryStats.Usage,
		ImagePath:         info.Image,
	}, nil
}
