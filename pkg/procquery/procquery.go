// Package procquery is the process-query adapter named in spec.md
// §4.2: given a pid, return the OS-reported counters the supervisor
// needs to decide sanity. The default implementation is backed by
// gopsutil, the same package the teacher's own host agent uses for
// process introspection (pkg/hecatoncheir/agent.go); the supervisor
// core depends only on the ProcessQuery interface below, never on
// gopsutil directly.
package procquery

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound is returned when no row exists for the requested pid.
var ErrNotFound = errors.New("procquery: process not found")

// Row carries one pid's OS-reported counters. UserTime and SystemTime
// are cumulative counters in the host's native unit — the supervisor
// only ever compares deltas between polls, so the unit cancels out;
// this adapter reports them as whole seconds (gopsutil's CPU times are
// float64 seconds, truncated).
type Row struct {
	ParentPid         int64
	UserTime          uint64
	SystemTime        uint64
	ResidentSizeBytes uint64
	ImagePath         string
}

// ProcessQuery is the narrow contract the supervisor depends on.
// Implementations may be backed by /proc, gopsutil, a container
// runtime's stats API, or an embedded SQL virtual-table layer — the
// core does not care how a row is produced.
type ProcessQuery interface {
	Query(ctx context.Context, pid int) (Row, error)
}

// GopsutilQuery implements ProcessQuery over gopsutil/v3/process.
type GopsutilQuery struct{}

// New returns the default host ProcessQuery implementation.
func New() *GopsutilQuery {
	return &GopsutilQuery{}
}

func (GopsutilQuery) Query(ctx context.Context, pid int) (Row, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Row{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	ppid, err := proc.PpidWithContext(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("%w: reading ppid: %v", ErrNotFound, err)
	}

	times, err := proc.TimesWithContext(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("%w: reading cpu times: %v", ErrNotFound, err)
	}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("%w: reading memory info: %v", ErrNotFound, err)
	}

	exe, err := proc.ExeWithContext(ctx)
	if err != nil {
		// Some kernel processes/zombies have no resolvable exe path;
		// this is not fatal to the row, image_path is simply empty.
		exe = ""
	}

	return Row{
		ParentPid:         int64(ppid),
		UserTime:          uint64(times.User),
		SystemTime:        uint64(times.System),
		ResidentSizeBytes: mem.RSS,
		ImagePath:         exe,
	}, nil
}
