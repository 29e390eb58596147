// Package limits holds the watchdog's performance-limit table: the
// pure (kind, level) -> threshold lookup that every other watchdog
// package consults instead of hardcoding a number.
package limits

import "sync/atomic"

// Kind identifies one tunable resource ceiling.
type Kind int

const (
	MemoryBytes Kind = iota
	CPUUtilizationPctPerSec
	RespawnFloorSec
	RespawnDelaySec
	SustainedLatencyCapSec
	PollIntervalSec
)

// Level is the performance-limit strictness column: 0=loose,
// 1=normal, 2=restrictive, 3=debug. Values above 3 clamp to 3;
// negative values mean "use the configured default level".
type Level int32

const (
	Loose       Level = 0
	Normal      Level = 1
	Restrictive Level = 2
	Debug       Level = 3
)

// table holds the four canonical values per kind, indexed by level.
// MemoryBytes is stored in MiB here and converted to bytes by Limit.
var table = map[Kind][4]uint64{
	MemoryBytes:             {80, 50, 30, 1000},
	CPUUtilizationPctPerSec: {90, 80, 60, 1000},
	RespawnFloorSec:         {20, 20, 20, 5},
	RespawnDelaySec:         {5, 5, 5, 1},
	SustainedLatencyCapSec:  {12, 6, 3, 1},
	PollIntervalSec:         {3, 3, 3, 1},
}

const MiB = 1024 * 1024

// defaultLevel is the agent-wide configured level, consulted whenever
// a caller passes a negative level. Configuration (pkg/watchconfig)
// updates this atomically so a level change takes effect on the next
// Limit() call without restarting the supervisor.
var defaultLevel atomic.Int32

// SetDefaultLevel sets the agent-wide default watchdog level.
func SetDefaultLevel(level Level) {
	defaultLevel.Store(int32(level))
}

// DefaultLevel returns the currently configured default level.
func DefaultLevel() Level {
	return Level(defaultLevel.Load())
}

// Limit returns the raw table entry for kind at level (MemoryBytes is
// in MiB, not bytes — multiply by limits.MiB at the call site, the way
// is_child_sane does). A negative level uses the configured default. A
// level above Debug clamps to the Debug column. An unknown kind
// returns 0 (no limit), never an error.
func Limit(kind Kind, level Level) uint64 {
	if level < 0 {
		level = DefaultLevel()
	}
	col := int(level)
	if col > int(Debug) {
		col = int(Debug)
	}
	row, ok := table[kind]
	if !ok {
		return 0
	}
	return row[col]
}
