// Package perfstate holds the per-child running counters the
// supervisor uses to decide whether a worker or extension is sane.
package perfstate

// State is one child's performance history. The zero value is the
// correct starting state for a never-launched child.
type State struct {
	// SustainedLatencyTicks counts consecutive poll intervals during
	// which the child's CPU delta exceeded the utilization threshold.
	// Reset to 0 on any compliant interval.
	SustainedLatencyTicks uint32

	// LastUserTime and LastSystemTime are the previous poll's
	// per-second-normalized CPU counters.
	LastUserTime   uint64
	LastSystemTime uint64

	// InitialFootprintBytes is the resident-set reading captured on
	// the first successful sanity check after launch; it is the
	// baseline so startup allocations are never counted as excess.
	InitialFootprintBytes uint64

	// LastRespawnTime is the UNIX-seconds timestamp of the last
	// successful launch of this child. 0 means never launched.
	LastRespawnTime int64
}

// Reset clears a state back to its pre-launch zero value, except for
// LastRespawnTime, which callers set explicitly to the new launch
// time (or 0, to mean "never launched").
func (s *State) Reset(lastRespawnTime int64) {
	s.SustainedLatencyTicks = 0
	s.LastUserTime = 0
	s.LastSystemTime = 0
	s.InitialFootprintBytes = 0
	s.LastRespawnTime = lastRespawnTime
}
