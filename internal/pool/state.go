package pool

// State tracks a pool through its lifecycle.
type State int

const (
	// StateRunning means workers are alive and no failure has been seen.
	StateRunning State = iota

	// StateDraining means a failure or interrupt was observed and the
	// remaining workers are being terminated and reaped.
	StateDraining

	// StateJoined means every worker exited cleanly.
	StateJoined

	// StateFailed means the pool was torn down after a worker failure.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the pool has finished.
func (s State) IsTerminal() bool {
	return s == StateJoined || s == StateFailed
}
