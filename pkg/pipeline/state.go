package pipeline

import "time"

// State is the per-tile processing state. Tiles advance
// Pending -> Loaded -> Filtered -> OrientationComputed -> Aggregated ->
// Merged; the failure states are reachable from any non-terminal state and
// trigger a bounded retry before the whole run is declared failed.
type State int

const (
	Pending State = iota
	Loaded
	Filtered
	OrientationComputed
	Aggregated
	Merged
	FailedLoad
	FailedCompute
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Filtered:
		return "filtered"
	case OrientationComputed:
		return "orientation_computed"
	case Aggregated:
		return "aggregated"
	case Merged:
		return "merged"
	case FailedLoad:
		return "failed_load"
	case FailedCompute:
		return "failed_compute"
	}
	return "unknown"
}

// Failed reports whether the state is a failure state.
func (s State) Failed() bool {
	return s == FailedLoad || s == FailedCompute
}

// TileReport is the per-tile processing log exposed for observability.
type TileReport struct {
	// TileID identifies the tile in grid enumeration order.
	TileID int

	// State is the final state reached.
	State State

	// Attempts counts processing attempts, including the successful one.
	Attempts int

	// NonFinite is the number of non-finite input voxels zeroed.
	NonFinite int

	// OrientedVoxels and CoherenceSum feed the commutative run summary.
	OrientedVoxels int
	CoherenceSum   float64

	// Duration is the wall-clock time of the successful attempt.
	Duration time.Duration

	// Err is the last failure cause, nil for merged tiles.
	Err error
}
